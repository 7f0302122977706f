// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

package events

import (
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
)

// pushEnvelope is the upstream wire shape of a push notification.
type pushEnvelope struct {
	EventID        string `json:"eventId"`
	Timestamp      string `json:"timestamp"`
	ResourceUpdate *struct {
		Name   string                    `json:"name"`
		Events map[string]pushTraitEvent `json:"events"`
	} `json:"resourceUpdate"`
	EventThreadState string `json:"eventThreadState"`
}

type pushTraitEvent struct {
	EventSessionID string `json:"eventSessionId"`
	EventID        string `json:"eventId"`
	PreviewURL     string `json:"previewUrl"`
}

// ParsePushMessage decodes a raw push notification into an EventMessage.
// The returned message is validated; callers can ingest it directly.
//
// Trait events are emitted in deterministic (sorted) type order so that
// repeated parses of the same payload produce identical messages.
func ParsePushMessage(raw []byte) (*EventMessage, error) {
	var envelope pushEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode push message: %w", err)
	}
	if envelope.ResourceUpdate == nil {
		return nil, &ValidationError{Field: "resourceUpdate", Reason: "is required"}
	}

	ts, err := time.Parse(time.RFC3339, envelope.Timestamp)
	if err != nil {
		return nil, &ValidationError{Field: "timestamp", Reason: "is not RFC3339"}
	}

	types := make([]string, 0, len(envelope.ResourceUpdate.Events))
	for eventType := range envelope.ResourceUpdate.Events {
		types = append(types, eventType)
	}
	sort.Strings(types)

	traits := make([]TraitEvent, 0, len(types))
	for _, eventType := range types {
		ev := envelope.ResourceUpdate.Events[eventType]
		traits = append(traits, TraitEvent{
			Type:       eventType,
			EventID:    ev.EventID,
			SessionID:  ev.EventSessionID,
			PreviewURL: ev.PreviewURL,
		})
	}

	msg := &EventMessage{
		MessageID:   envelope.EventID,
		DeviceID:    envelope.ResourceUpdate.Name,
		Timestamp:   ts.UTC(),
		ThreadState: ParseThreadState(envelope.EventThreadState),
		Events:      traits,
		Raw:         raw,
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

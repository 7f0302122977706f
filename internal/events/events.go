// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

// Package events defines the push-notification message model and the session
// aggregator that threads raw messages into logical events.
//
// A camera cloud backend delivers one real-world occurrence (a person at the
// door, say) as several push messages sharing an event session ID: a STARTED
// message, zero or more follow-ups adding event types or media references,
// and ideally an ENDED marker. The aggregator reconstructs exactly one
// LogicalEvent per session from that stream, tolerating duplicates,
// out-of-order delivery, and sessions whose ENDED marker never arrives.
package events

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Well-known camera event types.
const (
	EventTypeMotion        = "camera.motion"
	EventTypePerson        = "camera.person"
	EventTypeSound         = "camera.sound"
	EventTypeDoorbellChime = "doorbell.chime"
	EventTypeClipPreview   = "camera.clip_preview"
)

// ThreadState marks a message's position in an event thread. The zero value
// means the upstream did not thread the message (single-message event).
type ThreadState int

const (
	// ThreadStateNone indicates an unthreaded message.
	ThreadStateNone ThreadState = iota

	// ThreadStateStarted marks the first message of a thread.
	ThreadStateStarted

	// ThreadStateEnded marks the final message of a thread.
	ThreadStateEnded
)

// String returns the wire representation of the thread state.
func (s ThreadState) String() string {
	switch s {
	case ThreadStateStarted:
		return "STARTED"
	case ThreadStateEnded:
		return "ENDED"
	default:
		return "NONE"
	}
}

// ParseThreadState maps the wire string to a ThreadState. Unknown values
// map to ThreadStateNone; they are not an error on the wire.
func ParseThreadState(s string) ThreadState {
	switch s {
	case "STARTED":
		return ThreadStateStarted
	case "ENDED":
		return ThreadStateEnded
	default:
		return ThreadStateNone
	}
}

// TraitEvent is a single typed occurrence inside a push message. A message
// may carry several (motion plus a clip preview, for example), all sharing
// the message's session.
type TraitEvent struct {
	// Type is the event type, e.g. "camera.motion".
	Type string `json:"type"`

	// EventID identifies this occurrence and doubles as the media token
	// for event-image retrieval. Unique per trait event.
	EventID string `json:"event_id"`

	// SessionID groups all trait events of one logical occurrence.
	SessionID string `json:"event_session_id"`

	// PreviewURL, when set, is a direct URL for the clip preview that
	// covers the whole session.
	PreviewURL string `json:"preview_url,omitempty"`
}

// EventMessage is one decoded push notification. Immutable after parsing.
type EventMessage struct {
	// MessageID is the push envelope's event ID, used for message-level
	// duplicate suppression.
	MessageID string `json:"message_id"`

	// DeviceID is the upstream resource name of the camera.
	DeviceID string `json:"device_id"`

	// Timestamp is when the upstream observed the occurrence.
	Timestamp time.Time `json:"timestamp"`

	// ThreadState threads this message into its session.
	ThreadState ThreadState `json:"thread_state"`

	// Events holds the typed occurrences carried by this message.
	Events []TraitEvent `json:"events"`

	// Raw preserves the original payload for debugging.
	Raw json.RawMessage `json:"-"`
}

// SessionID returns the event session shared by the message's trait events,
// or empty for messages that carry none.
func (m *EventMessage) SessionID() string {
	for _, ev := range m.Events {
		if ev.SessionID != "" {
			return ev.SessionID
		}
	}
	return ""
}

// ValidationError describes why a push message was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event message: %s %s", e.Field, e.Reason)
}

// Validate checks the invariants the aggregator depends on.
func (m *EventMessage) Validate() error {
	if m.DeviceID == "" {
		return &ValidationError{Field: "device_id", Reason: "is required"}
	}
	if m.MessageID == "" {
		return &ValidationError{Field: "message_id", Reason: "is required"}
	}
	if m.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "is required"}
	}
	for i, ev := range m.Events {
		if ev.EventID == "" {
			return &ValidationError{
				Field:  fmt.Sprintf("events[%d].event_id", i),
				Reason: "is required",
			}
		}
		if ev.SessionID == "" {
			return &ValidationError{
				Field:  fmt.Sprintf("events[%d].event_session_id", i),
				Reason: "is required",
			}
		}
	}
	return nil
}

// FinalizeReason records how a session was closed.
type FinalizeReason string

const (
	// FinalizeReasonEnded means the ENDED thread marker arrived.
	FinalizeReasonEnded FinalizeReason = "ended"

	// FinalizeReasonTimeout means the per-session idle timer expired.
	FinalizeReasonTimeout FinalizeReason = "timeout"

	// FinalizeReasonUnload means the owning device was torn down.
	FinalizeReasonUnload FinalizeReason = "unload"
)

// LogicalEvent is one reconstructed real-world occurrence. The aggregator
// owns it exclusively while the session is open; once finalized it is
// handed to the dispatcher and never mutated again.
type LogicalEvent struct {
	DeviceID       string         `json:"device_id"`
	SessionID      string         `json:"session_id"`
	PrimaryEventID string         `json:"primary_event_id"`
	EventTypes     []string       `json:"event_types"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Reason         FinalizeReason `json:"finalize_reason"`

	// MediaToken is the trait event ID to use for media retrieval, empty
	// when the session carried no media-bearing event.
	MediaToken string `json:"media_token,omitempty"`

	// PreviewURL is the direct clip-preview URL when the device delivers
	// whole-session clips.
	PreviewURL string `json:"preview_url,omitempty"`

	// MediaKey is assigned by the dispatcher once the event's media is
	// registered; consumers fetch the artifact through the media surface
	// with this key.
	MediaKey string `json:"media_key,omitempty"`
}

// PrimaryType returns the first (sorted) event type. Finalized events carry
// at least one type, so this is the stable choice for deriving media keys.
func (e *LogicalEvent) PrimaryType() string {
	if len(e.EventTypes) == 0 {
		return ""
	}
	return e.EventTypes[0]
}

// HasType reports whether the logical event includes the given event type.
func (e *LogicalEvent) HasType(eventType string) bool {
	for _, t := range e.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

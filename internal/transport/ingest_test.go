// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/tomtom215/lenswatch/internal/events"
)

type fakeSink struct {
	mu       sync.Mutex
	received []*events.EventMessage
	failures int // Enqueue errors to return before succeeding
	notify   chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{notify: make(chan struct{}, 16)}
}

func (s *fakeSink) Enqueue(_ context.Context, msg *events.EventMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("queue full")
	}
	s.received = append(s.received, msg)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func (s *fakeSink) last() *events.EventMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.received) == 0 {
		return nil
	}
	return s.received[len(s.received)-1]
}

func pushPayload(eventID, device, session, traitEventID string) []byte {
	return []byte(fmt.Sprintf(`{
		"eventId": %q,
		"timestamp": %q,
		"resourceUpdate": {
			"name": %q,
			"events": {
				"camera.motion": {"eventSessionId": %q, "eventId": %q}
			}
		},
		"eventThreadState": "STARTED"
	}`, eventID, time.Now().Format(time.RFC3339), device, session, traitEventID))
}

func startIngestor(t *testing.T, sink Sink, cfgMod func(*IngestConfig)) (*gochannel.GoChannel, IngestConfig) {
	t.Helper()
	logger := watermill.NopLogger{}
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, logger)

	cfg := DefaultIngestConfig()
	cfg.RetryInitialInterval = 5 * time.Millisecond
	cfg.RetryMaxInterval = 10 * time.Millisecond
	if cfgMod != nil {
		cfgMod(&cfg)
	}

	in, err := NewIngestor(cfg, pubsub, pubsub, sink, logger)
	if err != nil {
		t.Fatalf("NewIngestor failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = in.Serve(ctx)
	}()
	select {
	case <-in.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("Router did not start")
	}
	t.Cleanup(func() {
		cancel()
		<-done
		pubsub.Close()
	})
	return pubsub, cfg
}

func awaitDelivery(t *testing.T, sink *fakeSink, want int) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for sink.count() < want {
		select {
		case <-deadline:
			t.Fatalf("Timed out waiting for %d deliveries, got %d", want, sink.count())
		case <-sink.notify:
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestIngestor_DecodeAndDeliver(t *testing.T) {
	sink := newFakeSink()
	pubsub, cfg := startIngestor(t, sink, nil)

	msg := message.NewMessage(watermill.NewUUID(), pushPayload("ev-1", "cam-1", "s1", "trait-1"))
	if err := pubsub.Publish(cfg.Topic, msg); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	awaitDelivery(t, sink, 1)
	got := sink.last()
	if got.MessageID != "ev-1" || got.DeviceID != "cam-1" {
		t.Errorf("Unexpected message %+v", got)
	}
	if got.SessionID() != "s1" {
		t.Errorf("Expected session s1, got %q", got.SessionID())
	}
	if got.ThreadState != events.ThreadStateStarted {
		t.Errorf("Expected STARTED, got %v", got.ThreadState)
	}
}

func TestIngestor_DropsUndecodablePayload(t *testing.T) {
	sink := newFakeSink()
	pubsub, cfg := startIngestor(t, sink, nil)

	if err := pubsub.Publish(cfg.Topic, message.NewMessage(watermill.NewUUID(), []byte("{not json"))); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	// The bad message must not wedge the pipeline.
	if err := pubsub.Publish(cfg.Topic, message.NewMessage(watermill.NewUUID(), pushPayload("ev-2", "cam-1", "s1", "trait-1"))); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	awaitDelivery(t, sink, 1)
	if got := sink.last(); got.MessageID != "ev-2" {
		t.Errorf("Expected only the valid message, got %+v", got)
	}
}

func TestIngestor_SuppressesRedelivery(t *testing.T) {
	sink := newFakeSink()
	pubsub, cfg := startIngestor(t, sink, nil)

	// Same upstream event ID on two broker messages.
	if err := pubsub.Publish(cfg.Topic, message.NewMessage(watermill.NewUUID(), pushPayload("ev-1", "cam-1", "s1", "trait-1"))); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	awaitDelivery(t, sink, 1)

	if err := pubsub.Publish(cfg.Topic, message.NewMessage(watermill.NewUUID(), pushPayload("ev-1", "cam-1", "s1", "trait-1"))); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := pubsub.Publish(cfg.Topic, message.NewMessage(watermill.NewUUID(), pushPayload("ev-3", "cam-1", "s1", "trait-2"))); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	awaitDelivery(t, sink, 2)
	if got := sink.last(); got.MessageID != "ev-3" {
		t.Errorf("Redelivered ev-1 must be suppressed, got %+v", got)
	}
	if sink.count() != 2 {
		t.Errorf("Expected 2 deliveries, got %d", sink.count())
	}
}

func TestIngestor_RetriesTransientSinkFailure(t *testing.T) {
	sink := newFakeSink()
	sink.failures = 2
	pubsub, cfg := startIngestor(t, sink, nil)

	if err := pubsub.Publish(cfg.Topic, message.NewMessage(watermill.NewUUID(), pushPayload("ev-1", "cam-1", "s1", "trait-1"))); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Retry middleware re-runs the handler; the failed attempts must not
	// mark the message as seen.
	awaitDelivery(t, sink, 1)
	if got := sink.last(); got.MessageID != "ev-1" {
		t.Errorf("Expected delivery after retries, got %+v", got)
	}
}

func TestStreamInitializer_RequiresJetStream(t *testing.T) {
	if _, err := NewStreamInitializer(nil, DefaultStreamConfig()); err == nil {
		t.Error("Expected error for nil JetStream context")
	}
}

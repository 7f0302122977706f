// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/lenswatch/internal/cloud"
	"github.com/tomtom215/lenswatch/internal/devices"
	"github.com/tomtom215/lenswatch/internal/events"
	"github.com/tomtom215/lenswatch/internal/media"
)

type fakeCloud struct {
	downloadCalls int32
}

func (f *fakeCloud) GenerateEventImage(_ context.Context, _, eventToken string) (*cloud.EventImage, error) {
	return &cloud.EventImage{URL: "https://cdn/" + eventToken, Token: "g." + eventToken}, nil
}

func (f *fakeCloud) DownloadMedia(context.Context, string, string) (*cloud.Media, error) {
	atomic.AddInt32(&f.downloadCalls, 1)
	return &cloud.Media{Data: []byte("bytes"), ContentType: "video/mp4"}, nil
}

func (f *fakeCloud) GenerateStream(context.Context, string, devices.StreamProtocol) (*cloud.StreamGrant, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeCloud) ExtendStream(context.Context, string, devices.StreamProtocol, string) (*cloud.StreamGrant, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeCloud) StopStream(context.Context, string, devices.StreamProtocol, string) error {
	return nil
}

func newTestMediaCache(t *testing.T, api cloud.API) *media.Cache {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir())
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("Failed to open BadgerDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := media.DefaultDiskStoreConfig()
	cfg.MediaDir = t.TempDir()
	cfg.SaveDelay = time.Hour
	disk, err := media.OpenDiskStore(db, cfg)
	if err != nil {
		t.Fatalf("OpenDiskStore failed: %v", err)
	}
	t.Cleanup(func() { disk.Close() })
	return media.NewCache(media.DefaultCacheConfig(), disk, api)
}

func startDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func message(device, session, msgID, eventID, eventType string, state events.ThreadState, preview string) *events.EventMessage {
	return &events.EventMessage{
		MessageID:   msgID,
		DeviceID:    device,
		Timestamp:   time.Now(),
		ThreadState: state,
		Events: []events.TraitEvent{
			{Type: eventType, EventID: eventID, SessionID: session, PreviewURL: preview},
		},
	}
}

func awaitEvent(t *testing.T, ch <-chan *events.LogicalEvent) *events.LogicalEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for logical event")
		return nil
	}
}

func TestDispatcher_EndToEnd(t *testing.T) {
	registry := devices.NewRegistry()
	registry.Add(devices.Device{ID: "cam-1", Traits: devices.DefaultCameraTraits()})

	mediaCache := newTestMediaCache(t, &fakeCloud{})
	d := New(Config{}, mediaCache, nil, registry)
	startDispatcher(t, d)

	received := make(chan *events.LogicalEvent, 1)
	sub := d.Subscribe("cam-1", func(ev *events.LogicalEvent) { received <- ev })
	defer sub.Cancel()

	ctx := context.Background()
	if err := d.Enqueue(ctx, message("cam-1", "s1", "m1", "e1", events.EventTypeMotion, events.ThreadStateStarted, "")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := d.Enqueue(ctx, message("cam-1", "s1", "m2", "e2", events.EventTypePerson, events.ThreadStateEnded, "")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	ev := awaitEvent(t, received)
	if ev.DeviceID != "cam-1" || ev.SessionID != "s1" {
		t.Errorf("Unexpected event %+v", ev)
	}
	if len(ev.EventTypes) != 2 {
		t.Errorf("Expected both event types, got %v", ev.EventTypes)
	}
	if ev.Reason != events.FinalizeReasonEnded {
		t.Errorf("Expected ended finalize, got %s", ev.Reason)
	}
	if ev.MediaKey == "" {
		t.Error("Expected media key assigned on finalize")
	}
	if _, exists := mediaCache.Lookup("cam-1", ev.MediaKey); !exists {
		t.Error("Expected media record registered")
	}
}

func TestDispatcher_IdleTimeoutFinalizes(t *testing.T) {
	registry := devices.NewRegistry()
	registry.Add(devices.Device{ID: "cam-1", Traits: devices.DefaultCameraTraits()})

	d := New(Config{Aggregator: events.AggregatorConfig{IdleTimeout: 50 * time.Millisecond}}, nil, nil, registry)
	startDispatcher(t, d)

	received := make(chan *events.LogicalEvent, 1)
	sub := d.Subscribe("cam-1", func(ev *events.LogicalEvent) { received <- ev })
	defer sub.Cancel()

	if err := d.Enqueue(context.Background(), message("cam-1", "s1", "m1", "e1", events.EventTypeMotion, events.ThreadStateStarted, "")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	ev := awaitEvent(t, received)
	if ev.Reason != events.FinalizeReasonTimeout {
		t.Errorf("Expected timeout finalize, got %s", ev.Reason)
	}
}

func TestDispatcher_SubscriptionCancel(t *testing.T) {
	d := New(Config{}, nil, nil, nil)

	calls := 0
	sub := d.Subscribe("cam-1", func(*events.LogicalEvent) { calls++ })
	sub.Cancel()
	sub.Cancel() // idempotent

	d.fanOut(&events.LogicalEvent{DeviceID: "cam-1"})
	if calls != 0 {
		t.Errorf("Canceled subscription must not receive events, got %d calls", calls)
	}
}

func TestDispatcher_FanOutIsolatesDevices(t *testing.T) {
	d := New(Config{}, nil, nil, nil)

	var cam1, cam2, global int
	d.Subscribe("cam-1", func(*events.LogicalEvent) { cam1++ })
	d.Subscribe("cam-2", func(*events.LogicalEvent) { cam2++ })
	d.SubscribeAll(func(*events.LogicalEvent) { global++ })

	d.fanOut(&events.LogicalEvent{DeviceID: "cam-1"})

	if cam1 != 1 || cam2 != 0 || global != 1 {
		t.Errorf("Unexpected fan-out: cam1=%d cam2=%d global=%d", cam1, cam2, global)
	}
}

func TestDispatcher_NoSubscribersDrops(t *testing.T) {
	d := New(Config{}, nil, nil, nil)
	// Must not panic or queue anywhere.
	d.fanOut(&events.LogicalEvent{DeviceID: "cam-ghost"})
}

func TestDispatcher_UnloadDiscardsOpenSessions(t *testing.T) {
	registry := devices.NewRegistry()
	registry.Add(devices.Device{ID: "cam-1", Traits: devices.DefaultCameraTraits()})

	d := New(Config{}, nil, nil, registry)
	startDispatcher(t, d)

	received := make(chan *events.LogicalEvent, 1)
	d.Subscribe("cam-1", func(ev *events.LogicalEvent) { received <- ev })

	ctx := context.Background()
	if err := d.Enqueue(ctx, message("cam-1", "s1", "m1", "e1", events.EventTypeMotion, events.ThreadStateStarted, "")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := d.UnloadDevice(ctx, "cam-1"); err != nil {
		t.Fatalf("UnloadDevice failed: %v", err)
	}

	select {
	case ev := <-received:
		t.Errorf("Unload must discard without delivery, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	if _, err := registry.Get("cam-1"); !errors.Is(err, devices.ErrDeviceNotFound) {
		t.Error("Expected device removed from registry")
	}
}

func TestDispatcher_ClipPreviewPrefetch(t *testing.T) {
	registry := devices.NewRegistry()
	registry.Add(devices.Device{ID: "cam-batt", Traits: devices.BatteryCameraTraits()})

	api := &fakeCloud{}
	mediaCache := newTestMediaCache(t, api)
	d := New(Config{}, mediaCache, nil, registry)
	startDispatcher(t, d)

	received := make(chan *events.LogicalEvent, 1)
	d.Subscribe("cam-batt", func(ev *events.LogicalEvent) { received <- ev })

	msg := message("cam-batt", "s1", "m1", "e1", events.EventTypeClipPreview, events.ThreadStateEnded, "https://cloud/preview/1")
	if err := d.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	awaitEvent(t, received)

	// Prefetch runs off the loop; poll for the upstream download.
	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&api.downloadCalls) == 0 {
		select {
		case <-deadline:
			t.Fatal("Expected clip-preview prefetch to hit upstream")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDispatcher_EnqueueAfterStop(t *testing.T) {
	d := New(Config{}, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Serve(ctx)
	}()
	cancel()
	<-done

	err := d.Enqueue(context.Background(), message("cam-1", "s1", "m1", "e1", events.EventTypeMotion, events.ThreadStateStarted, ""))
	if !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped, got %v", err)
	}
}

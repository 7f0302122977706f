// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

// Package dispatcher runs the event loop: it demultiplexes raw push
// messages to per-device session aggregation, registers finalized events'
// media, and fans the events out to subscribers.
//
// All aggregator state is confined to the loop goroutine. External inputs
// (transport messages, timer callbacks, device teardown) enter through
// channels; only the subscriber table is shared, under its own lock.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tomtom215/lenswatch/internal/devices"
	"github.com/tomtom215/lenswatch/internal/events"
	"github.com/tomtom215/lenswatch/internal/logging"
	"github.com/tomtom215/lenswatch/internal/media"
	"github.com/tomtom215/lenswatch/internal/metrics"
	"github.com/tomtom215/lenswatch/internal/stream"
)

// DefaultQueueSize bounds the inbound message channel.
const DefaultQueueSize = 256

// ErrStopped is returned for enqueues after the loop has shut down.
var ErrStopped = errors.New("dispatcher stopped")

// Handler receives finalized logical events. Handlers run on the event
// loop and must not block; slow consumers buffer on their own side.
type Handler func(*events.LogicalEvent)

// Subscription is a fan-out registration. Cancel is idempotent.
type Subscription struct {
	cancel func()
	once   sync.Once
}

// Cancel removes the subscription.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Config holds dispatcher tunables.
type Config struct {
	QueueSize  int
	Aggregator events.AggregatorConfig
}

// Dispatcher is the process's single event loop.
type Dispatcher struct {
	cfg      Config
	agg      *events.Aggregator
	media    *media.Cache
	streams  *stream.Manager
	registry *devices.Registry

	messages chan *events.EventMessage
	tasks    chan func()

	subMu      sync.Mutex
	nextSubID  uint64
	deviceSubs map[string]map[uint64]Handler
	globalSubs map[uint64]Handler

	stopOnce sync.Once
	stopped  chan struct{}
}

// New wires the dispatcher and its aggregator. mediaCache and streams may
// be nil in tests that only exercise fan-out.
func New(cfg Config, mediaCache *media.Cache, streams *stream.Manager, registry *devices.Registry) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	d := &Dispatcher{
		cfg:        cfg,
		media:      mediaCache,
		streams:    streams,
		registry:   registry,
		messages:   make(chan *events.EventMessage, cfg.QueueSize),
		tasks:      make(chan func(), cfg.QueueSize),
		deviceSubs: make(map[string]map[uint64]Handler),
		globalSubs: make(map[uint64]Handler),
		stopped:    make(chan struct{}),
	}

	var supported events.SupportedTypesFunc
	if registry != nil {
		supported = registry.SupportedEventTypes
	}
	d.agg = events.NewAggregator(cfg.Aggregator, d.schedule, d.handleFinalized, supported)
	return d
}

// Aggregator exposes the loop-confined aggregator. Test hook; production
// code interacts only through Enqueue and the loop.
// Stopped reports whether the dispatcher loop has exited. Used by the
// readiness probe.
func (d *Dispatcher) Stopped() bool {
	select {
	case <-d.stopped:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) Aggregator() *events.Aggregator {
	return d.agg
}

// Serve runs the event loop until the context is canceled. Satisfies
// suture.Service.
func (d *Dispatcher) Serve(ctx context.Context) error {
	logging.Info().Int("queue_size", d.cfg.QueueSize).Msg("dispatcher started")
	defer d.stopOnce.Do(func() { close(d.stopped) })

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("dispatcher stopping")
			return ctx.Err()
		case msg := <-d.messages:
			d.agg.Ingest(msg)
		case fn := <-d.tasks:
			fn()
		}
	}
}

// Enqueue hands a decoded message to the event loop. Blocks when the queue
// is full, applying backpressure to the transport.
func (d *Dispatcher) Enqueue(ctx context.Context, msg *events.EventMessage) error {
	select {
	case <-d.stopped:
		return ErrStopped
	default:
	}
	select {
	case d.messages <- msg:
		return nil
	case <-d.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// schedule posts timer callbacks back onto the event loop, so aggregator
// timers never touch loop-confined state from the timer goroutine.
func (d *Dispatcher) schedule(delay time.Duration, fn func()) func() {
	t := time.AfterFunc(delay, func() {
		select {
		case d.tasks <- fn:
		case <-d.stopped:
		}
	})
	return func() { t.Stop() }
}

// post runs fn on the event loop and waits for it to complete.
func (d *Dispatcher) post(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case d.tasks <- wrapped:
	case <-d.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-d.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleFinalized is the aggregator's delivery callback: register media,
// kick prefetch for clip-preview devices, fan out.
func (d *Dispatcher) handleFinalized(ev *events.LogicalEvent) {
	if d.media != nil {
		if mediaKey, ok := d.media.RegisterEvent(ev); ok {
			ev.MediaKey = mediaKey
			if d.clipPreviewDevice(ev.DeviceID) {
				// Clip previews expire quickly upstream; fetch them
				// eagerly, off the loop.
				go d.media.Prefetch(context.Background(), ev.DeviceID, mediaKey)
			}
		}
	}
	d.fanOut(ev)
}

func (d *Dispatcher) clipPreviewDevice(deviceID string) bool {
	if d.registry == nil {
		return false
	}
	device, err := d.registry.Get(deviceID)
	return err == nil && device.Traits.ClipPreview
}

// fanOut delivers the event to the device's subscribers plus the global
// subscribers. An event nobody wants is dropped, not queued.
func (d *Dispatcher) fanOut(ev *events.LogicalEvent) {
	d.subMu.Lock()
	handlers := make([]Handler, 0, len(d.globalSubs)+4)
	for _, h := range d.deviceSubs[ev.DeviceID] {
		handlers = append(handlers, h)
	}
	for _, h := range d.globalSubs {
		handlers = append(handlers, h)
	}
	d.subMu.Unlock()

	if len(handlers) == 0 {
		metrics.EventsUnrouted.Inc()
		logging.Debug().
			Str("device", ev.DeviceID).
			Str("session", ev.SessionID).
			Msg("dropping event with no subscribers")
		return
	}
	for _, h := range handlers {
		h(ev)
	}
	metrics.EventsPublished.Inc()
}

// Subscribe registers a handler for one device's finalized events.
func (d *Dispatcher) Subscribe(deviceID string, h Handler) *Subscription {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	d.nextSubID++
	id := d.nextSubID
	subs, exists := d.deviceSubs[deviceID]
	if !exists {
		subs = make(map[uint64]Handler)
		d.deviceSubs[deviceID] = subs
	}
	subs[id] = h

	return &Subscription{cancel: func() {
		d.subMu.Lock()
		defer d.subMu.Unlock()
		if subs, exists := d.deviceSubs[deviceID]; exists {
			delete(subs, id)
			if len(subs) == 0 {
				delete(d.deviceSubs, deviceID)
			}
		}
	}}
}

// SubscribeAll registers a handler for every device's finalized events.
// Used by the websocket hub.
func (d *Dispatcher) SubscribeAll(h Handler) *Subscription {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	d.nextSubID++
	id := d.nextSubID
	d.globalSubs[id] = h

	return &Subscription{cancel: func() {
		d.subMu.Lock()
		defer d.subMu.Unlock()
		delete(d.globalSubs, id)
	}}
}

// UnloadDevice tears a device down: open sessions are discarded without
// delivery, the live stream is revoked best-effort, and cached media is
// evicted. Runs the aggregator part on the event loop.
func (d *Dispatcher) UnloadDevice(ctx context.Context, deviceID string) error {
	if d.registry != nil {
		if _, err := d.registry.Get(deviceID); err != nil {
			return err
		}
	}

	err := d.post(ctx, func() {
		discarded := d.agg.CloseDevice(deviceID)
		if discarded > 0 {
			logging.Debug().
				Str("device", deviceID).
				Int("sessions", discarded).
				Msg("discarded open sessions on unload")
		}
	})
	if err != nil {
		return err
	}

	if d.streams != nil {
		d.streams.Stop(ctx, deviceID)
	}
	if d.media != nil {
		d.media.EvictDevice(deviceID)
	}
	if d.registry != nil {
		d.registry.Remove(deviceID)
	}
	logging.Info().Str("device", deviceID).Msg("device unloaded")
	return nil
}

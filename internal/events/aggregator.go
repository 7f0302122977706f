// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

package events

import (
	"sort"
	"time"

	"github.com/tomtom215/lenswatch/internal/logging"
	"github.com/tomtom215/lenswatch/internal/metrics"
)

// Default aggregation timings. Both are configurable; these match the
// upstream protocol's observed behavior.
const (
	// DefaultIdleTimeout closes a session that never received its ENDED
	// marker, measured from the last message applied to it.
	DefaultIdleTimeout = 5 * time.Second

	// DefaultOldestEventAge drops messages older than this when no session
	// is open for them, so stale replay on startup is not processed.
	DefaultOldestEventAge = 60 * time.Second
)

// ScheduleFunc schedules fn to run after d and returns a cancel function.
// The dispatcher provides an implementation that runs fn on its event loop,
// keeping all aggregator state loop-confined.
type ScheduleFunc func(d time.Duration, fn func()) (cancel func())

// FinalizeFunc receives each finalized LogicalEvent exactly once.
type FinalizeFunc func(*LogicalEvent)

// SupportedTypesFunc reports the event types a device declares. A nil
// lookup accepts every type.
type SupportedTypesFunc func(deviceID string) []string

// AggregatorConfig holds session aggregation tunables.
type AggregatorConfig struct {
	IdleTimeout    time.Duration
	OldestEventAge time.Duration
}

type sessionKey struct {
	deviceID  string
	sessionID string
}

// openSession is a logical event still under construction. Owned by the
// aggregator until finalized.
type openSession struct {
	event       *LogicalEvent
	types       map[string]struct{}
	applied     map[string]struct{}
	cancelTimer func()
	finalized   bool
}

// Aggregator threads EventMessages into LogicalEvents.
//
/// It is not safe for concurrent use: Ingest, CloseDevice, and the callbacks
// fired through the ScheduleFunc must all run on the same goroutine (the
// dispatcher's event loop).
type Aggregator struct {
	cfg        AggregatorConfig
	schedule   ScheduleFunc
	onFinalize FinalizeFunc
	supported  SupportedTypesFunc
	now        func() time.Time
	open       map[sessionKey]*openSession
}

// NewAggregator creates an aggregator delivering finalized events to
// onFinalize. Zero config fields fall back to the package defaults.
func NewAggregator(
	cfg AggregatorConfig,
	schedule ScheduleFunc,
	onFinalize FinalizeFunc,
	supported SupportedTypesFunc,
) *Aggregator {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.OldestEventAge <= 0 {
		cfg.OldestEventAge = DefaultOldestEventAge
	}
	return &Aggregator{
		cfg:        cfg,
		schedule:   schedule,
		onFinalize: onFinalize,
		supported:  supported,
		now:        time.Now,
		open:       make(map[sessionKey]*openSession),
	}
}

// SetNowFunc overrides the clock source. Test hook.
func (a *Aggregator) SetNowFunc(now func() time.Time) {
	a.now = now
}

// OpenSessions returns the number of sessions still under construction.
func (a *Aggregator) OpenSessions() int {
	return len(a.open)
}

// Ingest applies one message. When the message itself closes its session
// (ENDED marker), the finalized LogicalEvent is returned; the event is also
// delivered through the finalize callback, which is the delivery path shared
// with timeout finalization. A nil return means the session is still open or
// the message was dropped.
//
// Re-delivering a message already applied to its session is a no-op apart
// from resetting the idle timer.
func (a *Aggregator) Ingest(msg *EventMessage) *LogicalEvent {
	if err := msg.Validate(); err != nil {
		logging.Warn().Err(err).Str("device", msg.DeviceID).Msg("dropping malformed event message")
		metrics.EventMessagesDropped.WithLabelValues("malformed").Inc()
		return nil
	}

	sessionID := msg.SessionID()
	if sessionID == "" {
		logging.Debug().Str("device", msg.DeviceID).Msg("message carries no event session")
		metrics.EventMessagesDropped.WithLabelValues("no_session").Inc()
		return nil
	}

	key := sessionKey{deviceID: msg.DeviceID, sessionID: sessionID}
	sess, exists := a.open[key]

	if !exists {
		if a.now().Sub(msg.Timestamp) > a.cfg.OldestEventAge {
			logging.Debug().
				Str("device", msg.DeviceID).
				Time("timestamp", msg.Timestamp).
				Msg("dropping stale event message")
			metrics.EventMessagesDropped.WithLabelValues("stale").Inc()
			return nil
		}
		sess = &openSession{
			event: &LogicalEvent{
				DeviceID:   msg.DeviceID,
				SessionID:  sessionID,
				OccurredAt: msg.Timestamp,
			},
			types:   make(map[string]struct{}),
			applied: make(map[string]struct{}),
		}
		a.open[key] = sess
		metrics.EventSessionsOpen.Set(float64(len(a.open)))
	}

	a.apply(sess, msg)
	metrics.EventMessagesIngested.Inc()

	if msg.ThreadState == ThreadStateEnded {
		return a.finalize(key, sess, FinalizeReasonEnded)
	}

	// Arm or reset the idle timer.
	if sess.cancelTimer != nil {
		sess.cancelTimer()
	}
	sess.cancelTimer = a.schedule(a.cfg.IdleTimeout, func() {
		a.expire(key)
	})
	return nil
}

// apply unions the message's trait events into the session, skipping trait
// events already applied (idempotence) and types the device does not declare.
func (a *Aggregator) apply(sess *openSession, msg *EventMessage) {
	allowed := a.allowedTypes(msg.DeviceID)

	for _, trait := range msg.Events {
		if _, dup := sess.applied[trait.EventID]; dup {
			metrics.EventMessagesDuplicate.Inc()
			continue
		}
		if allowed != nil {
			if _, ok := allowed[trait.Type]; !ok {
				logging.Debug().
					Str("device", msg.DeviceID).
					Str("type", trait.Type).
					Msg("ignoring undeclared event type")
				metrics.EventMessagesDropped.WithLabelValues("unsupported").Inc()
				continue
			}
		}

		sess.applied[trait.EventID] = struct{}{}
		sess.types[trait.Type] = struct{}{}

		if sess.event.PrimaryEventID == "" {
			sess.event.PrimaryEventID = trait.EventID
		}
		// The clip preview covers the whole session and wins over
		// per-event snapshot tokens; otherwise first media token sticks.
		if trait.Type == EventTypeClipPreview {
			sess.event.MediaToken = trait.EventID
			sess.event.PreviewURL = trait.PreviewURL
		} else if sess.event.MediaToken == "" {
			sess.event.MediaToken = trait.EventID
		}
	}
}

func (a *Aggregator) allowedTypes(deviceID string) map[string]struct{} {
	if a.supported == nil {
		return nil
	}
	declared := a.supported(deviceID)
	if declared == nil {
		return nil
	}
	allowed := make(map[string]struct{}, len(declared))
	for _, t := range declared {
		allowed[t] = struct{}{}
	}
	return allowed
}

// expire is the idle-timer callback for a session.
func (a *Aggregator) expire(key sessionKey) {
	sess, exists := a.open[key]
	if !exists {
		return
	}
	a.finalize(key, sess, FinalizeReasonTimeout)
}

// finalize closes a session exactly once, removes it from the open table,
// and hands the LogicalEvent to the finalize callback. The finalized flag
// guards the race between an ENDED marker and a timer that already fired.
func (a *Aggregator) finalize(key sessionKey, sess *openSession, reason FinalizeReason) *LogicalEvent {
	if sess.finalized {
		return nil
	}
	sess.finalized = true
	if sess.cancelTimer != nil {
		sess.cancelTimer()
		sess.cancelTimer = nil
	}
	delete(a.open, key)
	metrics.EventSessionsOpen.Set(float64(len(a.open)))

	if len(sess.types) == 0 {
		// Nothing applied (every trait filtered): no logical event.
		logging.Debug().
			Str("device", key.deviceID).
			Str("session", key.sessionID).
			Msg("session closed with no applicable events")
		return nil
	}

	sess.event.EventTypes = make([]string, 0, len(sess.types))
	for t := range sess.types {
		sess.event.EventTypes = append(sess.event.EventTypes, t)
	}
	sort.Strings(sess.event.EventTypes)
	sess.event.Reason = reason

	metrics.EventSessionsFinalized.WithLabelValues(string(reason)).Inc()
	logging.Debug().
		Str("device", sess.event.DeviceID).
		Str("session", sess.event.SessionID).
		Strs("types", sess.event.EventTypes).
		Str("reason", string(reason)).
		Msg("session finalized")

	if a.onFinalize != nil {
		a.onFinalize(sess.event)
	}
	return sess.event
}

// CloseDevice cancels the timers of and discards every open session for the
// device. Sessions dropped this way are not delivered; the device is going
// away and so are its subscribers. Returns the number discarded.
func (a *Aggregator) CloseDevice(deviceID string) int {
	discarded := 0
	for key, sess := range a.open {
		if key.deviceID != deviceID {
			continue
		}
		sess.finalized = true
		if sess.cancelTimer != nil {
			sess.cancelTimer()
			sess.cancelTimer = nil
		}
		delete(a.open, key)
		discarded++
	}
	if discarded > 0 {
		metrics.EventSessionsOpen.Set(float64(len(a.open)))
		logging.Debug().
			Str("device", deviceID).
			Int("sessions", discarded).
			Msg("discarded open sessions on device unload")
	}
	return discarded
}

// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

// Package stream manages live-stream authorization tokens: issue on first
// request, proactive renewal ahead of expiry, and transparent reissue after
// a failed renewal. Callers treat stream URLs as opaque and re-request
// rather than parse them.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tomtom215/lenswatch/internal/cloud"
	"github.com/tomtom215/lenswatch/internal/devices"
	"github.com/tomtom215/lenswatch/internal/logging"
	"github.com/tomtom215/lenswatch/internal/metrics"
)

const (
	// DefaultRenewalBuffer is how long before expiry the renewal alarm
	// fires.
	DefaultRenewalBuffer = 30 * time.Second

	// DefaultMinRefreshInterval is the floor between consecutive renewal
	// attempts, so an already-expired token cannot drive a refresh loop.
	DefaultMinRefreshInterval = 60 * time.Second
)

// State is a stream session's lifecycle phase. Absence of a session is a
// represented state, not a nil.
type State int

const (
	StateNone State = iota
	StateActive
	StateRenewing
	StateExpiredRefetch
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateActive:
		return "active"
	case StateRenewing:
		return "renewing"
	case StateExpiredRefetch:
		return "expired_refetch"
	default:
		return "unknown"
	}
}

// Session is the caller-visible view of a live-stream authorization.
// Version increments on every successful renewal so stale holders can detect
// that their URL has been superseded; a full reissue starts over at 1.
type Session struct {
	DeviceID       string                 `json:"device_id"`
	Protocol       devices.StreamProtocol `json:"protocol"`
	URL            string                 `json:"url"`
	Token          string                 `json:"-"`
	ExtensionToken string                 `json:"-"`
	ExpiresAt      time.Time              `json:"expires_at"`
	Version        int                    `json:"version"`
}

// ScheduleFunc schedules fn to run after d and returns a cancel function.
type ScheduleFunc func(d time.Duration, fn func()) (cancel func())

func defaultSchedule(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// NotifyFunc receives the new session after every successful renewal, so
// active consumers can swap URLs without a stop/start.
type NotifyFunc func(Session)

// Config holds stream-manager tunables.
type Config struct {
	RenewalBuffer      time.Duration
	MinRefreshInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RenewalBuffer:      DefaultRenewalBuffer,
		MinRefreshInterval: DefaultMinRefreshInterval,
	}
}

type session struct {
	state       State
	grant       Session
	cancelAlarm func()
	lastAttempt time.Time
}

// Manager hands out valid stream URLs per device and keeps them alive.
//
// Expiry checks and alarm scheduling share one clock source so "is it
// expired" never disagrees with "when does the alarm fire".
type Manager struct {
	cfg      Config
	api      cloud.API
	registry *devices.Registry
	schedule ScheduleFunc

	mu       sync.Mutex
	sessions map[string]*session
	now      func() time.Time
	notify   NotifyFunc

	group singleflight.Group
}

// NewManager builds a Manager. A nil schedule uses real timers.
func NewManager(cfg Config, api cloud.API, registry *devices.Registry, schedule ScheduleFunc) *Manager {
	if cfg.RenewalBuffer <= 0 {
		cfg.RenewalBuffer = DefaultRenewalBuffer
	}
	if cfg.MinRefreshInterval <= 0 {
		cfg.MinRefreshInterval = DefaultMinRefreshInterval
	}
	if schedule == nil {
		schedule = defaultSchedule
	}
	return &Manager{
		cfg:      cfg,
		api:      api,
		registry: registry,
		schedule: schedule,
		sessions: make(map[string]*session),
		now:      time.Now,
	}
}

// SetNowFunc overrides the clock source. Test hook.
func (m *Manager) SetNowFunc(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetNotifyFunc installs the URL-republish callback.
func (m *Manager) SetNotifyFunc(fn NotifyFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = fn
}

// State reports the device's session phase.
func (m *Manager) State(deviceID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, exists := m.sessions[deviceID]
	if !exists {
		return StateNone
	}
	return sess.state
}

// GetStreamURL returns a valid session for the device, issuing or reissuing
// as needed. The common case, an unexpired active session, returns without
// any upstream call.
func (m *Manager) GetStreamURL(ctx context.Context, deviceID string) (Session, error) {
	m.mu.Lock()
	if sess, exists := m.sessions[deviceID]; exists && m.usableLocked(sess) {
		grant := sess.grant
		m.mu.Unlock()
		return grant, nil
	}
	m.mu.Unlock()

	// Concurrent first requests for the same device share one issue call.
	result, err, _ := m.group.Do(deviceID, func() (interface{}, error) {
		return m.issue(ctx, deviceID)
	})
	if err != nil {
		return Session{}, err
	}
	return result.(Session), nil
}

// usableLocked reports whether the session can be returned as-is. Caller
// holds m.mu.
func (m *Manager) usableLocked(sess *session) bool {
	switch sess.state {
	case StateActive, StateRenewing:
		return sess.grant.ExpiresAt.After(m.now())
	default:
		return false
	}
}

// issue performs a full stream create, discarding any stale session first.
// Version starts at 1.
func (m *Manager) issue(ctx context.Context, deviceID string) (Session, error) {
	m.mu.Lock()
	// A racing caller may have finished the issue while this one waited on
	// the single-flight group.
	if sess, exists := m.sessions[deviceID]; exists {
		if m.usableLocked(sess) {
			grant := sess.grant
			m.mu.Unlock()
			return grant, nil
		}
		m.discardLocked(deviceID, sess)
	}
	m.mu.Unlock()

	device, err := m.registry.Get(deviceID)
	if err != nil {
		return Session{}, err
	}
	protocol := device.Traits.PreferredProtocol()

	grant, err := m.api.GenerateStream(ctx, deviceID, protocol)
	if err != nil {
		return Session{}, fmt.Errorf("generate stream for %s: %w", deviceID, err)
	}

	m.mu.Lock()
	now := m.now()
	sess := &session{
		state:       StateActive,
		lastAttempt: now,
		grant: Session{
			DeviceID:       deviceID,
			Protocol:       protocol,
			URL:            grant.URL,
			Token:          grant.Token,
			ExtensionToken: grant.ExtensionToken,
			ExpiresAt:      grant.ExpiresAt,
			Version:        1,
		},
	}
	m.sessions[deviceID] = sess
	m.armAlarmLocked(deviceID, sess)
	result := sess.grant
	metrics.StreamsIssued.WithLabelValues(string(protocol)).Inc()
	metrics.StreamSessionsActive.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	logging.Info().
		Str("device", deviceID).
		Str("protocol", string(protocol)).
		Time("expires_at", result.ExpiresAt).
		Msg("stream session issued")
	return result, nil
}

// armAlarmLocked schedules the renewal alarm at expiresAt minus the buffer.
// Caller holds m.mu.
func (m *Manager) armAlarmLocked(deviceID string, sess *session) {
	delay := sess.grant.ExpiresAt.Sub(m.now()) - m.cfg.RenewalBuffer
	if delay < 0 {
		delay = 0
	}
	sess.cancelAlarm = m.schedule(delay, func() { m.renew(deviceID) })
}

// renew is the alarm handler: extend the session upstream. On success the
// version increments and consumers get the new URL; on any failure the
// session is discarded so the next request performs a fresh issue.
func (m *Manager) renew(deviceID string) {
	m.mu.Lock()
	sess, exists := m.sessions[deviceID]
	if !exists || sess.state != StateActive {
		m.mu.Unlock()
		return
	}
	now := m.now()
	if since := now.Sub(sess.lastAttempt); since < m.cfg.MinRefreshInterval {
		// Too soon after the last attempt; re-arm for the remainder.
		sess.cancelAlarm = m.schedule(m.cfg.MinRefreshInterval-since, func() { m.renew(deviceID) })
		m.mu.Unlock()
		return
	}
	sess.state = StateRenewing
	sess.lastAttempt = now
	protocol := sess.grant.Protocol
	extensionToken := sess.grant.ExtensionToken
	m.mu.Unlock()

	grant, err := m.api.ExtendStream(context.Background(), deviceID, protocol, extensionToken)

	m.mu.Lock()
	sess, exists = m.sessions[deviceID]
	if !exists || sess.state != StateRenewing {
		// Stopped or reissued while the extend call was in flight.
		m.mu.Unlock()
		return
	}
	if err != nil {
		metrics.StreamRenewals.WithLabelValues("error").Inc()
		sess.state = StateExpiredRefetch
		sess.cancelAlarm = nil
		m.mu.Unlock()
		logging.Warn().Err(err).Str("device", deviceID).Msg("stream renewal failed, session discarded")
		return
	}

	sess.state = StateActive
	sess.grant.Token = grant.Token
	sess.grant.ExtensionToken = grant.ExtensionToken
	sess.grant.ExpiresAt = grant.ExpiresAt
	if grant.URL != "" {
		sess.grant.URL = grant.URL
	}
	sess.grant.Version++
	m.armAlarmLocked(deviceID, sess)
	result := sess.grant
	notify := m.notify
	metrics.StreamRenewals.WithLabelValues("ok").Inc()
	m.mu.Unlock()

	logging.Debug().
		Str("device", deviceID).
		Int("version", result.Version).
		Time("expires_at", result.ExpiresAt).
		Msg("stream session renewed")
	if notify != nil {
		notify(result)
	}
}

// Stop releases the device's session with a best-effort upstream revoke.
// Revocation failure is logged, not surfaced: the token lapses at expiry
// regardless.
func (m *Manager) Stop(ctx context.Context, deviceID string) {
	m.mu.Lock()
	sess, exists := m.sessions[deviceID]
	if !exists {
		m.mu.Unlock()
		return
	}
	state := sess.state
	protocol := sess.grant.Protocol
	token := sess.grant.Token
	m.discardLocked(deviceID, sess)
	metrics.StreamSessionsActive.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	if state == StateExpiredRefetch {
		return
	}
	if err := m.api.StopStream(ctx, deviceID, protocol, token); err != nil {
		metrics.StreamRevocations.WithLabelValues("error").Inc()
		logging.Warn().Err(err).Str("device", deviceID).Msg("stream revocation failed")
		return
	}
	metrics.StreamRevocations.WithLabelValues("ok").Inc()
	logging.Info().Str("device", deviceID).Msg("stream session stopped")
}

// CloseAll stops every session. Used on shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for deviceID := range m.sessions {
		ids = append(ids, deviceID)
	}
	m.mu.Unlock()
	for _, deviceID := range ids {
		m.Stop(ctx, deviceID)
	}
}

// discardLocked removes the session and cancels its alarm. Caller holds
// m.mu.
func (m *Manager) discardLocked(deviceID string, sess *session) {
	if sess.cancelAlarm != nil {
		sess.cancelAlarm()
		sess.cancelAlarm = nil
	}
	delete(m.sessions, deviceID)
}

// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

package services

import (
	"context"
	"time"

	"github.com/tomtom215/lenswatch/internal/logging"
)

// Sweeper matches the media cache's retention entry point. One call
// removes every stored artifact older than the retention window.
type Sweeper interface {
	SweepExpired(now time.Time) int
}

// RetentionService runs the disk retention sweep on a fixed interval.
//
// The sweep is idempotent, so a supervisor restart mid-interval at
// worst delays the next pass.
type RetentionService struct {
	sweeper  Sweeper
	interval time.Duration
	name     string
}

// NewRetentionService creates a retention sweep loop. The interval
// defaults to one hour when unset; sweeping more often than that buys
// nothing since retention windows are measured in days.
func NewRetentionService(sweeper Sweeper, interval time.Duration) *RetentionService {
	if interval <= 0 {
		interval = time.Hour
	}
	return &RetentionService{
		sweeper:  sweeper,
		interval: interval,
		name:     "media-retention",
	}
}

// Serve implements suture.Service. Runs one sweep immediately, then
// one per interval until the context is canceled.
func (r *RetentionService) Serve(ctx context.Context) error {
	r.sweep()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *RetentionService) sweep() {
	removed := r.sweeper.SweepExpired(time.Now())
	if removed > 0 {
		logging.Info().
			Str("component", "retention").
			Int("removed", removed).
			Msg("retention sweep removed expired media")
	}
}

// String implements fmt.Stringer for supervisor log messages.
func (r *RetentionService) String() string {
	return r.name
}

// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

package services

import "context"

// Runner matches components whose run loop already follows suture's
// Serve pattern: block until the context is canceled, then return.
//
// Satisfied by the event dispatcher, the WebSocket hub, and the
// transport ingestor.
type Runner interface {
	Serve(ctx context.Context) error
}

// RunnerService names a Runner for supervisor log messages. The
// components themselves satisfy suture.Service already; the wrapper
// only exists so restarts log "event-dispatcher" instead of a struct
// dump.
type RunnerService struct {
	runner Runner
	name   string
}

// NewRunnerService wraps a Runner under the given name.
func NewRunnerService(name string, runner Runner) *RunnerService {
	return &RunnerService{runner: runner, name: name}
}

// Serve implements suture.Service by delegating to the wrapped runner.
func (r *RunnerService) Serve(ctx context.Context) error {
	return r.runner.Serve(ctx)
}

// String implements fmt.Stringer for supervisor log messages.
func (r *RunnerService) String() string {
	return r.name
}

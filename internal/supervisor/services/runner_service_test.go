// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

package services

import (
	"context"
	"errors"
	"testing"
)

type stubRunner struct {
	err error
}

func (s *stubRunner) Serve(ctx context.Context) error { return s.err }

func TestRunnerService_Delegates(t *testing.T) {
	want := errors.New("loop crashed")
	svc := NewRunnerService("event-dispatcher", &stubRunner{err: want})

	if err := svc.Serve(context.Background()); !errors.Is(err, want) {
		t.Fatalf("Serve returned %v, want %v", err, want)
	}
	if got := svc.String(); got != "event-dispatcher" {
		t.Fatalf("String() = %q", got)
	}
}

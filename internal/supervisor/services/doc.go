// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

/*
Package services provides suture.Service adapters for Lenswatch components.

Each wrapper implements the suture.Service interface:

	type Service interface {
	    Serve(ctx context.Context) error
	}

HTTPServerService translates http.Server's blocking ListenAndServe into
the Serve pattern with graceful shutdown. RunnerService names components
that already follow the pattern (dispatcher, WebSocket hub, transport
ingestor). RetentionService runs the periodic disk retention sweep.

The wrappers depend on small local interfaces rather than the concrete
component packages, which keeps the supervision layer import-free and
testable with mocks.
*/
package services

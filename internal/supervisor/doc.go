// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

/*
Package supervisor provides process supervision for Lenswatch using suture v4.

This package implements a hierarchical supervisor tree that manages the
lifecycle of all long-running services in the application, with automatic
restart, failure isolation, and graceful shutdown.

The tree organizes services into three layers:

	Root ("lenswatch")
	├── media-layer
	│   └── RetentionService (disk sweep loop)
	├── event-layer
	│   ├── RunnerService (event dispatcher)
	│   ├── RunnerService (websocket hub)
	│   └── RunnerService (transport ingestor, if NATS enabled)
	└── api-layer
	    └── HTTPServerService

A crash in the event pipeline restarts only that layer; the API keeps
serving device listings and cached media from disk in the meantime.

Services are wrapped by the adapters in the services subpackage, which
translate Start/Stop and ListenAndServe lifecycles into suture's
context-aware Serve pattern.
*/
package supervisor

// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

// Package metrics provides Prometheus instrumentation for the event
// pipeline, the media cache, and the stream token lifecycle. Collectors are
// package-level and registered via promauto; components record directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Push transport

	PushMessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lenswatch_push_messages_received_total",
			Help: "Total push notifications received from the transport",
		},
	)

	PushMessagesPoisoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lenswatch_push_messages_poisoned_total",
			Help: "Total push notifications that could not be decoded and were dropped",
		},
	)

	PushMessagesDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lenswatch_push_messages_deduplicated_total",
			Help: "Total push notifications suppressed as transport-level redeliveries",
		},
	)

	// Event aggregation

	EventMessagesIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lenswatch_event_messages_ingested_total",
			Help: "Total event messages applied to a session",
		},
	)

	EventMessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenswatch_event_messages_dropped_total",
			Help: "Total event messages dropped before aggregation",
		},
		[]string{"reason"}, // "malformed", "stale", "no_session", "unsupported"
	)

	EventMessagesDuplicate = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lenswatch_event_messages_duplicate_total",
			Help: "Total trait events ignored as already applied to their session",
		},
	)

	EventSessionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lenswatch_event_sessions_open",
			Help: "Event sessions currently under construction",
		},
	)

	EventSessionsFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenswatch_event_sessions_finalized_total",
			Help: "Total event sessions finalized",
		},
		[]string{"reason"}, // "ended", "timeout"
	)

	EventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lenswatch_events_published_total",
			Help: "Total finalized logical events delivered to at least one subscriber",
		},
	)

	EventsUnrouted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lenswatch_events_unrouted_total",
			Help: "Total finalized logical events dropped for lack of subscribers",
		},
	)

	// Media cache

	MediaCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenswatch_media_cache_hits_total",
			Help: "Total media reads served from cache",
		},
		[]string{"tier"}, // "memory", "disk"
	)

	MediaCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lenswatch_media_cache_misses_total",
			Help: "Total media reads that required an upstream fetch",
		},
	)

	MediaCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lenswatch_media_cache_entries",
			Help: "Media records currently held in the in-memory cache",
		},
	)

	MediaFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenswatch_media_fetches_total",
			Help: "Total upstream media fetches by result",
		},
		[]string{"result"}, // "ok", "not_found", "error"
	)

	MediaFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lenswatch_media_fetch_duration_seconds",
			Help:    "Duration of upstream media fetches in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	MediaFetchesCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lenswatch_media_fetches_coalesced_total",
			Help: "Total media reads coalesced onto an already in-flight fetch",
		},
	)

	MediaStoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenswatch_media_store_errors_total",
			Help: "Total disk store failures by operation",
		},
		[]string{"operation"}, // "read", "write", "remove", "flush"
	)

	MediaRecordsRetired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lenswatch_media_records_retired_total",
			Help: "Total media records removed by the retention sweep",
		},
	)

	// Stream tokens

	StreamSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lenswatch_stream_sessions_active",
			Help: "Live-stream sessions currently held",
		},
	)

	StreamsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenswatch_streams_issued_total",
			Help: "Total live-stream sessions issued",
		},
		[]string{"protocol"}, // "rtsp", "webrtc"
	)

	StreamRenewals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenswatch_stream_renewals_total",
			Help: "Total stream token renewal attempts by result",
		},
		[]string{"result"}, // "ok", "error"
	)

	StreamRevocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenswatch_stream_revocations_total",
			Help: "Total stream revocations by result",
		},
		[]string{"result"}, // "ok", "error"
	)

	// Upstream client

	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lenswatch_upstream_requests_total",
			Help: "Total upstream cloud API calls by operation and result",
		},
		[]string{"operation", "result"},
	)

	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lenswatch_upstream_request_duration_seconds",
			Help:    "Duration of upstream cloud API calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// WebSocket feed

	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lenswatch_websocket_clients",
			Help: "WebSocket clients currently connected to the event feed",
		},
	)

	// HTTP API

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lenswatch_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

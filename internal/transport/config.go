// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

package transport

import "time"

// SubscriberConfig holds JetStream consumer settings.
type SubscriberConfig struct {
	URL              string
	DurableName      string
	QueueGroup       string
	SubscribersCount int
	AckWaitTimeout   time.Duration
	MaxDeliver       int
	MaxAckPending    int
	CloseTimeout     time.Duration
	MaxReconnects    int
	ReconnectWait    time.Duration

	// StreamName binds the consumer to a pre-created stream. Required for
	// wildcard subjects, whose names cannot be auto-provisioned.
	StreamName string
}

// DefaultSubscriberConfig returns production defaults.
func DefaultSubscriberConfig(url string) SubscriberConfig {
	return SubscriberConfig{
		URL:              url,
		DurableName:      "lenswatch-ingest",
		QueueGroup:       "ingest",
		SubscribersCount: 4,
		AckWaitTimeout:   30 * time.Second,
		MaxDeliver:       5,
		MaxAckPending:    1000,
		CloseTimeout:     30 * time.Second,
		MaxReconnects:    -1,
		ReconnectWait:    2 * time.Second,
	}
}

// StreamConfig defines the camera-event stream.
type StreamConfig struct {
	Name            string
	Subjects        []string
	MaxAge          time.Duration
	MaxBytes        int64
	MaxMsgs         int64
	DuplicateWindow time.Duration
	Replicas        int
}

// DefaultStreamConfig returns production defaults for the push stream.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Name:            "CAMERA_EVENTS",
		Subjects:        []string{"camera.events.>"},
		MaxAge:          24 * time.Hour,
		MaxBytes:        256 * 1024 * 1024,
		MaxMsgs:         1_000_000,
		DuplicateWindow: 2 * time.Minute,
		Replicas:        1,
	}
}

// ServerConfig holds embedded NATS server settings.
type ServerConfig struct {
	Host              string
	Port              int
	StoreDir          string
	JetStreamMaxMem   int64
	JetStreamMaxStore int64
}

// DefaultServerConfig returns embedded-server defaults.
func DefaultServerConfig(storeDir string) ServerConfig {
	return ServerConfig{
		Host:              "127.0.0.1",
		Port:              4222,
		StoreDir:          storeDir,
		JetStreamMaxMem:   256 * 1024 * 1024,
		JetStreamMaxStore: 1024 * 1024 * 1024,
	}
}

// IngestConfig holds message-router settings.
type IngestConfig struct {
	// Topic is the subject the ingest handler consumes.
	Topic string

	// CloseTimeout bounds handler drain on shutdown.
	CloseTimeout time.Duration

	// Retry controls backoff for transient handler failures.
	RetryMaxRetries      int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMultiplier      float64

	// PoisonQueueTopic receives messages that exhaust retries. Empty
	// disables the DLQ route.
	PoisonQueueTopic string

	// Deduplication window for redelivered push messages.
	DedupeCapacity int
	DedupeTTL      time.Duration
}

// DefaultIngestConfig returns production defaults.
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		Topic:                "camera.events.push",
		CloseTimeout:         30 * time.Second,
		RetryMaxRetries:      5,
		RetryInitialInterval: time.Second,
		RetryMaxInterval:     time.Minute,
		RetryMultiplier:      2.0,
		PoisonQueueTopic:     "dlq.camera-events",
		DedupeCapacity:       10000,
		DedupeTTL:            5 * time.Minute,
	}
}

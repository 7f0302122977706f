// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

// Package transport receives raw push messages from the broker and hands
// decoded event messages to the dispatcher. Redeliveries are suppressed by
// upstream event ID, malformed payloads are counted and dropped, and
// messages that exhaust retries go to a dead-letter topic.
package transport

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/tomtom215/lenswatch/internal/cache"
	"github.com/tomtom215/lenswatch/internal/events"
	"github.com/tomtom215/lenswatch/internal/logging"
	"github.com/tomtom215/lenswatch/internal/metrics"
)

// Sink receives decoded event messages. The dispatcher implements it.
type Sink interface {
	Enqueue(ctx context.Context, msg *events.EventMessage) error
}

// Ingestor runs the message router: subscribe, decode, dedupe, enqueue.
type Ingestor struct {
	cfg    IngestConfig
	router *message.Router
	dedupe *cache.DedupeTracker
	sink   Sink
}

// countingPublisher counts messages routed to the dead-letter topic.
type countingPublisher struct {
	inner message.Publisher
}

func (p *countingPublisher) Publish(topic string, msgs ...*message.Message) error {
	metrics.PushMessagesPoisoned.Add(float64(len(msgs)))
	return p.inner.Publish(topic, msgs...)
}

func (p *countingPublisher) Close() error {
	return p.inner.Close()
}

// NewIngestor builds the router. poisonPublisher may be nil to disable the
// dead-letter route; subscriber is typically the JetStream subscriber, or a
// gochannel pubsub in tests.
func NewIngestor(
	cfg IngestConfig,
	subscriber message.Subscriber,
	poisonPublisher message.Publisher,
	sink Sink,
	logger watermill.LoggerAdapter,
) (*Ingestor, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink required")
	}
	if logger == nil {
		logger = NewWatermillLogger()
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, logger)
	if err != nil {
		return nil, fmt.Errorf("create message router: %w", err)
	}

	router.AddMiddleware(middleware.Recoverer)
	router.AddMiddleware(middleware.Retry{
		MaxRetries:      cfg.RetryMaxRetries,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
		Multiplier:      cfg.RetryMultiplier,
		Logger:          logger,
	}.Middleware)

	if poisonPublisher != nil && cfg.PoisonQueueTopic != "" {
		poison, err := middleware.PoisonQueue(&countingPublisher{inner: poisonPublisher}, cfg.PoisonQueueTopic)
		if err != nil {
			return nil, fmt.Errorf("create poison queue middleware: %w", err)
		}
		router.AddMiddleware(poison)
	}

	in := &Ingestor{
		cfg:    cfg,
		router: router,
		dedupe: cache.NewDedupeTracker(cfg.DedupeCapacity, cfg.DedupeTTL),
		sink:   sink,
	}
	router.AddConsumerHandler("push_ingest", cfg.Topic, subscriber, in.handle)
	return in, nil
}

// handle processes one raw push message. Undecodable payloads are dropped
// with an ack: redelivery cannot fix them, and the broker-side DLQ is for
// messages that fail downstream, not garbage.
func (in *Ingestor) handle(msg *message.Message) error {
	metrics.PushMessagesReceived.Inc()

	parsed, err := events.ParsePushMessage(msg.Payload)
	if err != nil {
		metrics.PushMessagesPoisoned.Inc()
		logging.Warn().Err(err).Str("uuid", msg.UUID).Msg("dropping undecodable push message")
		return nil
	}

	if in.dedupe.Contains(parsed.MessageID) {
		metrics.PushMessagesDeduplicated.Inc()
		logging.Debug().
			Str("message", parsed.MessageID).
			Str("device", parsed.DeviceID).
			Msg("suppressing redelivered push message")
		return nil
	}

	if err := in.sink.Enqueue(msg.Context(), parsed); err != nil {
		return fmt.Errorf("enqueue message %s: %w", parsed.MessageID, err)
	}
	// Marked only after a successful hand-off, so a retried attempt is not
	// suppressed by its own failure.
	in.dedupe.Mark(parsed.MessageID)
	return nil
}

// Serve runs the router until the context is canceled. Satisfies
// suture.Service.
func (in *Ingestor) Serve(ctx context.Context) error {
	logging.Info().Str("topic", in.cfg.Topic).Msg("transport ingestor started")
	return in.router.Run(ctx)
}

// Running closes when the router is consuming.
func (in *Ingestor) Running() <-chan struct{} {
	return in.router.Running()
}

// Close drains handlers up to the configured timeout.
func (in *Ingestor) Close() error {
	return in.router.Close()
}

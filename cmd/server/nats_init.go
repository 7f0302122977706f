// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tomtom215/lenswatch/internal/config"
	"github.com/tomtom215/lenswatch/internal/logging"
	"github.com/tomtom215/lenswatch/internal/transport"
)

// natsComponents bundles the broker-side pieces so main can start, wire,
// and tear them down as one unit.
type natsComponents struct {
	embedded *transport.EmbeddedServer
	conn     *natsgo.Conn
	poison   message.Publisher
	ingestor *transport.Ingestor
}

// initNATS brings up the event transport: optionally an embedded JetStream
// server, the camera-event stream, the durable subscriber, the dead-letter
// publisher, and the ingest router feeding the dispatcher.
//
// Returns nil components when NATS is disabled; the API then serves only
// cached state and streams.
func initNATS(ctx context.Context, cfg *config.Config, sink transport.Sink) (*natsComponents, error) {
	if !cfg.NATS.Enabled {
		logging.Info().Msg("NATS disabled; event ingest will not run")
		return nil, nil
	}

	components := &natsComponents{}
	url := cfg.NATS.URL

	if cfg.NATS.EmbeddedServer {
		embedded, err := transport.NewEmbeddedServer(transport.DefaultServerConfig(cfg.NATS.StoreDir))
		if err != nil {
			return nil, fmt.Errorf("start embedded nats server: %w", err)
		}
		components.embedded = embedded
		url = embedded.ClientURL()
		logging.Info().Str("url", url).Msg("embedded NATS server started")
	}

	conn, err := natsgo.Connect(url,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2*time.Second),
	)
	if err != nil {
		components.close()
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	components.conn = conn

	js, err := jetstream.New(conn)
	if err != nil {
		components.close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	streamCfg := transport.DefaultStreamConfig()
	if cfg.NATS.StreamName != "" {
		streamCfg.Name = cfg.NATS.StreamName
	}
	initializer, err := transport.NewStreamInitializer(js, streamCfg)
	if err != nil {
		components.close()
		return nil, err
	}
	if _, err := initializer.EnsureStream(ctx); err != nil {
		components.close()
		return nil, fmt.Errorf("ensure event stream: %w", err)
	}

	wmLogger := transport.NewWatermillLogger()

	subCfg := transport.DefaultSubscriberConfig(url)
	subCfg.StreamName = streamCfg.Name
	if cfg.NATS.DurableName != "" {
		subCfg.DurableName = cfg.NATS.DurableName
	}
	if cfg.NATS.QueueGroup != "" {
		subCfg.QueueGroup = cfg.NATS.QueueGroup
	}
	subscriber, err := transport.NewJetStreamSubscriber(subCfg, wmLogger)
	if err != nil {
		components.close()
		return nil, fmt.Errorf("create subscriber: %w", err)
	}

	poison, err := transport.NewNATSPublisher(url, wmLogger)
	if err != nil {
		components.close()
		return nil, fmt.Errorf("create dead-letter publisher: %w", err)
	}
	components.poison = poison

	ingCfg := transport.DefaultIngestConfig()
	if cfg.NATS.Topic != "" {
		ingCfg.Topic = cfg.NATS.Topic
	}
	ingCfg.PoisonQueueTopic = cfg.NATS.PoisonTopic
	ingestor, err := transport.NewIngestor(ingCfg, subscriber, poison, sink, wmLogger)
	if err != nil {
		components.close()
		return nil, fmt.Errorf("create ingestor: %w", err)
	}
	components.ingestor = ingestor

	logging.Info().
		Str("stream", streamCfg.Name).
		Str("topic", ingCfg.Topic).
		Str("dlq", ingCfg.PoisonQueueTopic).
		Msg("NATS event transport initialized")
	return components, nil
}

// close tears down in reverse initialization order. Safe on a partially
// initialized bundle.
func (n *natsComponents) close() {
	if n == nil {
		return
	}
	if n.ingestor != nil {
		if err := n.ingestor.Close(); err != nil {
			logging.Warn().Err(err).Msg("ingestor close failed")
		}
	}
	if n.poison != nil {
		if err := n.poison.Close(); err != nil {
			logging.Warn().Err(err).Msg("dead-letter publisher close failed")
		}
	}
	if n.conn != nil {
		n.conn.Close()
	}
	if n.embedded != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := n.embedded.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("embedded nats shutdown failed")
		}
	}
}

/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus mirrors selected in-process bus events to NATS so other
// facility systems (EPG frontends, monitoring) can observe playout without
// touching the core's database.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_tv/internal/events"
)

// SubjectPrefix is prepended to every mirrored event type.
const SubjectPrefix = "grimnirtv.events."

// mirroredEvents are the bus events forwarded to NATS. Cache invalidation
// traffic stays in-process.
var mirroredEvents = []events.EventType{
	events.EventNowAiring,
	events.EventViewerStats,
	events.EventEncoderHealth,
	events.EventScheduleUpdate,
	events.EventAsRunDrop,
	events.EventOperatorAlert,
}

// Bridge forwards in-process bus events to NATS subjects.
type Bridge struct {
	conn   *nats.Conn
	bus    *events.Bus
	logger zerolog.Logger
	nodeID string
	cancel context.CancelFunc
}

// message is the wire shape published to NATS.
type message struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"`
}

// NewBridge connects to NATS and begins mirroring bus events. A connection
// failure is returned to the caller; the bridge is optional and the caller
// decides whether to run without it.
func NewBridge(url string, bus *events.Bus, logger zerolog.Logger) (*Bridge, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	host, _ := os.Hostname()
	b := &Bridge{
		conn:   conn,
		bus:    bus,
		logger: logger.With().Str("component", "eventbus").Logger(),
		nodeID: host + "-" + uuid.NewString()[:8],
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	for _, et := range mirroredEvents {
		go b.forward(ctx, et)
	}

	b.logger.Info().Str("url", url).Msg("NATS event bridge connected")
	return b, nil
}

func (b *Bridge) forward(ctx context.Context, eventType events.EventType) {
	sub := b.bus.Subscribe(eventType)
	defer b.bus.Unsubscribe(eventType, sub)

	subject := SubjectPrefix + string(eventType)
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(message{
				EventType: eventType,
				Payload:   payload,
				Timestamp: time.Now().UTC(),
				NodeID:    b.nodeID,
				MessageID: uuid.NewString(),
			})
			if err != nil {
				b.logger.Debug().Err(err).Str("subject", subject).Msg("marshal event failed")
				continue
			}
			if err := b.conn.Publish(subject, data); err != nil {
				b.logger.Debug().Err(err).Str("subject", subject).Msg("publish failed")
			}
		}
	}
}

// Close stops forwarding and drains the NATS connection.
func (b *Bridge) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			return err
		}
	}
	return nil
}

// Package realtime delivers world events to connected players: an
// embedded NATS server is the in-process pub/sub backbone, the Hub keeps
// the per-user subscriber table with bounded drop-oldest queues, and the
// websocket/SSE adapters frame the streams. Delivery is at-most-once
// with per-subscriber ordering; a slow consumer loses events, never
// blocks producers.
package realtime

import (
	"context"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/goccy/go-json"

	"github.com/theatreos/engine/internal/logging"
	"github.com/theatreos/engine/internal/models"
)

// eventSubject is the single subject events flow over. Selector routing
// happens once, in the Hub — not in subject taxonomy — so the dispatch
// rules live in exactly one place.
const eventSubject = "theatreos.events"

// Bus wraps the embedded NATS server and the process's own connection to
// it. Engines publish through the Bus; the Hub subscribes.
type Bus struct {
	server *natsserver.Server
	conn   *nats.Conn
}

// NewBus starts an embedded NATS server on a random localhost port and
// connects to it. Single-instance deployments get pub/sub with no
// external dependency; pointing multiple processes at one external NATS
// is a wiring change, not a code change.
func NewBus() (*Bus, error) {
	opts := &natsserver.Options{
		ServerName: "theatreos-events",
		Host:       "127.0.0.1",
		Port:       -1, // random free port
		NoLog:      true,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	}
	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready within timeout")
	}

	conn, err := nats.Connect(ns.ClientURL(),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to embedded nats: %w", err)
	}
	return &Bus{server: ns, conn: conn}, nil
}

// Publish serializes events onto the bus. Implements the publisher
// contract engines and the Kernel hold; it never blocks on subscribers.
func (b *Bus) Publish(events []models.Event) {
	for _, ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			logging.Error().Err(err).Str("event_id", ev.EventID).Msg("event marshal failed")
			continue
		}
		if err := b.conn.Publish(eventSubject, raw); err != nil {
			logging.Warn().Err(err).Str("event_id", ev.EventID).Msg("event publish failed")
		}
	}
}

// Subscribe attaches a handler to the event stream. Used by the Hub; a
// second subscriber (e.g. an analytics tap) costs one more call.
func (b *Bus) Subscribe(handler func(models.Event)) (*nats.Subscription, error) {
	return b.conn.Subscribe(eventSubject, func(msg *nats.Msg) {
		var ev models.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logging.Warn().Err(err).Msg("dropping undecodable event")
			return
		}
		handler(ev)
	})
}

// Shutdown drains the connection and stops the server.
func (b *Bus) Shutdown(ctx context.Context) error {
	if err := b.conn.Drain(); err != nil {
		logging.Warn().Err(err).Msg("nats drain failed")
	}
	b.server.Shutdown()
	done := make(chan struct{})
	go func() {
		b.server.WaitForShutdown()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

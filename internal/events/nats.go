package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures the broker-backed publisher.
type NATSConfig struct {
	URL           string
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns defaults suitable for a local broker.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		ReconnectWait: 2 * time.Second,
	}
}

// NATSPublisher publishes lifecycle events to a NATS broker, one subject
// per call (or conference) and state.
type NATSPublisher struct {
	conn *nats.Conn
	log  *slog.Logger
}

// NewNATSPublisher connects to the broker.
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	log := slog.Default()
	conn, err := nats.Connect(cfg.URL,
		nats.Name("callplane-events"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("[Events] Disconnected from broker", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("[Events] Reconnected to broker", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect event broker: %w", err)
	}
	return &NATSPublisher{conn: conn, log: log}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.conn.Publish(ev.Subject(), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Subject(), err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

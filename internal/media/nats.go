package media

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSTransport carries gateway commands over NATS request/reply. Each verb
// has its own subject under the configured prefix; asynchronous notifies
// arrive on <prefix>.notify.
type NATSTransport struct {
	conn     *nats.Conn
	prefix   string
	sub      *nats.Subscription
	notifyCh chan *Notify
	log      *slog.Logger
}

// NATSConfig configures the remote gateway transport.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns the transport defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "mediagw",
		ReconnectWait: 2 * time.Second,
	}
}

// NewNATSTransport connects to the broker and subscribes for notifies.
func NewNATSTransport(cfg NATSConfig) (*NATSTransport, error) {
	log := slog.Default()
	conn, err := nats.Connect(cfg.URL,
		nats.Name("callplane-media"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("[MediaTransport] Disconnected from broker", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("[MediaTransport] Reconnected to broker", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect media broker: %w", err)
	}

	t := &NATSTransport{
		conn:     conn,
		prefix:   cfg.SubjectPrefix,
		notifyCh: make(chan *Notify, 64),
		log:      log,
	}
	t.sub, err = conn.Subscribe(cfg.SubjectPrefix+".notify", t.onNotify)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe notify: %w", err)
	}
	return t, nil
}

func (t *NATSTransport) onNotify(msg *nats.Msg) {
	var n Notify
	if err := json.Unmarshal(msg.Data, &n); err != nil {
		t.log.Warn("[MediaTransport] Dropping malformed notify", "error", err)
		return
	}
	select {
	case t.notifyCh <- &n:
	default:
		t.log.Warn("[MediaTransport] Notify channel full, dropping", "request_id", n.RequestID)
	}
}

// roundTrip sends one command and decodes its correlated response. The
// caller's context bounds the wait; expiry surfaces as the context error so
// the gateway layer can classify the peer as dead.
func (t *NATSTransport) roundTrip(ctx context.Context, subject string, cmd, resp any) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	msg, err := t.conn.RequestWithContext(ctx, t.prefix+"."+subject, data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(msg.Data, resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// CreateConnection implements Transport.
func (t *NATSTransport) CreateConnection(ctx context.Context, cmd *CreateConnection) (*CreateConnectionResponse, error) {
	var resp CreateConnectionResponse
	if err := t.roundTrip(ctx, "crcx", cmd, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ModifyConnection implements Transport.
func (t *NATSTransport) ModifyConnection(ctx context.Context, cmd *ModifyConnection) (*ModifyConnectionResponse, error) {
	var resp ModifyConnectionResponse
	if err := t.roundTrip(ctx, "mdcx", cmd, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteConnection implements Transport.
func (t *NATSTransport) DeleteConnection(ctx context.Context, cmd *DeleteConnection) (*DeleteConnectionResponse, error) {
	var resp DeleteConnectionResponse
	if err := t.roundTrip(ctx, "dlcx", cmd, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// NotificationRequest implements Transport.
func (t *NATSTransport) NotificationRequest(ctx context.Context, cmd *NotificationRequest) (*NotificationRequestResponse, error) {
	var resp NotificationRequestResponse
	if err := t.roundTrip(ctx, "rqnt", cmd, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Notifications implements Transport.
func (t *NATSTransport) Notifications() <-chan *Notify { return t.notifyCh }

// Ready implements Transport.
func (t *NATSTransport) Ready() bool {
	return t.conn != nil && t.conn.Status() == nats.CONNECTED
}

// Close implements Transport.
func (t *NATSTransport) Close() error {
	if t.sub != nil {
		_ = t.sub.Unsubscribe()
	}
	if t.conn != nil {
		return t.conn.Drain()
	}
	return nil
}

package media

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sgallego/callplane/internal/metrics"
	"github.com/sgallego/callplane/internal/pool"
)

// Config is the gateway's power-on configuration. The timeout is fixed for
// the life of the gateway; changing it requires a power cycle.
type Config struct {
	// Name identifies the gateway in logs.
	Name string

	// EndpointPrefix is the first segment of pooled endpoint names.
	EndpointPrefix string

	// Domain is the gateway domain endpoint names are scoped to.
	Domain string

	// TimeoutSeconds is the dead-peer detection window. A command whose
	// response does not arrive within this window fails with
	// ErrUnavailable.
	TimeoutSeconds int
}

// DefaultConfig returns sensible defaults for a local gateway.
func DefaultConfig() Config {
	return Config{
		Name:           "gateway-0",
		EndpointPrefix: "callplane",
		Domain:         "127.0.0.1:2427",
		TimeoutSeconds: 5,
	}
}

// Gateway is the control plane's face of the media resource manager. It
// mints transaction and session identifiers, resolves wildcard endpoint
// names, maps return codes onto the error taxonomy, and tracks the
// process-wide endpoint and connection registries keyed by media session.
//
// Methods are safe for concurrent use; the transport serializes
// command/response correlation via transaction identifiers.
type Gateway struct {
	mu        sync.RWMutex
	cfg       Config
	transport Transport
	powered   bool
	timeout   time.Duration

	sessionIDs     *pool.Revolving
	transactionIDs *pool.Revolving
	requestIDs     *pool.Revolving

	endpoints   map[uint64][]*Endpoint
	connections map[uint64][]*Connection
}

// NewGateway creates a powered-off gateway over the given transport.
func NewGateway(transport Transport) *Gateway {
	return &Gateway{
		transport:   transport,
		endpoints:   make(map[uint64][]*Endpoint),
		connections: make(map[uint64][]*Connection),
	}
}

// PowerOn configures the gateway and mints fresh identifier pools. The
// pools revolve over the positive int32 range and reset only on a full
// restart.
func (g *Gateway) PowerOn(cfg Config) error {
	if cfg.EndpointPrefix == "" {
		cfg.EndpointPrefix = "callplane"
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 5
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.powered {
		return fmt.Errorf("gateway %s already powered on", g.cfg.Name)
	}
	g.cfg = cfg
	g.timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	g.sessionIDs = pool.NewRevolving(1, math.MaxInt32)
	g.transactionIDs = pool.NewRevolving(1, math.MaxInt32)
	g.requestIDs = pool.NewRevolving(1, math.MaxInt32)
	g.powered = true

	slog.Info("[Media] Gateway powered on",
		"name", cfg.Name,
		"domain", cfg.Domain,
		"timeout_seconds", cfg.TimeoutSeconds,
	)
	return nil
}

// PowerOff drops configuration and registries. Outstanding sessions are
// abandoned; callers are expected to have released them.
func (g *Gateway) PowerOff() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.powered {
		return
	}
	g.powered = false
	g.endpoints = make(map[uint64][]*Endpoint)
	g.connections = make(map[uint64][]*Connection)
	slog.Info("[Media] Gateway powered off", "name", g.cfg.Name)
}

// Timeout returns the dead-peer window.
func (g *Gateway) Timeout() time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.timeout
}

// Notifications exposes asynchronous Notify events from the transport.
func (g *Gateway) Notifications() <-chan *Notify {
	return g.transport.Notifications()
}

// NewSession mints a media session.
func (g *Gateway) NewSession() (*Session, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.powered {
		return nil, fmt.Errorf("%w: not powered on", ErrUnavailable)
	}
	return &Session{ID: g.sessionIDs.Get()}, nil
}

// CreateBridgeEndpoint allocates a two-party mixing endpoint handle.
func (g *Gateway) CreateBridgeEndpoint(s *Session) (*Endpoint, error) {
	return g.createEndpoint(s, KindBridge, "")
}

// CreateConferenceEndpoint allocates an N-party mixing endpoint handle. A
// non-empty name pins the endpoint instead of using the wildcard form.
func (g *Gateway) CreateConferenceEndpoint(s *Session, name string) (*Endpoint, error) {
	return g.createEndpoint(s, KindConference, name)
}

// CreateIvrEndpoint allocates a digit-collection/playback/recording
// endpoint handle.
func (g *Gateway) CreateIvrEndpoint(s *Session) (*Endpoint, error) {
	return g.createEndpoint(s, KindIvr, "")
}

// CreatePacketRelayEndpoint allocates a media-anchoring endpoint handle.
func (g *Gateway) CreatePacketRelayEndpoint(s *Session) (*Endpoint, error) {
	return g.createEndpoint(s, KindPacketRelay, "")
}

// CreateLinkEndpoint allocates a point-to-point trunk endpoint handle.
func (g *Gateway) CreateLinkEndpoint(s *Session) (*Endpoint, error) {
	return g.createEndpoint(s, KindLink, "")
}

func (g *Gateway) createEndpoint(s *Session, kind Kind, name string) (*Endpoint, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.powered {
		return nil, fmt.Errorf("%w: not powered on", ErrUnavailable)
	}
	if s == nil {
		return nil, fmt.Errorf("create %s endpoint: nil media session", kind)
	}
	if name == "" {
		name = wildcardName(g.cfg.EndpointPrefix, kind)
	}
	ep := newEndpoint(kind, name, g.cfg.Domain)
	g.endpoints[s.ID] = append(g.endpoints[s.ID], ep)
	return ep, nil
}

// CreateConnection binds a new media transport leg to the endpoint. The
// remote description may be empty for a half-open connection completed by
// a later modify.
func (g *Gateway) CreateConnection(ctx context.Context, s *Session, ep *Endpoint, mode ConnectionMode, remoteDescription string) (*Connection, error) {
	tx, timeout, err := g.prepare()
	if err != nil {
		return nil, err
	}

	cmd := &CreateConnection{
		TransactionID:     tx,
		SessionID:         s.ID,
		Endpoint:          ep.Name(),
		Mode:              mode,
		RemoteDescription: remoteDescription,
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := g.transport.CreateConnection(ctx, cmd)
	if err != nil {
		metrics.MediaCommands.WithLabelValues(string(VerbCreateConnection), metrics.OutcomeUnavailable).Inc()
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, VerbCreateConnection, err)
	}
	if !resp.Code.Success() {
		metrics.MediaCommands.WithLabelValues(string(VerbCreateConnection), metrics.OutcomeFailed).Inc()
		return nil, newCommandError(VerbCreateConnection, ep.Name(), resp.Code, ErrNegotiationFailed)
	}
	metrics.MediaCommands.WithLabelValues(string(VerbCreateConnection), metrics.OutcomeOK).Inc()

	ep.resolve(resp.Endpoint)

	conn := &Connection{
		id:                resp.ConnectionID,
		session:           s,
		endpoint:          ep,
		localDescription:  resp.LocalDescription,
		remoteDescription: remoteDescription,
	}

	g.mu.Lock()
	g.connections[s.ID] = append(g.connections[s.ID], conn)
	g.mu.Unlock()

	slog.Debug("[Media] Connection created",
		"session_id", s.ID,
		"connection_id", conn.id,
		"endpoint", ep.Name(),
	)
	return conn, nil
}

// ModifyConnection renegotiates the connection. A protocol-error return
// code (malformed remote description) surfaces as ErrProtocol so callers
// can fall back instead of retrying.
func (g *Gateway) ModifyConnection(ctx context.Context, conn *Connection, mode ConnectionMode, remoteDescription string) error {
	tx, timeout, err := g.prepare()
	if err != nil {
		return err
	}
	if !g.registered(conn) {
		return fmt.Errorf("%w: connection %s already deleted", ErrUnavailable, conn.id)
	}

	cmd := &ModifyConnection{
		TransactionID:     tx,
		SessionID:         conn.session.ID,
		Endpoint:          conn.endpoint.Name(),
		ConnectionID:      conn.id,
		Mode:              mode,
		RemoteDescription: remoteDescription,
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := g.transport.ModifyConnection(ctx, cmd)
	if err != nil {
		metrics.MediaCommands.WithLabelValues(string(VerbModifyConnection), metrics.OutcomeUnavailable).Inc()
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, VerbModifyConnection, err)
	}
	switch {
	case resp.Code == CodeProtocolError:
		metrics.MediaCommands.WithLabelValues(string(VerbModifyConnection), metrics.OutcomeFailed).Inc()
		return newCommandError(VerbModifyConnection, conn.endpoint.Name(), resp.Code, ErrProtocol)
	case !resp.Code.Success():
		metrics.MediaCommands.WithLabelValues(string(VerbModifyConnection), metrics.OutcomeFailed).Inc()
		return newCommandError(VerbModifyConnection, conn.endpoint.Name(), resp.Code, ErrNegotiationFailed)
	}
	metrics.MediaCommands.WithLabelValues(string(VerbModifyConnection), metrics.OutcomeOK).Inc()

	g.mu.Lock()
	conn.remoteDescription = remoteDescription
	if resp.LocalDescription != "" {
		conn.localDescription = resp.LocalDescription
	}
	g.mu.Unlock()
	return nil
}

// DeleteConnection tears the connection down. Deleting a connection that
// is no longer registered is a no-op, which lets callers guarantee they
// never double-free.
func (g *Gateway) DeleteConnection(ctx context.Context, conn *Connection) error {
	tx, timeout, err := g.prepare()
	if err != nil {
		return err
	}

	if !g.unregister(conn) {
		return nil
	}

	cmd := &DeleteConnection{
		TransactionID: tx,
		SessionID:     conn.session.ID,
		Endpoint:      conn.endpoint.Name(),
		ConnectionID:  conn.id,
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := g.transport.DeleteConnection(ctx, cmd)
	if err != nil {
		metrics.MediaCommands.WithLabelValues(string(VerbDeleteConnection), metrics.OutcomeUnavailable).Inc()
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, VerbDeleteConnection, err)
	}
	if !resp.Code.Success() {
		metrics.MediaCommands.WithLabelValues(string(VerbDeleteConnection), metrics.OutcomeFailed).Inc()
		return newCommandError(VerbDeleteConnection, conn.endpoint.Name(), resp.Code, ErrNegotiationFailed)
	}
	metrics.MediaCommands.WithLabelValues(string(VerbDeleteConnection), metrics.OutcomeOK).Inc()

	slog.Debug("[Media] Connection deleted",
		"session_id", conn.session.ID,
		"connection_id", conn.id,
	)
	return nil
}

// RequestNotification asks the endpoint to apply a signal. It returns the
// minted request identifier used to correlate the asynchronous Notify.
func (g *Gateway) RequestNotification(ctx context.Context, s *Session, ep *Endpoint, signal Signal, params map[string]string) (string, error) {
	tx, timeout, err := g.prepare()
	if err != nil {
		return "", err
	}

	g.mu.RLock()
	requestID := fmt.Sprintf("%d", g.requestIDs.Get())
	g.mu.RUnlock()

	cmd := &NotificationRequest{
		TransactionID: tx,
		SessionID:     s.ID,
		RequestID:     requestID,
		Endpoint:      ep.Name(),
		Signal:        signal,
		Params:        params,
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := g.transport.NotificationRequest(ctx, cmd)
	if err != nil {
		metrics.MediaCommands.WithLabelValues(string(VerbNotificationRequest), metrics.OutcomeUnavailable).Inc()
		return "", fmt.Errorf("%w: %s: %v", ErrUnavailable, VerbNotificationRequest, err)
	}
	if !resp.Code.Success() {
		metrics.MediaCommands.WithLabelValues(string(VerbNotificationRequest), metrics.OutcomeFailed).Inc()
		return "", newCommandError(VerbNotificationRequest, ep.Name(), resp.Code, ErrNegotiationFailed)
	}
	metrics.MediaCommands.WithLabelValues(string(VerbNotificationRequest), metrics.OutcomeOK).Inc()
	return requestID, nil
}

// ReleaseSession deletes any connections still registered to the session
// and forgets its endpoints. Used when a call or conference ends.
func (g *Gateway) ReleaseSession(ctx context.Context, s *Session) error {
	if s == nil {
		return nil
	}

	g.mu.Lock()
	conns := g.connections[s.ID]
	delete(g.connections, s.ID)
	delete(g.endpoints, s.ID)
	g.mu.Unlock()

	var firstErr error
	for _, conn := range conns {
		cmd := &DeleteConnection{
			TransactionID: g.transactionIDs.Get(),
			SessionID:     s.ID,
			Endpoint:      conn.endpoint.Name(),
			ConnectionID:  conn.id,
		}
		dctx, cancel := context.WithTimeout(ctx, g.Timeout())
		_, err := g.transport.DeleteConnection(dctx, cmd)
		cancel()
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: %s: %v", ErrUnavailable, VerbDeleteConnection, err)
		}
	}
	return firstErr
}

// ConnectionCount returns the number of live connections bound to the
// endpoint. Conference sessions use it to check the participant/connection
// invariant.
func (g *Gateway) ConnectionCount(ep *Endpoint) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, conns := range g.connections {
		for _, conn := range conns {
			if conn.endpoint == ep {
				n++
			}
		}
	}
	return n
}

// SessionConnectionCount returns the number of live connections registered
// to the media session.
func (g *Gateway) SessionConnectionCount(s *Session) int {
	if s == nil {
		return 0
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.connections[s.ID])
}

// prepare checks power state and mints a transaction identifier.
func (g *Gateway) prepare() (uint64, time.Duration, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.powered {
		return 0, 0, fmt.Errorf("%w: not powered on", ErrUnavailable)
	}
	return g.transactionIDs.Get(), g.timeout, nil
}

// registered reports whether the connection is still in the registry.
func (g *Gateway) registered(conn *Connection) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.connections[conn.session.ID] {
		if c == conn {
			return true
		}
	}
	return false
}

// unregister removes the connection, reporting whether it was present.
func (g *Gateway) unregister(conn *Connection) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	conns := g.connections[conn.session.ID]
	for i, c := range conns {
		if c == conn {
			g.connections[conn.session.ID] = append(conns[:i], conns[i+1:]...)
			return true
		}
	}
	return false
}

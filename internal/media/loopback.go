package media

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/sgallego/callplane/internal/pool"
)

// answerSDP is the canned session description the loopback gateway
// answers with.
const answerSDP = "v=0\r\n" +
	"o=- 1362546170756 1 IN IP4 192.168.1.100\r\n" +
	"s=Callplane Media\r\n" +
	"c=IN IP4 192.168.1.100\r\n" +
	"t=0 0\r\n" +
	"m=audio 63044 RTP/AVP 97 8 0 101\r\n" +
	"a=rtpmap:97 l16/8000\r\n" +
	"a=rtpmap:8 pcma/8000\r\n" +
	"a=rtpmap:0 pcmu/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n" +
	"a=fmtp:101 0-15\r\n"

// invalidSDPMarker in a remote description's session name makes the
// loopback report a protocol error, mirroring how a real gateway rejects
// semantically invalid descriptions.
const invalidSDPMarker = "NonValidSDP"

// Loopback is an in-process media resource manager. It executes every
// command immediately and keeps enough state (pooled connection and
// endpoint identifiers, live connections) to behave like a gateway for
// tests and single-node deployments.
type Loopback struct {
	mu            sync.Mutex
	prefix        string
	domain        string
	connectionIDs *pool.Revolving
	endpointIDs   *pool.Revolving
	txIDs         *pool.Revolving
	connections   map[string]string // connection id -> endpoint name
	notifyCh      chan *Notify
	closed        bool

	// Latency delays every command; tests set it above the dead-peer
	// window to simulate an unresponsive gateway.
	Latency time.Duration

	deletes  int
	modifies int
}

// NewLoopback creates an in-process gateway.
func NewLoopback(prefix, domain string) *Loopback {
	if prefix == "" {
		prefix = "callplane"
	}
	return &Loopback{
		prefix:        prefix,
		domain:        domain,
		connectionIDs: pool.NewRevolving(1, math.MaxInt32),
		endpointIDs:   pool.NewRevolving(1, math.MaxInt32),
		txIDs:         pool.NewRevolving(1, math.MaxInt32),
		connections:   make(map[string]string),
		notifyCh:      make(chan *Notify, 64),
	}
}

// wait simulates processing latency, honoring the caller's deadline.
func (l *Loopback) wait(ctx context.Context) error {
	if l.Latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(l.Latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolveEndpoint rewrites a wildcard-suffixed name to a concrete pooled
// name; concrete names pass through unchanged.
func (l *Loopback) resolveEndpoint(name string) string {
	if !strings.HasSuffix(name, WildcardMarker) {
		return name
	}
	parts := strings.Split(name, "/")
	kind := "endpoint"
	if len(parts) >= 2 {
		kind = parts[1]
	}
	return l.prefix + "/" + kind + "/" + itoa(l.endpointIDs.Get())
}

// CreateConnection implements Transport.
func (l *Loopback) CreateConnection(ctx context.Context, cmd *CreateConnection) (*CreateConnectionResponse, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	resp := &CreateConnectionResponse{
		TransactionID: cmd.TransactionID,
		Code:          CodeTransactionExecutedNormally,
	}
	resp.Endpoint = l.resolveEndpoint(cmd.Endpoint)
	resp.ConnectionID = itoa(l.connectionIDs.Get())
	l.connections[resp.ConnectionID] = resp.Endpoint

	if cmd.SecondEndpoint != "" {
		resp.SecondEndpoint = l.resolveEndpoint(cmd.SecondEndpoint)
		resp.SecondConnectionID = itoa(l.connectionIDs.Get())
		l.connections[resp.SecondConnectionID] = resp.SecondEndpoint
	}

	resp.LocalDescription = answerSDP
	return resp, nil
}

// ModifyConnection implements Transport. A remote description that fails
// to parse, or whose session name carries the invalid marker, yields a
// protocol error.
func (l *Loopback) ModifyConnection(ctx context.Context, cmd *ModifyConnection) (*ModifyConnectionResponse, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.modifies++
	l.mu.Unlock()

	resp := &ModifyConnectionResponse{TransactionID: cmd.TransactionID}
	if cmd.RemoteDescription != "" {
		var desc sdp.SessionDescription
		if err := desc.Unmarshal([]byte(cmd.RemoteDescription)); err != nil {
			resp.Code = CodeProtocolError
			return resp, nil
		}
		if strings.Contains(string(desc.SessionName), invalidSDPMarker) {
			resp.Code = CodeProtocolError
			return resp, nil
		}
	}
	resp.Code = CodeTransactionExecutedNormally
	resp.LocalDescription = answerSDP
	return resp, nil
}

// DeleteConnection implements Transport.
func (l *Loopback) DeleteConnection(ctx context.Context, cmd *DeleteConnection) (*DeleteConnectionResponse, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	l.mu.Lock()
	delete(l.connections, cmd.ConnectionID)
	l.deletes++
	l.mu.Unlock()
	return &DeleteConnectionResponse{
		TransactionID: cmd.TransactionID,
		Code:          CodeTransactionExecutedNormally,
	}, nil
}

// NotificationRequest implements Transport. Play-audio signals must name a
// wav announcement; a completed request is followed by an asynchronous
// Notify with a canned collection result.
func (l *Loopback) NotificationRequest(ctx context.Context, cmd *NotificationRequest) (*NotificationRequestResponse, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}

	resp := &NotificationRequestResponse{TransactionID: cmd.TransactionID}
	if cmd.Signal == SignalPlayAudio {
		if announcement, ok := cmd.Params["an"]; ok && !strings.HasSuffix(strings.ToLower(announcement), "wav") {
			resp.Code = CodeTransientError
			return resp, nil
		}
	}
	resp.Code = CodeTransactionExecutedNormally

	notify := &Notify{
		RequestID: cmd.RequestID,
		Endpoint:  cmd.Endpoint,
		Observed:  []string{"rc=100", "dc=1"},
	}
	// notifyCh is closed under mu; the send stays under the same lock.
	l.mu.Lock()
	if !l.closed {
		select {
		case l.notifyCh <- notify:
		default:
			// Consumer is not draining; drop rather than block.
		}
	}
	l.mu.Unlock()
	return resp, nil
}

// Notifications implements Transport.
func (l *Loopback) Notifications() <-chan *Notify { return l.notifyCh }

// Ready implements Transport.
func (l *Loopback) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

// Close implements Transport.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.notifyCh)
	return nil
}

// LiveConnections returns the number of connections the gateway side still
// holds. Tests use it to check teardown.
func (l *Loopback) LiveConnections() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.connections)
}

// DeleteCount returns how many delete-connection commands reached the
// gateway. Tests use it to prove hangup idempotency.
func (l *Loopback) DeleteCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deletes
}

// ModifyCount returns how many modify-connection commands reached the
// gateway.
func (l *Loopback) ModifyCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.modifies
}

func itoa(v uint64) string { return strconv.FormatUint(v, 10) }

package media

import "context"

// Transport carries commands to the media resource manager and returns the
// correlated responses. Implementations: Loopback (in-process, used by
// tests and single-node deployments) and NATSTransport (remote gateway via
// request/reply).
//
// Every command yields exactly one response or an error. Transports do not
// retry; retry policy belongs to the caller. A context deadline expiring
// before the response arrives is the dead-peer signal.
type Transport interface {
	CreateConnection(ctx context.Context, cmd *CreateConnection) (*CreateConnectionResponse, error)
	ModifyConnection(ctx context.Context, cmd *ModifyConnection) (*ModifyConnectionResponse, error)
	DeleteConnection(ctx context.Context, cmd *DeleteConnection) (*DeleteConnectionResponse, error)
	NotificationRequest(ctx context.Context, cmd *NotificationRequest) (*NotificationRequestResponse, error)

	// Notifications delivers asynchronous Notify events (digit collection
	// results, recording completion). The channel closes on Close.
	Notifications() <-chan *Notify

	// Ready reports whether the transport can reach the gateway.
	Ready() bool

	// Close releases transport resources.
	Close() error
}

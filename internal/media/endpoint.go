package media

import (
	"strings"
	"sync"
)

// WildcardMarker ends an endpoint name that the gateway should resolve to
// a concrete pooled name on the first command referencing it.
const WildcardMarker = "$"

// Session correlates a call or conference to its allocated media
// resources. It is minted by the gateway's session identifier pool and
// destroyed when the owning call or conference ends.
type Session struct {
	ID uint64
}

// Endpoint is a named media resource on the gateway. The name starts as a
// wildcard (`<prefix>/<kind>/$`) and is rewritten to the concrete pooled
// name carried by the first command response that references it.
type Endpoint struct {
	mu     sync.Mutex
	kind   Kind
	name   string
	domain string
}

func newEndpoint(kind Kind, name, domain string) *Endpoint {
	return &Endpoint{kind: kind, name: name, domain: domain}
}

// wildcardName builds the any-available-endpoint form of a name.
func wildcardName(prefix string, kind Kind) string {
	return prefix + "/" + string(kind) + "/" + WildcardMarker
}

// Kind returns the endpoint kind.
func (e *Endpoint) Kind() Kind { return e.kind }

// Name returns the current local endpoint name.
func (e *Endpoint) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.name
}

// Domain returns the gateway domain the endpoint lives on.
func (e *Endpoint) Domain() string { return e.domain }

// IsWildcard reports whether the name still awaits concrete resolution.
func (e *Endpoint) IsWildcard() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return strings.HasSuffix(e.name, WildcardMarker)
}

// resolve pins the endpoint to the concrete name returned by the gateway.
// Subsequent commands reuse the concrete name.
func (e *Endpoint) resolve(concrete string) {
	if concrete == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if strings.HasSuffix(e.name, WildcardMarker) {
		e.name = concrete
	}
}

// Connection is a leg of media transport bound to an Endpoint. It carries
// the negotiated session descriptions. A Connection is owned by exactly
// one call or conference participant.
type Connection struct {
	id                string
	session           *Session
	endpoint          *Endpoint
	localDescription  string
	remoteDescription string
}

// ID returns the gateway-assigned connection identifier.
func (c *Connection) ID() string { return c.id }

// Endpoint returns the endpoint the connection is bound to.
func (c *Connection) Endpoint() *Endpoint { return c.endpoint }

// Session returns the owning media session.
func (c *Connection) Session() *Session { return c.session }

// LocalDescription returns the gateway's answer SDP.
func (c *Connection) LocalDescription() string { return c.localDescription }

// RemoteDescription returns the most recent remote offer SDP.
func (c *Connection) RemoteDescription() string { return c.remoteDescription }

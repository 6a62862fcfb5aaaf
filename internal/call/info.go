package call

import (
	"time"

	"github.com/sgallego/callplane/internal/sid"
)

// Direction distinguishes who initiated the call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound-api"
)

// Info is an immutable snapshot of a call, safe to read after the session
// goroutine has moved on or exited.
type Info struct {
	Sid           sid.Sid
	AccountSid    sid.Sid
	Direction     Direction
	State         State
	From          string
	FromName      string
	To            string
	ForwardedFrom string
	Created       time.Time
	Connected     time.Time
	Ended         time.Time
	Muted         bool
	WebRTC        bool

	// LastResponse is the most recent signaling status code observed for
	// the call, e.g. 486 for busy. Zero when none has been seen.
	LastResponse int
}

// Duration returns the connected talk time, or zero if the call never
// connected.
func (i Info) Duration() time.Duration {
	if i.Connected.IsZero() {
		return 0
	}
	end := i.Ended
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(i.Connected)
}

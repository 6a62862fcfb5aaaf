package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sgallego/callplane/internal/call"
	"github.com/sgallego/callplane/internal/conference"
	"github.com/sgallego/callplane/internal/events"
	"github.com/sgallego/callplane/internal/media"
	"github.com/sgallego/callplane/internal/number"
	"github.com/sgallego/callplane/internal/sid"
	"github.com/sgallego/callplane/internal/store"
)

// callPathPrefix builds the lookup path of a call.
const callPathPrefix = "/calls/"

// defaultRetention keeps a terminated call resolvable for late lookups
// before its path is evicted.
const defaultRetention = 5 * time.Minute

// Config tunes the registry.
type Config struct {
	// Retention is how long terminated calls stay resolvable. Zero means
	// the default.
	Retention time.Duration

	// AskTimeout is passed through to every session.
	AskTimeout time.Duration

	// RingTimeout bounds how long a dialed call may ring unanswered.
	RingTimeout time.Duration

	// Launcher starts voice instructions for calls; nil disables script
	// launching.
	Launcher call.ScriptLauncher
}

// Registry is the live population of calls and conferences. Lookups are
// lock-free of session internals: the registry only maps identifiers to
// sessions, each session serializes its own state.
type Registry struct {
	cfg       Config
	gateway   *media.Gateway
	resolver  *number.Resolver
	publisher events.Publisher
	log       *slog.Logger

	calls *store.TTLStore[string, *call.Session]

	mu          sync.Mutex
	conferences map[string]*conference.Conference
}

// New creates a registry over a powered gateway and a number resolver.
func New(cfg Config, gateway *media.Gateway, resolver *number.Resolver, publisher events.Publisher) *Registry {
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if publisher == nil {
		publisher = events.NewNoopPublisher()
	}
	return &Registry{
		cfg:         cfg,
		gateway:     gateway,
		resolver:    resolver,
		publisher:   publisher,
		log:         slog.Default(),
		calls:       store.NewTTLStore[string, *call.Session](time.Minute),
		conferences: make(map[string]*conference.Conference),
	}
}

// InboundRequest describes an arriving call before routing.
type InboundRequest struct {
	From          string
	FromName      string
	To            string
	ForwardedFrom string
	WebRTC        bool

	// SourceOrganization and DestinationOrganization scope number
	// resolution. Either may be zero for requests whose organization is
	// unknown.
	SourceOrganization      sid.Sid
	DestinationOrganization sid.Sid
}

// CreateInbound routes an arriving call to a provisioned number and, only
// if routing succeeds, creates its session. A destination nothing matches
// yields ErrRoutingNotFound and no session.
func (r *Registry) CreateInbound(ctx context.Context, req InboundRequest) (*call.Session, *number.IncomingPhoneNumber, error) {
	if _, err := Classify(req.From); err != nil {
		return nil, nil, &CallFailure{Op: "create inbound", Address: req.From, Err: err}
	}
	kind, err := Classify(req.To)
	if err != nil {
		return nil, nil, &CallFailure{Op: "create inbound", Address: req.To, Err: err}
	}

	var matched *number.IncomingPhoneNumber
	if kind == AddressPSTN || kind == AddressSIP {
		matched, err = r.resolver.Resolve(ctx, DialedNumber(req.To), req.SourceOrganization, req.DestinationOrganization)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve %q: %w", req.To, err)
		}
		if matched == nil {
			r.log.Info("[Registry] No route", "to", req.To)
			return nil, nil, fmt.Errorf("%w: %s", ErrRoutingNotFound, req.To)
		}
	}

	callSid := sid.New(sid.TypeCall)
	var accountSid sid.Sid
	if matched != nil {
		accountSid = matched.AccountSid
	}
	s := call.NewSession(call.Params{
		Sid:           callSid,
		AccountSid:    accountSid,
		Direction:     call.DirectionInbound,
		From:          req.From,
		FromName:      req.FromName,
		To:            req.To,
		ForwardedFrom: req.ForwardedFrom,
		WebRTC:        req.WebRTC,
		Gateway:       r.gateway,
		Publisher:     r.publisher,
		Launcher:      r.cfg.Launcher,
		AskTimeout:    r.cfg.AskTimeout,
		OnTerminate:   r.onCallTerminate,
	})
	r.calls.Set(callPath(callSid), s)
	r.log.Info("[Registry] Inbound call created",
		"sid", callSid,
		"from", req.From,
		"to", req.To,
		"kind", kind,
	)
	return s, matched, nil
}

// CreateOutbound creates an api-originated call. Both addresses must
// classify. A non-positive timeout falls back to the registry-wide ring
// timeout.
func (r *Registry) CreateOutbound(ctx context.Context, accountSid sid.Sid, from, to string, timeout time.Duration) (*call.Session, error) {
	if _, err := Classify(from); err != nil {
		return nil, &CallFailure{Op: "create outbound", Address: from, Err: err}
	}
	if _, err := Classify(to); err != nil {
		return nil, &CallFailure{Op: "create outbound", Address: to, Err: err}
	}
	if timeout <= 0 {
		timeout = r.cfg.RingTimeout
	}

	callSid := sid.New(sid.TypeCall)
	s := call.NewSession(call.Params{
		Sid:         callSid,
		AccountSid:  accountSid,
		Direction:   call.DirectionOutbound,
		From:        from,
		To:          to,
		Gateway:     r.gateway,
		Publisher:   r.publisher,
		Launcher:    r.cfg.Launcher,
		AskTimeout:  r.cfg.AskTimeout,
		RingTimeout: timeout,
		OnTerminate: r.onCallTerminate,
	})
	r.calls.Set(callPath(callSid), s)
	r.log.Info("[Registry] Outbound call created", "sid", callSid, "from", from, "to", to)
	return s, nil
}

func (r *Registry) onCallTerminate(info call.Info) {
	// Keep the terminated call resolvable for a while, then let the
	// store evict it.
	r.calls.Expire(callPath(info.Sid), r.cfg.Retention)
}

// Lookup finds a call by identifier or by its "/calls/<sid>" path.
func (r *Registry) Lookup(ref string) (*call.Session, error) {
	path := ref
	if len(ref) == 0 || ref[0] != '/' {
		path = callPathPrefix + ref
	}
	s, ok := r.calls.Get(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return s, nil
}

// ActiveCalls returns the number of resolvable calls, terminated but
// retained ones included.
func (r *Registry) ActiveCalls() int { return r.calls.Len() }

// ModifyRequest carries the mutable fields of a call. Setting both URL
// and Status is contradictory and refused.
type ModifyRequest struct {
	// URL redirects an in-progress call to new instructions; Method is
	// the HTTP method used to fetch them.
	URL    string
	Method string
	// FallbackURL is tried when the primary URL fails to launch.
	FallbackURL    string
	FallbackMethod string
	// Status requests a lifecycle change: "canceled" or "completed".
	Status string
	// MoveConnectedLeg asks the redirect to carry the bridged far leg
	// along. Without URL it has no effect.
	MoveConnectedLeg bool
}

// ModifyCall applies the modify rules to one call. Status "canceled" only
// affects a not-yet-answered call; "completed" always hangs up. A request
// naming both a URL and a Status is ErrConflict.
func (r *Registry) ModifyCall(ctx context.Context, ref string, req ModifyRequest) (call.Info, error) {
	s, err := r.Lookup(ref)
	if err != nil {
		return call.Info{}, err
	}

	switch {
	case req.URL != "" && req.Status != "":
		return call.Info{}, fmt.Errorf("%w: both url and status", ErrConflict)
	case req.URL != "":
		return s.Redirect(ctx, call.ScriptRef{
			URL:              req.URL,
			Method:           req.Method,
			FallbackURL:      req.FallbackURL,
			FallbackMethod:   req.FallbackMethod,
			MoveConnectedLeg: req.MoveConnectedLeg,
		})
	case req.Status == string(call.StateCanceled):
		return s.Cancel(ctx)
	case req.Status == string(call.StateCompleted):
		return s.Hangup(ctx)
	case req.Status != "":
		return call.Info{}, fmt.Errorf("%w: status %q", ErrConflict, req.Status)
	default:
		// MoveConnectedLeg alone, or an empty request: nothing to do.
		return s.Info(ctx)
	}
}

// GetConference finds the running room with the given name under the
// account, creating it if absent. Completed rooms are replaced, never
// revived.
func (r *Registry) GetConference(accountSid sid.Sid, friendlyName string) *conference.Conference {
	key := accountSid.String() + ":" + friendlyName

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conferences[key]; ok {
		select {
		case <-c.Done():
			// Fall through and replace.
		default:
			return c
		}
	}

	c := conference.New(conference.Params{
		Sid:          sid.New(sid.TypeConference),
		FriendlyName: friendlyName,
		Gateway:      r.gateway,
		Publisher:    r.publisher,
		AskTimeout:   r.cfg.AskTimeout,
		Hangup: func(ctx context.Context, callSid sid.Sid) error {
			s, err := r.Lookup(callSid.String())
			if err != nil {
				// Already gone; nothing left to hang up.
				return nil
			}
			_, err = s.Hangup(ctx)
			return err
		},
		OnTerminate: func(info conference.Info) {
			r.mu.Lock()
			if r.conferences[key] != nil && r.conferences[key].Sid() == info.Sid {
				delete(r.conferences, key)
			}
			r.mu.Unlock()
		},
	})
	r.conferences[key] = c
	r.log.Info("[Registry] Conference created", "sid", c.Sid(), "name", friendlyName)
	return c
}

// LookupConference finds a room by identifier.
func (r *Registry) LookupConference(confSid sid.Sid) (*conference.Conference, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conferences {
		if c.Sid() == confSid {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, confSid)
}

// Shutdown hangs up every live call and terminates every room, in
// parallel, bounded by ctx.
func (r *Registry) Shutdown(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	r.calls.Range(func(_ string, s *call.Session) bool {
		g.Go(func() error {
			_, err := s.Hangup(gctx)
			return err
		})
		return true
	})

	r.mu.Lock()
	rooms := make([]*conference.Conference, 0, len(r.conferences))
	for _, c := range r.conferences {
		rooms = append(rooms, c)
	}
	r.mu.Unlock()
	for _, c := range rooms {
		c := c
		g.Go(func() error {
			_, err := c.Terminate(gctx)
			return err
		})
	}

	err := g.Wait()
	r.calls.Stop()
	r.log.Info("[Registry] Shut down")
	return err
}

func callPath(s sid.Sid) string { return callPathPrefix + s.String() }

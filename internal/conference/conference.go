// Package conference implements N-party rooms: a single goroutine per
// conference owning the shared mixing endpoint, the participant roster,
// and the room lifecycle.
package conference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sgallego/callplane/internal/events"
	"github.com/sgallego/callplane/internal/media"
	"github.com/sgallego/callplane/internal/metrics"
	"github.com/sgallego/callplane/internal/sid"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrUnavailable indicates the room did not accept or answer a
	// request within the ask window.
	ErrUnavailable = errors.New("conference unavailable")

	// ErrCompleted indicates a join against a room that has already
	// ended. Rooms are never reused; callers create a new one.
	ErrCompleted = errors.New("conference completed")

	// ErrNotJoined indicates a leave for a call that is not in the room.
	ErrNotJoined = errors.New("call not in conference")
)

const defaultAskTimeout = 5 * time.Second

const mailboxSize = 32

// beepAnnouncement is played to the room when a participant joins with
// the beep option.
const beepAnnouncement = "beep.wav"

// State is a conference lifecycle state.
type State string

const (
	// StateStarting means the room exists but no participant has joined
	// and the mixing endpoint is not yet allocated.
	StateStarting State = "starting"
	// StateRunning means participants are being mixed.
	StateRunning State = "running"
	// StateCompleted is terminal. A completed room has no participants
	// and no media.
	StateCompleted State = "completed"
)

// IsTerminal reports whether the state admits no further transitions.
func (s State) IsTerminal() bool { return s == StateCompleted }

// JoinOptions control how a participant enters the room.
type JoinOptions struct {
	// Muted joins the participant listen-only.
	Muted bool
	// Beep plays a tone to the room on entry.
	Beep bool
	// StartOnEnter lets this participant start the conference clock.
	// Typically false for customers waiting for an agent.
	StartOnEnter bool
	// EndOnExit completes the whole room when the last participant
	// flagged with it leaves.
	EndOnExit bool
}

// Info is an immutable snapshot of a conference.
type Info struct {
	Sid          sid.Sid
	FriendlyName string
	State        State
	Participants int
	Created      time.Time
	Started      time.Time
	Ended        time.Time
}

// Params configures a new conference.
type Params struct {
	Sid          sid.Sid
	FriendlyName string
	Gateway      *media.Gateway
	Publisher    events.Publisher
	AskTimeout   time.Duration

	// Hangup ends a participant's call leg. The room invokes it for
	// every participant still present when it completes; nil means the
	// legs are only disconnected from the bridge.
	Hangup func(ctx context.Context, callSid sid.Sid) error

	// OnTerminate runs once, after the room completes and its media is
	// released.
	OnTerminate func(Info)
}

type participant struct {
	callSid   sid.Sid
	conn      *media.Connection
	endOnExit bool
}

type msgKind int

const (
	msgInfo msgKind = iota
	msgJoin
	msgLeave
	msgTerminate
)

type message struct {
	kind    msgKind
	callSid sid.Sid
	offer   string
	opts    JoinOptions
	reply   chan result
}

type result struct {
	info Info
	sdp  string
	err  error
}

// Conference is one room. All mutable state is owned by the run
// goroutine, so joins and leaves arriving concurrently are serialized and
// the roster always matches the live connections on the mixing endpoint.
type Conference struct {
	confSid    sid.Sid
	mailbox    chan message
	done       chan struct{}
	askTimeout time.Duration

	gateway   *media.Gateway
	publisher events.Publisher
	hangup    func(ctx context.Context, callSid sid.Sid) error
	onTerm    func(Info)
	log       *slog.Logger

	// Owned by the run goroutine.
	info         Info
	mediaSession *media.Session
	endpoint     *media.Endpoint
	roster       map[sid.Sid]*participant

	finalMu sync.Mutex
	final   Info
}

// New starts a conference in the starting state.
func New(p Params) *Conference {
	c := &Conference{
		confSid:    p.Sid,
		mailbox:    make(chan message, mailboxSize),
		done:       make(chan struct{}),
		askTimeout: p.AskTimeout,
		gateway:    p.Gateway,
		publisher:  p.Publisher,
		hangup:     p.Hangup,
		onTerm:     p.OnTerminate,
		log:        slog.Default(),
		roster:     make(map[sid.Sid]*participant),
		info: Info{
			Sid:          p.Sid,
			FriendlyName: p.FriendlyName,
			State:        StateStarting,
			Created:      time.Now(),
		},
	}
	if c.askTimeout <= 0 {
		c.askTimeout = defaultAskTimeout
	}
	if c.publisher == nil {
		c.publisher = events.NewNoopPublisher()
	}

	metrics.ActiveConferences.Inc()
	c.publish()
	go c.run()
	return c
}

// Sid returns the conference identifier.
func (c *Conference) Sid() sid.Sid { return c.confSid }

// Info returns a snapshot of the room.
func (c *Conference) Info(ctx context.Context) (Info, error) {
	r, err := c.ask(ctx, message{kind: msgInfo})
	return r.info, err
}

// Join adds a call to the room, answering its media offer on the shared
// mixing endpoint. Joining a completed room is ErrCompleted; a call
// already in the room gets its existing answer back.
func (c *Conference) Join(ctx context.Context, callSid sid.Sid, offer string, opts JoinOptions) (string, error) {
	r, err := c.ask(ctx, message{kind: msgJoin, callSid: callSid, offer: offer, opts: opts})
	return r.sdp, err
}

// Leave removes a call from the room. The last participant leaving, or
// the last EndOnExit participant leaving, completes the room and hangs
// up everyone still in it.
func (c *Conference) Leave(ctx context.Context, callSid sid.Sid) (Info, error) {
	r, err := c.ask(ctx, message{kind: msgLeave, callSid: callSid})
	return r.info, err
}

// Terminate completes the room, disconnecting every participant. It is
// idempotent.
func (c *Conference) Terminate(ctx context.Context) (Info, error) {
	r, err := c.ask(ctx, message{kind: msgTerminate})
	return r.info, err
}

// Done closes when the room goroutine has exited.
func (c *Conference) Done() <-chan struct{} { return c.done }

func (c *Conference) ask(ctx context.Context, m message) (result, error) {
	m.reply = make(chan result, 1)
	timer := time.NewTimer(c.askTimeout)
	defer timer.Stop()

	select {
	case c.mailbox <- m:
	case <-c.done:
		return c.closedReply(m), c.closedErr(m)
	case <-ctx.Done():
		return result{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	case <-timer.C:
		return result{}, fmt.Errorf("%w: mailbox full", ErrUnavailable)
	}

	select {
	case r := <-m.reply:
		return r, r.err
	case <-c.done:
		select {
		case r := <-m.reply:
			return r, r.err
		default:
			return c.closedReply(m), c.closedErr(m)
		}
	case <-ctx.Done():
		return result{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	case <-timer.C:
		return result{}, fmt.Errorf("%w: no reply", ErrUnavailable)
	}
}

// closedReply answers on behalf of a room that has already completed.
func (c *Conference) closedReply(m message) result {
	c.finalMu.Lock()
	defer c.finalMu.Unlock()
	return result{info: c.final}
}

func (c *Conference) closedErr(m message) error {
	if m.kind == msgJoin {
		return ErrCompleted
	}
	return nil
}

func (c *Conference) run() {
	defer close(c.done)
	for m := range c.mailbox {
		c.dispatch(m)
		if c.info.State.IsTerminal() {
			c.finish()
			return
		}
	}
}

func (c *Conference) dispatch(m message) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SessionFaults.WithLabelValues("resume").Inc()
			c.log.Error("[Conference] Fault, resuming", "sid", c.confSid, "panic", r)
			m.reply <- result{info: c.info, err: fmt.Errorf("conference %s: internal fault: %v", c.confSid, r)}
		}
	}()

	switch m.kind {
	case msgInfo:
		m.reply <- result{info: c.info}
	case msgJoin:
		m.reply <- c.handleJoin(m.callSid, m.offer, m.opts)
	case msgLeave:
		m.reply <- c.handleLeave(m.callSid)
	case msgTerminate:
		m.reply <- c.handleTerminate()
	default:
		m.reply <- result{info: c.info, err: fmt.Errorf("conference %s: unknown message kind %d", c.confSid, m.kind)}
	}
}

func (c *Conference) handleJoin(callSid sid.Sid, offer string, opts JoinOptions) result {
	if c.info.State.IsTerminal() {
		return result{info: c.info, err: ErrCompleted}
	}
	if p, ok := c.roster[callSid]; ok {
		return result{info: c.info, sdp: p.conn.LocalDescription()}
	}

	if c.endpoint == nil {
		if err := c.allocateMedia(); err != nil {
			return result{info: c.info, err: err}
		}
	}

	mode := media.ModeConference
	if opts.Muted {
		mode = media.ModeRecvOnly
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.gateway.Timeout())
	defer cancel()
	conn, err := c.gateway.CreateConnection(ctx, c.mediaSession, c.endpoint, mode, offer)
	if err != nil {
		// Roster and connections stay consistent: a failed join leaves
		// no trace.
		return result{info: c.info, err: err}
	}

	c.roster[callSid] = &participant{callSid: callSid, conn: conn, endOnExit: opts.EndOnExit}
	c.info.Participants = len(c.roster)
	metrics.ConferenceParticipants.Inc()

	if c.info.State == StateStarting {
		c.info.State = StateRunning
		c.publish()
		c.log.Info("[Conference] Running", "sid", c.confSid, "name", c.info.FriendlyName)
	}
	// The conference clock waits for a start-on-enter participant even
	// though mixing is already up.
	if opts.StartOnEnter && c.info.Started.IsZero() {
		c.info.Started = time.Now()
	}

	if opts.Beep {
		bctx, bcancel := context.WithTimeout(context.Background(), c.gateway.Timeout())
		if _, err := c.gateway.RequestNotification(bctx, c.mediaSession, c.endpoint, media.SignalPlayAudio, map[string]string{
			"an": beepAnnouncement,
		}); err != nil {
			c.log.Warn("[Conference] Beep failed", "sid", c.confSid, "error", err)
		}
		bcancel()
	}

	c.log.Debug("[Conference] Joined",
		"sid", c.confSid,
		"call", callSid,
		"participants", c.info.Participants,
	)
	return result{info: c.info, sdp: conn.LocalDescription()}
}

func (c *Conference) handleLeave(callSid sid.Sid) result {
	if c.info.State.IsTerminal() {
		return result{info: c.info}
	}
	p, ok := c.roster[callSid]
	if !ok {
		return result{info: c.info, err: fmt.Errorf("%w: %s", ErrNotJoined, callSid)}
	}

	delete(c.roster, callSid)
	c.info.Participants = len(c.roster)
	metrics.ConferenceParticipants.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), c.gateway.Timeout())
	defer cancel()
	if err := c.gateway.DeleteConnection(ctx, p.conn); err != nil {
		c.log.Warn("[Conference] Disconnect failed", "sid", c.confSid, "call", callSid, "error", err)
	}

	if (p.endOnExit && !c.anyEndOnExit()) || len(c.roster) == 0 {
		return c.handleTerminate()
	}
	return result{info: c.info}
}

// anyEndOnExit reports whether the roster still holds an end-on-exit
// participant.
func (c *Conference) anyEndOnExit() bool {
	for _, p := range c.roster {
		if p.endOnExit {
			return true
		}
	}
	return false
}

// handleTerminate hangs up every remaining participant in parallel and
// completes the room. Each leg is first ended through the hangup hook,
// then its bridge connection is deleted.
func (c *Conference) handleTerminate() result {
	if c.info.State.IsTerminal() {
		return result{info: c.info}
	}

	g, ctx := errgroup.WithContext(context.Background())
	for _, p := range c.roster {
		p := p
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(ctx, c.gateway.Timeout())
			defer cancel()
			if c.hangup != nil {
				if err := c.hangup(dctx, p.callSid); err != nil {
					c.log.Warn("[Conference] Participant hangup failed",
						"sid", c.confSid,
						"call", p.callSid,
						"error", err,
					)
				}
			}
			return c.gateway.DeleteConnection(dctx, p.conn)
		})
	}
	if err := g.Wait(); err != nil {
		c.log.Warn("[Conference] Disconnect on terminate failed", "sid", c.confSid, "error", err)
	}
	metrics.ConferenceParticipants.Sub(float64(len(c.roster)))
	c.roster = make(map[sid.Sid]*participant)
	c.info.Participants = 0
	c.info.State = StateCompleted
	c.info.Ended = time.Now()
	return result{info: c.info}
}

func (c *Conference) allocateMedia() error {
	ms, err := c.gateway.NewSession()
	if err != nil {
		return err
	}
	ep, err := c.gateway.CreateConferenceEndpoint(ms, "")
	if err != nil {
		return err
	}
	c.mediaSession = ms
	c.endpoint = ep
	return nil
}

func (c *Conference) publish() {
	ev := events.ConferenceEvent{
		Sid:          c.confSid.String(),
		FriendlyName: c.info.FriendlyName,
		State:        string(c.info.State),
		Participants: c.info.Participants,
		Timestamp:    time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.publisher.Publish(ctx, ev); err != nil {
		c.log.Warn("[Conference] Event publish failed", "sid", c.confSid, "error", err)
	}
}

func (c *Conference) finish() {
	if c.mediaSession != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.gateway.Timeout())
		if err := c.gateway.ReleaseSession(ctx, c.mediaSession); err != nil {
			c.log.Warn("[Conference] Media release failed", "sid", c.confSid, "error", err)
		}
		cancel()
		c.mediaSession = nil
		c.endpoint = nil
	}

	c.finalMu.Lock()
	c.final = c.info
	c.finalMu.Unlock()

	metrics.ActiveConferences.Dec()
	c.publish()
	c.log.Info("[Conference] Completed",
		"sid", c.confSid,
		"name", c.info.FriendlyName,
	)
	if c.onTerm != nil {
		c.onTerm(c.info)
	}
}

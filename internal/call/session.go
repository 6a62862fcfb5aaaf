package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/sgallego/callplane/internal/events"
	"github.com/sgallego/callplane/internal/media"
	"github.com/sgallego/callplane/internal/metrics"
	"github.com/sgallego/callplane/internal/sid"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrUnavailable indicates the session did not accept or answer a
	// request within the ask window, or has media it cannot reach.
	ErrUnavailable = errors.New("call session unavailable")

	// ErrInvalidState indicates the requested operation is not valid in
	// the call's current state.
	ErrInvalidState = errors.New("operation invalid in current call state")
)

// defaultAskTimeout bounds how long callers wait on the session goroutine.
const defaultAskTimeout = 5 * time.Second

// mailboxSize is the per-session command buffer. Senders that find it full
// wait up to the ask window before reporting the session unavailable.
const mailboxSize = 16

// ScriptRef points at a set of voice instructions. Method defaults to
// POST when empty; the fallback pair is tried when the primary launch
// fails.
type ScriptRef struct {
	URL            string
	Method         string
	FallbackURL    string
	FallbackMethod string

	// MoveConnectedLeg carries the bridged far leg along with the
	// redirect instead of dropping it.
	MoveConnectedLeg bool
}

// ScriptLauncher fetches and starts the voice instructions for a call.
// The registry's owner wires the real interpreter; redirects re-invoke it
// with the new reference.
type ScriptLauncher interface {
	Launch(ctx context.Context, info Info, script ScriptRef) error
}

// Params configures a new call session.
type Params struct {
	Sid           sid.Sid
	AccountSid    sid.Sid
	Direction     Direction
	From          string
	FromName      string
	To            string
	ForwardedFrom string
	WebRTC        bool

	Gateway   *media.Gateway
	Publisher events.Publisher
	Launcher  ScriptLauncher

	// AskTimeout bounds synchronous requests to the session goroutine.
	// Zero means the default.
	AskTimeout time.Duration

	// RingTimeout bounds how long an outbound call may stay unanswered
	// after dialing before it terminates as no-answer. Zero disables it.
	RingTimeout time.Duration

	// OnTerminate runs once, after the call reaches a terminal state and
	// its media is released. The registry uses it to drop its references.
	OnTerminate func(Info)
}

type msgKind int

const (
	msgInfo msgKind = iota
	msgDial
	msgProgress
	msgAnswer
	msgRemoteAnswer
	msgFailure
	msgHangup
	msgCancel
	msgRedirect
	msgMute
	msgCollect
	msgRecord
)

type message struct {
	kind   msgKind
	sdp    string
	code   int
	script ScriptRef
	mute   bool
	prompt string
	reply  chan result
}

type result struct {
	info Info
	sdp  string
	err  error
}

// Session is one call. A single goroutine owns all mutable state and
// consumes commands and signaling notifications from the mailbox, so no
// operation ever observes a half-applied transition.
type Session struct {
	callSid    sid.Sid
	mailbox    chan message
	done       chan struct{}
	askTimeout time.Duration

	gateway   *media.Gateway
	publisher events.Publisher
	launcher  ScriptLauncher
	onTerm    func(Info)
	log       *slog.Logger

	// Owned by the run goroutine.
	machine      *fsm.FSM
	info         Info
	redirectURL  string
	ringTimeout  time.Duration
	ringTimer    *time.Timer
	mediaSession *media.Session
	endpoint     *media.Endpoint
	conn         *media.Connection

	finalMu sync.Mutex
	final   Info
}

// NewSession starts a call session in the queued state.
func NewSession(p Params) *Session {
	s := &Session{
		callSid:     p.Sid,
		mailbox:     make(chan message, mailboxSize),
		done:        make(chan struct{}),
		askTimeout:  p.AskTimeout,
		ringTimeout: p.RingTimeout,
		gateway:     p.Gateway,
		publisher:   p.Publisher,
		launcher:    p.Launcher,
		onTerm:      p.OnTerminate,
		log:         slog.Default(),
		info: Info{
			Sid:           p.Sid,
			AccountSid:    p.AccountSid,
			Direction:     p.Direction,
			State:         StateQueued,
			From:          p.From,
			FromName:      p.FromName,
			To:            p.To,
			ForwardedFrom: p.ForwardedFrom,
			Created:       time.Now(),
			WebRTC:        p.WebRTC,
		},
	}
	if s.askTimeout <= 0 {
		s.askTimeout = defaultAskTimeout
	}
	if s.publisher == nil {
		s.publisher = events.NewNoopPublisher()
	}
	s.machine = newStateMachine(s.onEnterState)

	metrics.ActiveCalls.Inc()
	s.publish()
	go s.run()
	return s
}

// Sid returns the call identifier.
func (s *Session) Sid() sid.Sid { return s.callSid }

// Info returns a snapshot of the call.
func (s *Session) Info(ctx context.Context) (Info, error) {
	return s.ask(ctx, message{kind: msgInfo})
}

// Dial allocates media for an outbound call and returns the local offer
// to place in the outgoing invite. The call stays queued until progress
// or answer signals arrive.
func (s *Session) Dial(ctx context.Context) (string, error) {
	r, err := s.askFull(ctx, message{kind: msgDial})
	return r.sdp, err
}

// SignalProgress records that the remote party is being alerted.
func (s *Session) SignalProgress(ctx context.Context) (Info, error) {
	return s.ask(ctx, message{kind: msgProgress})
}

// Answer accepts an inbound call: media is allocated against the caller's
// offer and the returned answer completes signaling. The call moves to
// in-progress.
func (s *Session) Answer(ctx context.Context, remoteOffer string) (string, error) {
	r, err := s.askFull(ctx, message{kind: msgAnswer, sdp: remoteOffer})
	return r.sdp, err
}

// SignalRemoteAnswer completes an outbound call: the callee's answer is
// applied to the half-open connection and the call moves to in-progress.
func (s *Session) SignalRemoteAnswer(ctx context.Context, remoteAnswer string) (Info, error) {
	return s.ask(ctx, message{kind: msgRemoteAnswer, sdp: remoteAnswer})
}

// SignalFailure records a final signaling failure. The status code picks
// the terminal state: 486 and 600 mean busy, 404 means not found, 408 and
// 480 mean no answer, 487 means canceled, anything else means failed.
func (s *Session) SignalFailure(ctx context.Context, code int) (Info, error) {
	return s.ask(ctx, message{kind: msgFailure, code: code})
}

// Hangup completes the call from any state, tearing down media. Hanging
// up an already terminal call is a no-op returning the final snapshot.
func (s *Session) Hangup(ctx context.Context) (Info, error) {
	return s.ask(ctx, message{kind: msgHangup})
}

// Cancel cancels the call only if it has not been answered yet. In any
// other state it is a no-op returning the current snapshot.
func (s *Session) Cancel(ctx context.Context) (Info, error) {
	return s.ask(ctx, message{kind: msgCancel})
}

// Redirect points an in-progress call at new instructions. Any other
// state yields ErrInvalidState. With MoveConnectedLeg set, the bridged
// far leg is re-bound to the new instructions without renegotiating its
// media.
func (s *Session) Redirect(ctx context.Context, script ScriptRef) (Info, error) {
	return s.ask(ctx, message{kind: msgRedirect, script: script})
}

// Mute stops (or resumes) the party's outbound audio. Valid only while
// the call is in progress.
func (s *Session) Mute(ctx context.Context, muted bool) (Info, error) {
	return s.ask(ctx, message{kind: msgMute, mute: muted})
}

// Collect plays a wav prompt on the call's endpoint and arms digit
// collection. It returns the request identifier correlating the
// asynchronous notify. Valid only while the call is in progress.
func (s *Session) Collect(ctx context.Context, prompt string) (string, error) {
	r, err := s.askFull(ctx, message{kind: msgCollect, prompt: prompt})
	return r.sdp, err
}

// Record starts recording the call's endpoint to the given destination.
// It returns the request identifier correlating the asynchronous notify.
// Valid only while the call is in progress.
func (s *Session) Record(ctx context.Context, destination string) (string, error) {
	r, err := s.askFull(ctx, message{kind: msgRecord, prompt: destination})
	return r.sdp, err
}

// Done closes when the session goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) ask(ctx context.Context, m message) (Info, error) {
	r, err := s.askFull(ctx, m)
	return r.info, err
}

// askFull delivers a message to the session goroutine and waits for its
// reply, bounded by both the caller's context and the ask window. A
// session that has already terminated answers with its final snapshot.
func (s *Session) askFull(ctx context.Context, m message) (result, error) {
	m.reply = make(chan result, 1)
	timer := time.NewTimer(s.askTimeout)
	defer timer.Stop()

	select {
	case s.mailbox <- m:
	case <-s.done:
		return result{info: s.finalInfo()}, nil
	case <-ctx.Done():
		return result{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	case <-timer.C:
		return result{}, fmt.Errorf("%w: mailbox full", ErrUnavailable)
	}

	select {
	case r := <-m.reply:
		return r, r.err
	case <-s.done:
		// The loop may have replied just before exiting.
		select {
		case r := <-m.reply:
			return r, r.err
		default:
			return result{info: s.finalInfo()}, nil
		}
	case <-ctx.Done():
		return result{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	case <-timer.C:
		return result{}, fmt.Errorf("%w: no reply", ErrUnavailable)
	}
}

func (s *Session) finalInfo() Info {
	s.finalMu.Lock()
	defer s.finalMu.Unlock()
	return s.final
}

// run is the session goroutine. It exits once the call reaches a terminal
// state and media is released.
func (s *Session) run() {
	defer close(s.done)
	for {
		var ringC <-chan time.Time
		if s.ringTimer != nil {
			ringC = s.ringTimer.C
		}
		select {
		case m := <-s.mailbox:
			s.dispatch(m)
		case <-ringC:
			s.ringTimer = nil
			s.log.Info("[Call] Ring timeout", "sid", s.callSid, "state", s.info.State)
			s.toTerminal(eventNoAnswer)
		}
		if s.info.State.IsTerminal() {
			s.finish()
			return
		}
	}
}

func (s *Session) stopRingTimer() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

// dispatch applies one message, converting panics out of callbacks into
// either a resumed session (script faults) or a dead call (media faults).
func (s *Session) dispatch(m message) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if err, ok := r.(error); ok && (errors.Is(err, media.ErrUnavailable) || errors.Is(err, media.ErrProtocol)) {
			metrics.SessionFaults.WithLabelValues("stop").Inc()
			s.log.Error("[Call] Media fault, terminating", "sid", s.callSid, "error", err)
			s.toTerminal(eventFail)
			m.reply <- result{info: s.info, err: err}
			return
		}
		metrics.SessionFaults.WithLabelValues("resume").Inc()
		s.log.Error("[Call] Fault, resuming", "sid", s.callSid, "panic", r)
		m.reply <- result{info: s.info, err: fmt.Errorf("call %s: internal fault: %v", s.callSid, r)}
	}()

	switch m.kind {
	case msgInfo:
		m.reply <- result{info: s.info}
	case msgDial:
		m.reply <- s.handleDial()
	case msgProgress:
		m.reply <- s.handleProgress()
	case msgAnswer:
		m.reply <- s.handleAnswer(m.sdp)
	case msgRemoteAnswer:
		m.reply <- s.handleRemoteAnswer(m.sdp)
	case msgFailure:
		m.reply <- s.handleFailure(m.code)
	case msgHangup:
		m.reply <- s.handleHangup()
	case msgCancel:
		m.reply <- s.handleCancel()
	case msgRedirect:
		m.reply <- s.handleRedirect(m.script)
	case msgMute:
		m.reply <- s.handleMute(m.mute)
	case msgCollect:
		m.reply <- s.handleSignal(media.SignalPlayCollect, map[string]string{"ip": m.prompt})
	case msgRecord:
		m.reply <- s.handleSignal(media.SignalPlayRecord, map[string]string{"ri": m.prompt})
	default:
		m.reply <- result{info: s.info, err: fmt.Errorf("call %s: unknown message kind %d", s.callSid, m.kind)}
	}
}

func (s *Session) handleDial() result {
	if s.info.State != StateQueued {
		return result{info: s.info, err: fmt.Errorf("%w: dial in %s", ErrInvalidState, s.info.State)}
	}
	if err := s.allocateMedia(""); err != nil {
		s.toTerminal(eventFail)
		return result{info: s.info, err: err}
	}
	if s.ringTimeout > 0 {
		s.ringTimer = time.NewTimer(s.ringTimeout)
	}
	return result{info: s.info, sdp: s.conn.LocalDescription()}
}

func (s *Session) handleProgress() result {
	if s.info.State != StateQueued {
		return result{info: s.info}
	}
	s.fire(eventRing)
	return result{info: s.info}
}

func (s *Session) handleAnswer(remoteOffer string) result {
	if s.info.State.IsTerminal() {
		return result{info: s.info}
	}
	if s.info.State == StateInProgress {
		return result{info: s.info, sdp: s.conn.LocalDescription()}
	}
	if err := s.allocateMedia(remoteOffer); err != nil {
		s.toTerminal(eventFail)
		return result{info: s.info, err: err}
	}
	s.stopRingTimer()
	s.info.Connected = time.Now()
	s.fire(eventAnswer)
	return result{info: s.info, sdp: s.conn.LocalDescription()}
}

func (s *Session) handleRemoteAnswer(remoteAnswer string) result {
	if s.info.State.IsTerminal() || s.info.State == StateInProgress {
		return result{info: s.info}
	}
	if s.conn == nil {
		return result{info: s.info, err: fmt.Errorf("%w: no media to complete", ErrInvalidState)}
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.gateway.Timeout())
	defer cancel()
	if err := s.gateway.ModifyConnection(ctx, s.conn, media.ModeSendRecv, remoteAnswer); err != nil {
		s.toTerminal(eventFail)
		return result{info: s.info, err: err}
	}
	s.stopRingTimer()
	s.info.Connected = time.Now()
	s.fire(eventAnswer)
	return result{info: s.info}
}

func (s *Session) handleFailure(code int) result {
	if s.info.State.IsTerminal() {
		return result{info: s.info}
	}
	s.info.LastResponse = code
	switch {
	case code == 486 || code == 600:
		s.toTerminal(eventBusy)
	case code == 404:
		s.toTerminal(eventNotFound)
	case code == 408 || code == 480:
		s.toTerminal(eventNoAnswer)
	case code == 487:
		s.toTerminal(eventCancel)
	default:
		s.toTerminal(eventFail)
	}
	return result{info: s.info}
}

func (s *Session) handleHangup() result {
	if s.info.State.IsTerminal() {
		return result{info: s.info}
	}
	s.toTerminal(eventComplete)
	return result{info: s.info}
}

func (s *Session) handleCancel() result {
	if s.info.State != StateQueued && s.info.State != StateRinging {
		return result{info: s.info}
	}
	s.toTerminal(eventCancel)
	return result{info: s.info}
}

func (s *Session) handleRedirect(script ScriptRef) result {
	if s.info.State != StateInProgress {
		return result{info: s.info, err: fmt.Errorf("%w: redirect in %s", ErrInvalidState, s.info.State)}
	}
	if s.launcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.askTimeout)
		defer cancel()
		if err := s.launcher.Launch(ctx, s.info, script); err != nil {
			if script.FallbackURL == "" {
				return result{info: s.info, err: fmt.Errorf("relaunch script: %w", err)}
			}
			fallback := ScriptRef{
				URL:              script.FallbackURL,
				Method:           script.FallbackMethod,
				MoveConnectedLeg: script.MoveConnectedLeg,
			}
			if err := s.launcher.Launch(ctx, s.info, fallback); err != nil {
				return result{info: s.info, err: fmt.Errorf("relaunch script fallback: %w", err)}
			}
			script = fallback
		}
	}
	if script.MoveConnectedLeg && s.conn != nil {
		mode := media.ModeSendRecv
		if s.info.Muted {
			mode = media.ModeRecvOnly
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.gateway.Timeout())
		defer cancel()
		// Same remote description: the far leg follows without a new
		// negotiation round.
		if err := s.gateway.ModifyConnection(ctx, s.conn, mode, s.conn.RemoteDescription()); err != nil {
			return result{info: s.info, err: err}
		}
	}
	s.redirectURL = script.URL
	s.log.Info("[Call] Redirected", "sid", s.callSid, "url", script.URL)
	return result{info: s.info}
}

func (s *Session) handleMute(muted bool) result {
	if s.info.State != StateInProgress {
		return result{info: s.info, err: fmt.Errorf("%w: mute in %s", ErrInvalidState, s.info.State)}
	}
	if s.info.Muted == muted {
		return result{info: s.info}
	}
	mode := media.ModeSendRecv
	if muted {
		mode = media.ModeRecvOnly
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.gateway.Timeout())
	defer cancel()
	if err := s.gateway.ModifyConnection(ctx, s.conn, mode, s.conn.RemoteDescription()); err != nil {
		return result{info: s.info, err: err}
	}
	s.info.Muted = muted
	return result{info: s.info}
}

func (s *Session) handleSignal(signal media.Signal, params map[string]string) result {
	if s.info.State != StateInProgress {
		return result{info: s.info, err: fmt.Errorf("%w: %s in %s", ErrInvalidState, signal, s.info.State)}
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.gateway.Timeout())
	defer cancel()
	requestID, err := s.gateway.RequestNotification(ctx, s.mediaSession, s.endpoint, signal, params)
	if err != nil {
		return result{info: s.info, err: err}
	}
	return result{info: s.info, sdp: requestID}
}

// allocateMedia mints the media session, bridge endpoint, and connection.
// An empty remote offer leaves the connection half-open for a later
// remote answer.
func (s *Session) allocateMedia(remoteOffer string) error {
	ms, err := s.gateway.NewSession()
	if err != nil {
		return err
	}
	ep, err := s.gateway.CreateBridgeEndpoint(ms)
	if err != nil {
		return err
	}
	mode := media.ModeSendRecv
	if remoteOffer == "" {
		mode = media.ModeInactive
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.gateway.Timeout())
	defer cancel()
	conn, err := s.gateway.CreateConnection(ctx, ms, ep, mode, remoteOffer)
	if err != nil {
		rctx, rcancel := context.WithTimeout(context.Background(), s.gateway.Timeout())
		_ = s.gateway.ReleaseSession(rctx, ms)
		rcancel()
		return err
	}
	s.mediaSession = ms
	s.endpoint = ep
	s.conn = conn
	return nil
}

// fire applies a state machine event; the transitions table guards it, so
// a refusal here is a programming error worth logging, not an API error.
func (s *Session) fire(event string) {
	if err := s.machine.Event(context.Background(), event); err != nil {
		s.log.Error("[Call] Transition refused", "sid", s.callSid, "event", event, "state", s.info.State, "error", err)
	}
}

// toTerminal fires a terminal event, falling back to failed if the
// specific event is not valid from the current state.
func (s *Session) toTerminal(event string) {
	if err := s.machine.Event(context.Background(), event); err != nil {
		if ferr := s.machine.Event(context.Background(), eventFail); ferr != nil {
			s.log.Error("[Call] Cannot terminate", "sid", s.callSid, "event", event, "state", s.info.State, "error", err)
		}
	}
}

// onEnterState runs inside machine.Event, on the session goroutine.
func (s *Session) onEnterState(ctx context.Context, e *fsm.Event) {
	s.info.State = State(e.Dst)
	if s.info.State.IsTerminal() {
		s.info.Ended = time.Now()
	}
	s.publish()
	s.log.Debug("[Call] State changed", "sid", s.callSid, "from", e.Src, "to", e.Dst)
}

func (s *Session) publish() {
	ev := events.CallEvent{
		Sid:           s.callSid.String(),
		AccountSid:    s.info.AccountSid.String(),
		State:         s.info.State.String(),
		Direction:     string(s.info.Direction),
		From:          s.info.From,
		To:            s.info.To,
		ForwardedFrom: s.info.ForwardedFrom,
		Timestamp:     time.Now(),
		LastResponse:  s.info.LastResponse,
	}
	if s.info.State.IsTerminal() {
		ev.Created = s.info.Created
		ev.Connected = s.info.Connected
		ev.Ended = s.info.Ended
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.log.Warn("[Call] Event publish failed", "sid", s.callSid, "subject", ev.Subject(), "error", err)
	}
}

// finish releases media, records the final snapshot, and notifies the
// owner. Runs exactly once, on the session goroutine.
func (s *Session) finish() {
	s.stopRingTimer()
	s.releaseMedia()

	s.finalMu.Lock()
	s.final = s.info
	s.finalMu.Unlock()

	metrics.ActiveCalls.Dec()
	metrics.CallsByFinalState.WithLabelValues(s.info.State.String()).Inc()
	s.log.Info("[Call] Terminated",
		"sid", s.callSid,
		"state", s.info.State,
		"duration", s.info.Duration(),
	)
	if s.onTerm != nil {
		s.onTerm(s.info)
	}
}

func (s *Session) releaseMedia() {
	if s.conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.gateway.Timeout())
		if err := s.gateway.DeleteConnection(ctx, s.conn); err != nil {
			s.log.Warn("[Call] Connection delete failed", "sid", s.callSid, "error", err)
		}
		cancel()
		s.conn = nil
	}
	if s.mediaSession != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.gateway.Timeout())
		if err := s.gateway.ReleaseSession(ctx, s.mediaSession); err != nil {
			s.log.Warn("[Call] Media session release failed", "sid", s.callSid, "error", err)
		}
		cancel()
		s.mediaSession = nil
		s.endpoint = nil
	}
}

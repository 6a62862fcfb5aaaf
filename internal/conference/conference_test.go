package conference

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgallego/callplane/internal/events"
	"github.com/sgallego/callplane/internal/media"
	"github.com/sgallego/callplane/internal/sid"
)

const offerSDP = "v=0\r\n" +
	"o=alice 2890844526 2890844526 IN IP4 10.0.0.1\r\n" +
	"s=talk\r\n" +
	"c=IN IP4 10.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 0 8 101\r\n" +
	"a=rtpmap:0 pcmu/8000\r\n"

type testEnv struct {
	gateway  *media.Gateway
	loopback *media.Loopback
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	lb := media.NewLoopback("callplane", "127.0.0.1:2427")
	gw := media.NewGateway(lb)
	require.NoError(t, gw.PowerOn(media.DefaultConfig()))
	t.Cleanup(func() {
		gw.PowerOff()
		lb.Close()
	})
	return &testEnv{gateway: gw, loopback: lb}
}

func (e *testEnv) params(name string) Params {
	return Params{
		Sid:          sid.New(sid.TypeConference),
		FriendlyName: name,
		Gateway:      e.gateway,
		Publisher:    events.NewNoopPublisher(),
		AskTimeout:   2 * time.Second,
	}
}

func (e *testEnv) newConference(t *testing.T, name string) *Conference {
	t.Helper()
	return New(e.params(name))
}

// hangupRecorder stands in for the registry's call-hangup hook.
type hangupRecorder struct {
	mu   sync.Mutex
	sids []sid.Sid
}

func (h *hangupRecorder) hangup(ctx context.Context, callSid sid.Sid) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sids = append(h.sids, callSid)
	return nil
}

func (h *hangupRecorder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sids)
}

func waitDone(t *testing.T, c *Conference) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("conference did not complete")
	}
}

func TestConferenceStartsOnEnter(t *testing.T) {
	env := newTestEnv(t)
	c := env.newConference(t, "standup")
	ctx := context.Background()

	info, err := c.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateStarting, info.State)

	// The first join brings mixing up, but a waiting participant does
	// not start the clock.
	waiting := sid.New(sid.TypeCall)
	answer, err := c.Join(ctx, waiting, offerSDP, JoinOptions{StartOnEnter: false})
	require.NoError(t, err)
	assert.NotEmpty(t, answer)
	info, _ = c.Info(ctx)
	assert.Equal(t, StateRunning, info.State)
	assert.Equal(t, 1, info.Participants)
	assert.True(t, info.Started.IsZero())

	// The moderator does.
	_, err = c.Join(ctx, sid.New(sid.TypeCall), offerSDP, JoinOptions{StartOnEnter: true})
	require.NoError(t, err)
	info, _ = c.Info(ctx)
	assert.Equal(t, StateRunning, info.State)
	assert.Equal(t, 2, info.Participants)
	assert.False(t, info.Started.IsZero())

	_, err = c.Terminate(ctx)
	require.NoError(t, err)
	waitDone(t, c)
}

func TestConferenceDuplicateJoinReturnsExistingAnswer(t *testing.T) {
	env := newTestEnv(t)
	c := env.newConference(t, "dup")
	ctx := context.Background()
	callSid := sid.New(sid.TypeCall)

	first, err := c.Join(ctx, callSid, offerSDP, JoinOptions{StartOnEnter: true})
	require.NoError(t, err)
	second, err := c.Join(ctx, callSid, offerSDP, JoinOptions{StartOnEnter: true})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	info, _ := c.Info(ctx)
	assert.Equal(t, 1, info.Participants)

	_, err = c.Terminate(ctx)
	require.NoError(t, err)
	waitDone(t, c)
}

func TestConferenceLastLeaveCompletesRoom(t *testing.T) {
	env := newTestEnv(t)
	c := env.newConference(t, "pair")
	ctx := context.Background()

	a := sid.New(sid.TypeCall)
	b := sid.New(sid.TypeCall)
	_, err := c.Join(ctx, a, offerSDP, JoinOptions{StartOnEnter: true})
	require.NoError(t, err)
	_, err = c.Join(ctx, b, offerSDP, JoinOptions{})
	require.NoError(t, err)

	info, err := c.Leave(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, info.State)
	assert.Equal(t, 1, info.Participants)

	info, err = c.Leave(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, info.State)
	assert.Equal(t, 0, info.Participants)

	waitDone(t, c)
	assert.Equal(t, 0, env.loopback.LiveConnections())
}

func TestConferenceEndOnExit(t *testing.T) {
	env := newTestEnv(t)
	c := env.newConference(t, "moderated")
	ctx := context.Background()

	moderator := sid.New(sid.TypeCall)
	_, err := c.Join(ctx, moderator, offerSDP, JoinOptions{StartOnEnter: true, EndOnExit: true})
	require.NoError(t, err)
	_, err = c.Join(ctx, sid.New(sid.TypeCall), offerSDP, JoinOptions{})
	require.NoError(t, err)
	_, err = c.Join(ctx, sid.New(sid.TypeCall), offerSDP, JoinOptions{})
	require.NoError(t, err)

	info, err := c.Leave(ctx, moderator)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, info.State)
	assert.Equal(t, 0, info.Participants)

	waitDone(t, c)
	assert.Equal(t, 0, env.loopback.LiveConnections(), "everyone must be disconnected")
}

func TestConferenceSurvivesUntilLastEndOnExit(t *testing.T) {
	env := newTestEnv(t)
	rec := &hangupRecorder{}
	p := env.params("comoderated")
	p.Hangup = rec.hangup
	c := New(p)
	ctx := context.Background()

	first := sid.New(sid.TypeCall)
	second := sid.New(sid.TypeCall)
	guest := sid.New(sid.TypeCall)
	_, err := c.Join(ctx, first, offerSDP, JoinOptions{StartOnEnter: true, EndOnExit: true})
	require.NoError(t, err)
	_, err = c.Join(ctx, second, offerSDP, JoinOptions{EndOnExit: true})
	require.NoError(t, err)
	_, err = c.Join(ctx, guest, offerSDP, JoinOptions{})
	require.NoError(t, err)

	// One end-on-exit moderator remains, so the room stays up.
	info, err := c.Leave(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, info.State)
	assert.Equal(t, 2, info.Participants)
	assert.Equal(t, 0, rec.count())

	info, err = c.Leave(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, info.State)
	assert.Equal(t, 0, info.Participants)

	waitDone(t, c)
	assert.Equal(t, []sid.Sid{guest}, rec.sids)
	assert.Equal(t, 0, env.loopback.LiveConnections())
}

func TestConferenceTerminateHangsUpParticipants(t *testing.T) {
	env := newTestEnv(t)
	rec := &hangupRecorder{}
	p := env.params("raided")
	p.Hangup = rec.hangup
	c := New(p)
	ctx := context.Background()

	sids := []sid.Sid{sid.New(sid.TypeCall), sid.New(sid.TypeCall), sid.New(sid.TypeCall)}
	for _, s := range sids {
		_, err := c.Join(ctx, s, offerSDP, JoinOptions{StartOnEnter: true})
		require.NoError(t, err)
	}

	info, err := c.Terminate(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, info.State)
	waitDone(t, c)

	assert.Equal(t, len(sids), rec.count(), "every participant must be hung up")
	assert.ElementsMatch(t, sids, rec.sids)
	assert.Equal(t, 0, env.loopback.LiveConnections())

	// A second terminate reaches nobody.
	_, err = c.Terminate(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(sids), rec.count())
}

func TestConferenceLeaveUnknownCall(t *testing.T) {
	env := newTestEnv(t)
	c := env.newConference(t, "empty")
	ctx := context.Background()

	_, err := c.Join(ctx, sid.New(sid.TypeCall), offerSDP, JoinOptions{StartOnEnter: true})
	require.NoError(t, err)

	_, err = c.Leave(ctx, sid.New(sid.TypeCall))
	require.ErrorIs(t, err, ErrNotJoined)

	_, err = c.Terminate(ctx)
	require.NoError(t, err)
	waitDone(t, c)
}

func TestConferenceJoinAfterCompletion(t *testing.T) {
	env := newTestEnv(t)
	c := env.newConference(t, "over")
	ctx := context.Background()

	_, err := c.Terminate(ctx)
	require.NoError(t, err)
	waitDone(t, c)

	_, err = c.Join(ctx, sid.New(sid.TypeCall), offerSDP, JoinOptions{})
	require.ErrorIs(t, err, ErrCompleted)

	// Terminate stays idempotent after completion.
	info, err := c.Terminate(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, info.State)
}

func TestConferenceConcurrentChurn(t *testing.T) {
	env := newTestEnv(t)
	c := env.newConference(t, "busy-room")
	ctx := context.Background()

	const n = 16
	sids := make([]sid.Sid, n)
	for i := range sids {
		sids[i] = sid.New(sid.TypeCall)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Join(ctx, sids[i], offerSDP, JoinOptions{StartOnEnter: true})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	info, err := c.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, info.Participants)
	assert.Equal(t, n, env.loopback.LiveConnections(), "roster and live connections must agree")

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Leave(ctx, sids[i])
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	waitDone(t, c)
	info, err = c.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, info.State)
	assert.Equal(t, 0, info.Participants)
	assert.Equal(t, 0, env.loopback.LiveConnections())
}

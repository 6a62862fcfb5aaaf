package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgallego/callplane/internal/call"
	"github.com/sgallego/callplane/internal/conference"
	"github.com/sgallego/callplane/internal/media"
	"github.com/sgallego/callplane/internal/number"
	"github.com/sgallego/callplane/internal/sid"
)

const offerSDP = "v=0\r\n" +
	"o=alice 2890844526 2890844526 IN IP4 10.0.0.1\r\n" +
	"s=talk\r\n" +
	"c=IN IP4 10.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 0 8 101\r\n" +
	"a=rtpmap:0 pcmu/8000\r\n"

func newTestRegistryCfg(t *testing.T, cfg Config) (*Registry, *number.MemoryStore) {
	t.Helper()
	lb := media.NewLoopback("callplane", "127.0.0.1:2427")
	gw := media.NewGateway(lb)
	require.NoError(t, gw.PowerOn(media.DefaultConfig()))

	numbers := number.NewMemoryStore()
	r := New(cfg, gw, number.NewResolver(numbers), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
		gw.PowerOff()
		lb.Close()
	})
	return r, numbers
}

func newTestRegistry(t *testing.T) (*Registry, *number.MemoryStore) {
	t.Helper()
	return newTestRegistryCfg(t, Config{AskTimeout: 2 * time.Second})
}

func provision(numbers *number.MemoryStore, phone string) *number.IncomingPhoneNumber {
	n := &number.IncomingPhoneNumber{
		Sid:         sid.New(sid.TypePhoneNumber),
		AccountSid:  sid.New(sid.TypeAccount),
		PhoneNumber: phone,
		VoiceURL:    "http://example.org/voice",
		VoiceMethod: "POST",
	}
	numbers.Add(n)
	return n
}

func TestCreateInboundRoutesToProvisionedNumber(t *testing.T) {
	r, numbers := newTestRegistry(t)
	provisioned := provision(numbers, "+14155551212")

	s, matched, err := r.CreateInbound(context.Background(), InboundRequest{
		From: "+16175557777",
		To:   "+14155551212",
	})
	require.NoError(t, err)
	require.NotNil(t, matched)
	assert.Equal(t, provisioned.Sid, matched.Sid)

	info, err := s.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, call.DirectionInbound, info.Direction)
	assert.Equal(t, provisioned.AccountSid, info.AccountSid)
	assert.Equal(t, call.StateQueued, info.State)
}

func TestCreateInboundSIPDestinationUsesUserPart(t *testing.T) {
	r, numbers := newTestRegistry(t)
	provision(numbers, "+14155551212")

	_, matched, err := r.CreateInbound(context.Background(), InboundRequest{
		From: "sip:alice@example.org",
		To:   "sip:+14155551212@callplane.example.org",
	})
	require.NoError(t, err)
	require.NotNil(t, matched)
	assert.Equal(t, "+14155551212", matched.PhoneNumber)
}

func TestCreateInboundNoRouteCreatesNoSession(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, _, err := r.CreateInbound(context.Background(), InboundRequest{
		From: "+16175557777",
		To:   "+19995550000",
	})
	require.ErrorIs(t, err, ErrRoutingNotFound)
	assert.Equal(t, 0, r.ActiveCalls(), "failed routing must not leave a session")
}

func TestCreateInboundInvalidAddress(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, _, err := r.CreateInbound(context.Background(), InboundRequest{
		From: "not a valid address!",
		To:   "+14155551212",
	})
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestLookupBySidAndPath(t *testing.T) {
	r, _ := newTestRegistry(t)
	s, err := r.CreateOutbound(context.Background(), sid.New(sid.TypeAccount), "+16175557777", "+14155551212", 0)
	require.NoError(t, err)

	got, err := r.Lookup(s.Sid().String())
	require.NoError(t, err)
	assert.Equal(t, s, got)

	got, err = r.Lookup("/calls/" + s.Sid().String())
	require.NoError(t, err)
	assert.Equal(t, s, got)

	_, err = r.Lookup(sid.New(sid.TypeCall).String())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestModifyCallConflict(t *testing.T) {
	r, _ := newTestRegistry(t)
	s, err := r.CreateOutbound(context.Background(), sid.New(sid.TypeAccount), "+16175557777", "+14155551212", 0)
	require.NoError(t, err)

	_, err = r.ModifyCall(context.Background(), s.Sid().String(), ModifyRequest{
		URL:    "http://example.org/next",
		Status: "completed",
	})
	require.ErrorIs(t, err, ErrConflict)

	_, err = r.ModifyCall(context.Background(), s.Sid().String(), ModifyRequest{Status: "ringing"})
	require.ErrorIs(t, err, ErrConflict)
}

func TestModifyCallStatusSemantics(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	// Canceled only affects a not-yet-answered call.
	s, err := r.CreateOutbound(ctx, sid.New(sid.TypeAccount), "+16175557777", "+14155551212", 0)
	require.NoError(t, err)
	info, err := r.ModifyCall(ctx, s.Sid().String(), ModifyRequest{Status: "canceled"})
	require.NoError(t, err)
	assert.Equal(t, call.StateCanceled, info.State)

	// On an answered call canceled is a no-op, completed hangs up.
	s, err = r.CreateOutbound(ctx, sid.New(sid.TypeAccount), "+16175557777", "+14155551212", 0)
	require.NoError(t, err)
	_, err = s.Answer(ctx, offerSDP)
	require.NoError(t, err)

	info, err = r.ModifyCall(ctx, s.Sid().String(), ModifyRequest{Status: "canceled"})
	require.NoError(t, err)
	assert.Equal(t, call.StateInProgress, info.State)

	info, err = r.ModifyCall(ctx, s.Sid().String(), ModifyRequest{Status: "completed"})
	require.NoError(t, err)
	assert.Equal(t, call.StateCompleted, info.State)
}

func TestModifyCallMoveLegAloneIsNoOp(t *testing.T) {
	r, _ := newTestRegistry(t)
	s, err := r.CreateOutbound(context.Background(), sid.New(sid.TypeAccount), "+16175557777", "+14155551212", 0)
	require.NoError(t, err)

	info, err := r.ModifyCall(context.Background(), s.Sid().String(), ModifyRequest{MoveConnectedLeg: true})
	require.NoError(t, err)
	assert.Equal(t, call.StateQueued, info.State)
}

// recordingLauncher captures the script references handed to it.
type recordingLauncher struct {
	mu      sync.Mutex
	scripts []call.ScriptRef
}

func (l *recordingLauncher) Launch(ctx context.Context, info call.Info, script call.ScriptRef) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scripts = append(l.scripts, script)
	return nil
}

func TestModifyCallRedirectCarriesScript(t *testing.T) {
	launcher := &recordingLauncher{}
	r, _ := newTestRegistryCfg(t, Config{AskTimeout: 2 * time.Second, Launcher: launcher})
	ctx := context.Background()

	s, err := r.CreateOutbound(ctx, sid.New(sid.TypeAccount), "+16175557777", "+14155551212", 0)
	require.NoError(t, err)
	_, err = s.Answer(ctx, offerSDP)
	require.NoError(t, err)

	_, err = r.ModifyCall(ctx, s.Sid().String(), ModifyRequest{
		URL:              "http://example.org/next",
		Method:           "GET",
		FallbackURL:      "http://example.org/fallback",
		FallbackMethod:   "POST",
		MoveConnectedLeg: true,
	})
	require.NoError(t, err)

	require.Len(t, launcher.scripts, 1)
	got := launcher.scripts[0]
	assert.Equal(t, "http://example.org/next", got.URL)
	assert.Equal(t, "GET", got.Method)
	assert.Equal(t, "http://example.org/fallback", got.FallbackURL)
	assert.Equal(t, "POST", got.FallbackMethod)
	assert.True(t, got.MoveConnectedLeg)
}

func TestCreateOutboundPerCallRingTimeout(t *testing.T) {
	r, _ := newTestRegistryCfg(t, Config{AskTimeout: 2 * time.Second, RingTimeout: time.Hour})
	ctx := context.Background()

	s, err := r.CreateOutbound(ctx, sid.New(sid.TypeAccount), "+16175557777", "+14155551212", 50*time.Millisecond)
	require.NoError(t, err)
	_, err = s.Dial(ctx)
	require.NoError(t, err)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("call did not time out")
	}
	info, err := s.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, call.StateNoAnswer, info.State)
}

func TestTerminatedCallStaysResolvable(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	s, err := r.CreateOutbound(ctx, sid.New(sid.TypeAccount), "+16175557777", "+14155551212", 0)
	require.NoError(t, err)

	_, err = s.Hangup(ctx)
	require.NoError(t, err)
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("call did not terminate")
	}

	got, err := r.Lookup(s.Sid().String())
	require.NoError(t, err, "recently terminated calls must stay resolvable")
	info, err := got.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, call.StateCompleted, info.State)
}

func TestConferenceTerminateHangsUpJoinedCalls(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	account := sid.New(sid.TypeAccount)

	s, err := r.CreateOutbound(ctx, account, "+16175557777", "+14155551212", 0)
	require.NoError(t, err)
	_, err = s.Dial(ctx)
	require.NoError(t, err)
	_, err = s.SignalRemoteAnswer(ctx, offerSDP)
	require.NoError(t, err)

	c := r.GetConference(account, "support")
	_, err = c.Join(ctx, s.Sid(), offerSDP, conference.JoinOptions{StartOnEnter: true})
	require.NoError(t, err)

	info, err := c.Terminate(ctx)
	require.NoError(t, err)
	assert.Equal(t, conference.StateCompleted, info.State)

	callInfo, err := s.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, call.StateCompleted, callInfo.State, "room termination must hang up its calls")
}

func TestGetConferenceFindOrCreate(t *testing.T) {
	r, _ := newTestRegistry(t)
	account := sid.New(sid.TypeAccount)

	a := r.GetConference(account, "standup")
	b := r.GetConference(account, "standup")
	assert.Equal(t, a.Sid(), b.Sid(), "same account and name must share a room")

	other := r.GetConference(sid.New(sid.TypeAccount), "standup")
	assert.NotEqual(t, a.Sid(), other.Sid(), "rooms are scoped per account")

	got, err := r.LookupConference(a.Sid())
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestCompletedConferenceIsReplaced(t *testing.T) {
	r, _ := newTestRegistry(t)
	account := sid.New(sid.TypeAccount)
	ctx := context.Background()

	a := r.GetConference(account, "standup")
	_, err := a.Terminate(ctx)
	require.NoError(t, err)
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("conference did not complete")
	}

	b := r.GetConference(account, "standup")
	assert.NotEqual(t, a.Sid(), b.Sid(), "completed rooms are never revived")

	info, err := b.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, conference.StateStarting, info.State)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		address string
		want    AddressKind
		wantErr bool
	}{
		{"client:alice", AddressClient, false},
		{"client:1234", AddressClient, false},
		{"CLIENT:bob", AddressClient, false},
		{"client:", 0, true},
		{"sip:alice@example.org", AddressSIP, false},
		{"sips:alice@example.org", AddressSIP, false},
		{"alice@example.org", AddressSIP, false},
		{"+14155551212", AddressPSTN, false},
		{"4155551212", AddressPSTN, false},
		{"*98", AddressPSTN, false},
		{"#31#", AddressPSTN, false},
		{"", 0, true},
		{"not a number", 0, true},
		{"+1415+555", 0, true},
	}
	for _, tc := range cases {
		kind, err := Classify(tc.address)
		if tc.wantErr {
			assert.ErrorIs(t, err, ErrInvalidAddress, "%q", tc.address)
			continue
		}
		require.NoError(t, err, "%q", tc.address)
		assert.Equal(t, tc.want, kind, "%q", tc.address)
	}
}

func TestDialedNumber(t *testing.T) {
	assert.Equal(t, "+14155551212", DialedNumber("sip:+14155551212@example.org"))
	assert.Equal(t, "+14155551212", DialedNumber("+14155551212"))
	assert.Equal(t, "alice", DialedNumber("alice@example.org"))
}

func TestClientName(t *testing.T) {
	name, ok := ClientName("client:alice")
	require.True(t, ok)
	assert.Equal(t, "alice", name)

	_, ok = ClientName("+14155551212")
	assert.False(t, ok)
}

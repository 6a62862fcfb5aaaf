package number

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgallego/callplane/internal/sid"
)

func provisioned(numberStr string, org sid.Sid, pureSIP, pattern bool) *IncomingPhoneNumber {
	return &IncomingPhoneNumber{
		Sid:             sid.New(sid.TypePhoneNumber),
		AccountSid:      sid.New(sid.TypeAccount),
		OrganizationSid: org,
		PhoneNumber:     numberStr,
		PureSIP:         pureSIP,
		Pattern:         pattern,
		VoiceURL:        "http://apps.example.com/voice",
		VoiceMethod:     "POST",
	}
}

func TestCandidates(t *testing.T) {
	r := NewResolver(NewMemoryStore())

	cases := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "national number gains E164 and plus variants",
			input: "14155551212",
			want:  []string{"14155551212", "+14155551212"},
		},
		{
			name:  "E164 number normalizes to itself, gains no-plus variant",
			input: "+14155551212",
			want:  []string{"+14155551212", "14155551212"},
		},
		{
			name:  "ten digit number gains country code",
			input: "4155551212",
			want:  []string{"4155551212", "+14155551212", "+4155551212"},
		},
		{
			name:  "star codes skip normalization",
			input: "*69",
			want:  []string{"*69", "+*69"},
		},
		{
			name:  "sip user is passed through",
			input: "alice",
			want:  []string{"alice", "+alice"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, r.Candidates(tc.input))
		})
	}
}

func TestResolveExactMatch(t *testing.T) {
	store := NewMemoryStore()
	store.Add(provisioned("+14155551212", sid.Sid{}, false, false))
	r := NewResolver(store)

	// The caller dials the national form; the E.164 candidate matches.
	found, err := r.Resolve(context.Background(), "14155551212", sid.Sid{}, sid.Sid{})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "+14155551212", found.PhoneNumber)
}

func TestResolveFirstCandidateWins(t *testing.T) {
	store := NewMemoryStore()
	literal := provisioned("14155551212", sid.Sid{}, false, false)
	e164 := provisioned("+14155551212", sid.Sid{}, false, false)
	store.Add(e164)
	store.Add(literal)
	r := NewResolver(store)

	found, err := r.Resolve(context.Background(), "14155551212", sid.Sid{}, sid.Sid{})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Same(t, literal, found)
}

func TestResolveExcludesPureSIPWithoutOrganizations(t *testing.T) {
	org := sid.New(sid.TypeOrganization)
	store := NewMemoryStore()
	store.Add(provisioned("+14155551212", org, true, false))
	r := NewResolver(store)

	// No organization scope on either side: pure-SIP numbers are invisible.
	found, err := r.Resolve(context.Background(), "+14155551212", sid.Sid{}, sid.Sid{})
	require.NoError(t, err)
	assert.Nil(t, found)

	// Same organization on both sides: the number matches.
	found, err = r.Resolve(context.Background(), "+14155551212", org, org)
	require.NoError(t, err)
	require.NotNil(t, found)
}

func TestResolveExcludesPureSIPAcrossOrganizations(t *testing.T) {
	orgA := sid.New(sid.TypeOrganization)
	orgB := sid.New(sid.TypeOrganization)
	store := NewMemoryStore()
	store.Add(provisioned("+14155551212", orgB, true, false))
	store.Add(provisioned("+14155550000", orgB, false, false))
	r := NewResolver(store)

	found, err := r.Resolve(context.Background(), "+14155551212", orgA, orgB)
	require.NoError(t, err)
	assert.Nil(t, found, "pure-SIP number must not match across organizations")

	found, err = r.Resolve(context.Background(), "+14155550000", orgA, orgB)
	require.NoError(t, err)
	require.NotNil(t, found, "carrier-routed number matches across organizations")
}

func TestResolveLongestPatternWins(t *testing.T) {
	org := sid.New(sid.TypeOrganization)
	store := NewMemoryStore()
	short := provisioned("+1*", org, true, true)
	long := provisioned("+1415*", org, true, true)
	store.Add(short)
	store.Add(long)
	r := NewResolver(store)

	found, err := r.Resolve(context.Background(), "+14155551212", org, org)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Same(t, long, found, "longest pattern must be selected")
}

func TestResolvePatternsRequireDestinationOrganization(t *testing.T) {
	org := sid.New(sid.TypeOrganization)
	store := NewMemoryStore()
	store.Add(provisioned("+1415*", org, true, true))
	r := NewResolver(store)

	found, err := r.Resolve(context.Background(), "+14155551212", sid.Sid{}, sid.Sid{})
	require.NoError(t, err)
	assert.Nil(t, found, "patterns are only evaluated with a destination organization")
}

func TestResolvePatternsRequireDialableInput(t *testing.T) {
	org := sid.New(sid.TypeOrganization)
	store := NewMemoryStore()
	store.Add(provisioned(".*", org, true, true))
	r := NewResolver(store)

	found, err := r.Resolve(context.Background(), "alice@example.com", org, org)
	require.NoError(t, err)
	assert.Nil(t, found, "non-dialable input must not reach pattern matching")
}

func TestResolveSkipsUncompilablePattern(t *testing.T) {
	org := sid.New(sid.TypeOrganization)
	store := NewMemoryStore()
	store.Add(provisioned("14[", org, true, true))
	valid := provisioned("141*", org, true, true)
	store.Add(valid)
	r := NewResolver(store)

	found, err := r.Resolve(context.Background(), "14155551212", org, org)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Same(t, valid, found)
}

func TestResolveStarCatchAll(t *testing.T) {
	store := NewMemoryStore()
	catchAll := provisioned("*", sid.Sid{}, false, false)
	store.Add(catchAll)
	r := NewResolver(store)

	found, err := r.Resolve(context.Background(), "+19998887777", sid.Sid{}, sid.Sid{})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Same(t, catchAll, found)
}

func TestResolveNoMatchYieldsNil(t *testing.T) {
	r := NewResolver(NewMemoryStore())

	found, err := r.Resolve(context.Background(), "+19998887777", sid.Sid{}, sid.Sid{})
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestNormalizeE164(t *testing.T) {
	cases := []struct {
		input string
		want  string
		ok    bool
	}{
		{"14155551212", "+14155551212", true},
		{"+14155551212", "+14155551212", true},
		{"4155551212", "+14155551212", true},
		{"(415) 555-1212", "+14155551212", true},
		{"442071838750", "+442071838750", true},
		{"911", "", false},
		{"alice", "", false},
		{"+", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := NormalizeE164(tc.input)
		assert.Equal(t, tc.ok, ok, "input %q", tc.input)
		if tc.ok {
			assert.Equal(t, tc.want, got, "input %q", tc.input)
		}
	}
}

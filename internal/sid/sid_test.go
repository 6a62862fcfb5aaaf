package sid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewShape(t *testing.T) {
	s := New(TypeCall)
	require.Len(t, s.String(), 34)
	assert.Equal(t, TypeCall, s.Type())

	parsed, err := Parse(s.String())
	require.NoError(t, err)
	assert.Equal(t, s, parsed)
}

func TestNewIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		s := New(TypeConference).String()
		require.False(t, seen[s], "duplicate sid %s", s)
		seen[s] = true
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"too short", "CA1234"},
		{"too long", "CA0d6a32f19c714c0f8e4b6c21d7f0a913ff"},
		{"lowercase tag", "ca0d6a32f19c714c0f8e4b6c21d7f0a913"},
		{"digit tag", "C10d6a32f19c714c0f8e4b6c21d7f0a913"},
		{"uppercase body", "CA0D6A32F19C714C0F8E4B6C21D7F0A913"},
		{"non hex body", "CA0d6a32f19c714c0f8e4b6c21d7f0a9zz"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.input)
			assert.Error(t, err)
		})
	}
}

func TestTextRoundTrip(t *testing.T) {
	s := New(TypePhoneNumber)
	b, err := s.MarshalText()
	require.NoError(t, err)

	var decoded Sid
	require.NoError(t, decoded.UnmarshalText(b))
	assert.Equal(t, s, decoded)
}

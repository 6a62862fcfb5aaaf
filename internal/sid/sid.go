// Package sid provides type-prefixed globally unique identifiers.
//
// A Sid is the primary key for every entity in the control plane and the
// correlation token across asynchronous exchanges. Its textual form is a
// 2-character type tag followed by 32 lowercase hex characters, e.g.
// "CA0d6a32f19c714c0f8e4b6c21d7f0a913".
package sid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Type identifies the kind of entity a Sid refers to.
type Type string

const (
	TypeAccount      Type = "AC"
	TypeApplication  Type = "AP"
	TypeCall         Type = "CA"
	TypeConference   Type = "CN"
	TypeNotification Type = "NO"
	TypeOrganization Type = "OR"
	TypePhoneNumber  Type = "PN"
)

// bodyLen is the fixed length of the hex body following the type tag.
const bodyLen = 32

// Sid is an immutable, type-prefixed identifier.
type Sid struct {
	value string
}

// New mints a Sid of the given type. The body is a v4 UUID without dashes.
func New(t Type) Sid {
	u := uuid.New()
	body := strings.ReplaceAll(u.String(), "-", "")
	return Sid{value: string(t) + body}
}

// Parse validates the textual form of a Sid.
func Parse(s string) (Sid, error) {
	if len(s) != 2+bodyLen {
		return Sid{}, fmt.Errorf("sid %q: want %d characters, got %d", s, 2+bodyLen, len(s))
	}
	tag := s[:2]
	if tag != strings.ToUpper(tag) || strings.ContainsAny(tag, "0123456789") {
		return Sid{}, fmt.Errorf("sid %q: invalid type tag %q", s, tag)
	}
	for _, c := range s[2:] {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return Sid{}, fmt.Errorf("sid %q: body is not lowercase hex", s)
		}
	}
	return Sid{value: s}, nil
}

// Type returns the 2-character type tag.
func (s Sid) Type() Type {
	if len(s.value) < 2 {
		return ""
	}
	return Type(s.value[:2])
}

// String returns the textual form.
func (s Sid) String() string { return s.value }

// IsZero reports whether the Sid is the zero value.
func (s Sid) IsZero() bool { return s.value == "" }

// MarshalText implements encoding.TextMarshaler.
func (s Sid) MarshalText() ([]byte, error) { return []byte(s.value), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Sid) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

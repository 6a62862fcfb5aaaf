// Package number resolves dialed addresses against the provisioned-number
// registry. It decides which application handles an inbound call or message.
package number

import (
	"context"
	"strings"

	"github.com/sgallego/callplane/internal/sid"
)

// IncomingPhoneNumber is a provisioned address. PhoneNumber is either a
// literal number or, when Pattern is set, a regex-style pattern used for
// catch-all routing.
type IncomingPhoneNumber struct {
	Sid             sid.Sid
	AccountSid      sid.Sid
	OrganizationSid sid.Sid

	// PhoneNumber is the provisioned address. Literal unless Pattern is set.
	PhoneNumber string

	// Pattern marks the number as a regex-provisioned catch-all.
	Pattern bool

	// PureSIP means the number is not routed through an external carrier.
	// Pure-SIP numbers only match within one organization.
	PureSIP bool

	// Application endpoint invoked when the number matches.
	VoiceURL       string
	VoiceMethod    string
	ApplicationSid sid.Sid
}

// Filter narrows a registry query.
type Filter struct {
	// PhoneNumber requires an exact match on the provisioned address.
	PhoneNumber string

	// OrganizationSid scopes results to one organization when set.
	OrganizationSid sid.Sid

	// ExcludePureSIP drops pure-SIP numbers from the results.
	ExcludePureSIP bool
}

// Store is the provisioned-number registry. Persistence lives behind this
// interface; the in-memory implementation below serves the control plane
// and tests.
type Store interface {
	// FindExact returns literal numbers matching the filter, in
	// provisioning order.
	FindExact(ctx context.Context, f Filter) ([]*IncomingPhoneNumber, error)

	// FindPatterns returns pure-SIP pattern numbers in the given
	// organization, in provisioning order.
	FindPatterns(ctx context.Context, org sid.Sid) ([]*IncomingPhoneNumber, error)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	numbers []*IncomingPhoneNumber
}

// NewMemoryStore creates an empty in-memory registry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Add provisions a number. Not safe for use concurrently with lookups;
// provisioning happens before the registry starts taking calls.
func (m *MemoryStore) Add(n *IncomingPhoneNumber) {
	m.numbers = append(m.numbers, n)
}

// FindExact implements Store.
func (m *MemoryStore) FindExact(ctx context.Context, f Filter) ([]*IncomingPhoneNumber, error) {
	var out []*IncomingPhoneNumber
	for _, n := range m.numbers {
		if n.Pattern {
			continue
		}
		if n.PhoneNumber != f.PhoneNumber {
			continue
		}
		if !f.OrganizationSid.IsZero() && n.OrganizationSid != f.OrganizationSid {
			continue
		}
		if f.ExcludePureSIP && n.PureSIP {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// FindPatterns implements Store.
func (m *MemoryStore) FindPatterns(ctx context.Context, org sid.Sid) ([]*IncomingPhoneNumber, error) {
	var out []*IncomingPhoneNumber
	for _, n := range m.numbers {
		if !n.Pattern || !n.PureSIP {
			continue
		}
		if n.OrganizationSid != org {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// NormalizeE164 formats a plain dialed number into E.164 with a NANP bias,
// the same way inbound numbers are provisioned. Returns false when the
// input cannot be interpreted as a dialable number.
func NormalizeE164(phone string) (string, bool) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.', '(', ')':
			return -1
		}
		return r
	}, phone)

	if strings.HasPrefix(cleaned, "+") {
		if isDigits(cleaned[1:]) && len(cleaned) > 1 {
			return cleaned, true
		}
		return "", false
	}
	if !isDigits(cleaned) || cleaned == "" {
		return "", false
	}
	switch {
	case len(cleaned) == 11 && cleaned[0] == '1':
		return "+" + cleaned, true
	case len(cleaned) == 10:
		return "+1" + cleaned, true
	case len(cleaned) > 11:
		// Already carries a country code.
		return "+" + cleaned, true
	default:
		return "", false
	}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// Package registry owns the live call and conference population: creating
// sessions, routing inbound numbers, looking sessions up, and applying the
// modify-call rules.
package registry

import (
	"errors"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrInvalidAddress indicates an address that is neither a client
	// identity, a SIP URI, nor a dialable number.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrRoutingNotFound indicates no provisioned number matched an
	// inbound destination. No call session is created in that case.
	ErrRoutingNotFound = errors.New("no route for destination")

	// ErrConflict indicates a modify request with contradictory fields.
	ErrConflict = errors.New("conflicting modification")

	// ErrNotFound indicates an unknown call or conference.
	ErrNotFound = errors.New("not found")
)

// CallFailure reports why a call could not be created or modified,
// carrying the address that caused it.
type CallFailure struct {
	Op      string
	Address string
	Err     error
}

// Error returns the error message.
func (e *CallFailure) Error() string {
	return e.Op + " " + e.Address + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *CallFailure) Unwrap() error { return e.Err }

// AddressKind classifies a from or to address.
type AddressKind int

const (
	// AddressClient is a registered application identity ("client:alice").
	AddressClient AddressKind = iota
	// AddressSIP is a SIP or SIPS URI.
	AddressSIP
	// AddressPSTN is a dialable number.
	AddressPSTN
)

// String returns a short name for logs.
func (k AddressKind) String() string {
	switch k {
	case AddressClient:
		return "client"
	case AddressSIP:
		return "sip"
	case AddressPSTN:
		return "pstn"
	default:
		return "unknown"
	}
}

const clientScheme = "client:"

// Classify determines how to reach an address. Client identities win over
// everything: "client:1234" is never treated as a dialable number. SIP
// URIs must parse; addresses that are neither yield ErrInvalidAddress.
func Classify(address string) (AddressKind, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return 0, ErrInvalidAddress
	}

	if strings.HasPrefix(strings.ToLower(address), clientScheme) {
		if len(address) == len(clientScheme) {
			return 0, ErrInvalidAddress
		}
		return AddressClient, nil
	}

	if strings.Contains(address, "@") || hasSIPScheme(address) {
		uriStr := address
		if !hasSIPScheme(uriStr) {
			uriStr = "sip:" + uriStr
		}
		var uri sip.Uri
		if err := sip.ParseUri(uriStr, &uri); err != nil {
			return 0, ErrInvalidAddress
		}
		if uri.Host == "" {
			return 0, ErrInvalidAddress
		}
		return AddressSIP, nil
	}

	if isDialable(address) {
		return AddressPSTN, nil
	}
	return 0, ErrInvalidAddress
}

func hasSIPScheme(address string) bool {
	lower := strings.ToLower(address)
	return strings.HasPrefix(lower, "sip:") || strings.HasPrefix(lower, "sips:")
}

// isDialable accepts digits, DTMF symbols, and a single leading plus.
func isDialable(address string) bool {
	for i, r := range address {
		switch {
		case r >= '0' && r <= '9':
		case r == '*' || r == '#':
		case r == '+' && i == 0:
		default:
			return false
		}
	}
	return true
}

// DialedNumber extracts the number to route on: the address itself for
// dialable numbers, the user part for SIP URIs.
func DialedNumber(address string) string {
	address = strings.TrimSpace(address)
	if strings.Contains(address, "@") || hasSIPScheme(address) {
		uriStr := address
		if !hasSIPScheme(uriStr) {
			uriStr = "sip:" + uriStr
		}
		var uri sip.Uri
		if err := sip.ParseUri(uriStr, &uri); err == nil && uri.User != "" {
			return uri.User
		}
	}
	return address
}

// ClientName extracts the identity from a client address. The second
// return is false when the address is not a client address.
func ClientName(address string) (string, bool) {
	address = strings.TrimSpace(address)
	if !strings.HasPrefix(strings.ToLower(address), clientScheme) {
		return "", false
	}
	name := address[len(clientScheme):]
	if name == "" {
		return "", false
	}
	return name, true
}

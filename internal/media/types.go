// Package media owns the command/response protocol to the external media
// resource manager: endpoint and connection lifecycle, conference bridge
// creation, digit-collection and recording requests, and dead-peer
// detection via timeout.
package media

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrUnavailable indicates the gateway is not powered on, or a command
	// did not receive its response within the dead-peer window. Commands
	// are never retried by this layer.
	ErrUnavailable = errors.New("media gateway unavailable")

	// ErrNegotiationFailed indicates the gateway returned a non-success
	// code for a create or modify command.
	ErrNegotiationFailed = errors.New("media negotiation failed")

	// ErrProtocol indicates the remote session description was malformed
	// or semantically invalid. Callers fall back to error handling rather
	// than retrying renegotiation.
	ErrProtocol = errors.New("invalid session description")
)

// Verb names a command type on the wire.
type Verb string

const (
	VerbCreateConnection    Verb = "CRCX"
	VerbModifyConnection    Verb = "MDCX"
	VerbDeleteConnection    Verb = "DLCX"
	VerbNotificationRequest Verb = "RQNT"
)

// ReturnCode is the gateway's result code for one command.
type ReturnCode int

const (
	// CodeTransactionExecutedNormally is the only success code.
	CodeTransactionExecutedNormally ReturnCode = 200
	// CodeTransientError covers refusals that may clear later.
	CodeTransientError ReturnCode = 400
	// CodeProtocolError flags a malformed or invalid session description.
	CodeProtocolError ReturnCode = 510
)

// Success reports whether the code means the command executed normally.
func (c ReturnCode) Success() bool { return c == CodeTransactionExecutedNormally }

// String returns the numeric form with its conventional name.
func (c ReturnCode) String() string {
	switch c {
	case CodeTransactionExecutedNormally:
		return "200 transaction executed normally"
	case CodeTransientError:
		return "400 transient error"
	case CodeProtocolError:
		return "510 protocol error"
	default:
		return fmt.Sprintf("%d", int(c))
	}
}

// ConnectionMode controls the media flow direction of a connection.
type ConnectionMode string

const (
	ModeSendRecv   ConnectionMode = "sendrecv"
	ModeSendOnly   ConnectionMode = "sendonly"
	ModeRecvOnly   ConnectionMode = "recvonly"
	ModeInactive   ConnectionMode = "inactive"
	ModeConference ConnectionMode = "confrnce"
)

// Kind is an endpoint kind on the media resource manager.
type Kind string

const (
	// KindBridge mixes two parties.
	KindBridge Kind = "bridge"
	// KindConference mixes N parties with floor control.
	KindConference Kind = "cnf"
	// KindIvr collects digits, plays audio, and records.
	KindIvr Kind = "ivr"
	// KindPacketRelay anchors media for NAT traversal.
	KindPacketRelay Kind = "relay"
	// KindLink is a point-to-point trunk between endpoints.
	KindLink Kind = "link"
)

// Signal names a notification-request event package.
type Signal string

const (
	// SignalPlayAudio plays an announcement.
	SignalPlayAudio Signal = "pa"
	// SignalPlayCollect plays a prompt and collects digits.
	SignalPlayCollect Signal = "pc"
	// SignalPlayRecord records the endpoint's audio.
	SignalPlayRecord Signal = "pr"
)

// CreateConnection creates a media transport leg bound to an endpoint.
// Endpoint names ending in the wildcard marker are resolved to a concrete
// pooled name in the response.
type CreateConnection struct {
	TransactionID     uint64         `json:"transaction_id"`
	SessionID         uint64         `json:"session_id"`
	Endpoint          string         `json:"endpoint"`
	SecondEndpoint    string         `json:"second_endpoint,omitempty"`
	Mode              ConnectionMode `json:"mode"`
	RemoteDescription string         `json:"remote_description,omitempty"`
}

// CreateConnectionResponse is the correlated response to CreateConnection.
type CreateConnectionResponse struct {
	TransactionID      uint64     `json:"transaction_id"`
	Code               ReturnCode `json:"code"`
	ConnectionID       string     `json:"connection_id,omitempty"`
	SecondConnectionID string     `json:"second_connection_id,omitempty"`
	Endpoint           string     `json:"endpoint,omitempty"`
	SecondEndpoint     string     `json:"second_endpoint,omitempty"`
	LocalDescription   string     `json:"local_description,omitempty"`
}

// ModifyConnection renegotiates an existing connection.
type ModifyConnection struct {
	TransactionID     uint64         `json:"transaction_id"`
	SessionID         uint64         `json:"session_id"`
	Endpoint          string         `json:"endpoint"`
	ConnectionID      string         `json:"connection_id"`
	Mode              ConnectionMode `json:"mode,omitempty"`
	RemoteDescription string         `json:"remote_description,omitempty"`
}

// ModifyConnectionResponse is the correlated response to ModifyConnection.
type ModifyConnectionResponse struct {
	TransactionID    uint64     `json:"transaction_id"`
	Code             ReturnCode `json:"code"`
	LocalDescription string     `json:"local_description,omitempty"`
}

// DeleteConnection tears down a connection.
type DeleteConnection struct {
	TransactionID uint64 `json:"transaction_id"`
	SessionID     uint64 `json:"session_id"`
	Endpoint      string `json:"endpoint"`
	ConnectionID  string `json:"connection_id"`
}

// DeleteConnectionResponse is the correlated response to DeleteConnection.
type DeleteConnectionResponse struct {
	TransactionID uint64     `json:"transaction_id"`
	Code          ReturnCode `json:"code"`
}

// NotificationRequest asks an endpoint to apply a signal (play, collect,
// record) and report the outcome asynchronously via Notify.
type NotificationRequest struct {
	TransactionID uint64            `json:"transaction_id"`
	SessionID     uint64            `json:"session_id"`
	RequestID     string            `json:"request_id"`
	Endpoint      string            `json:"endpoint"`
	Signal        Signal            `json:"signal"`
	Params        map[string]string `json:"params,omitempty"`
}

// NotificationRequestResponse acknowledges a NotificationRequest.
type NotificationRequestResponse struct {
	TransactionID uint64     `json:"transaction_id"`
	Code          ReturnCode `json:"code"`
}

// Notify is the asynchronous outcome of a notification request, correlated
// by RequestID. Observed carries the raw observed-event parameters, e.g.
// "rc=100 dc=1" for a completed digit collection.
type Notify struct {
	RequestID string   `json:"request_id"`
	Endpoint  string   `json:"endpoint"`
	Observed  []string `json:"observed,omitempty"`
	Digits    string   `json:"digits,omitempty"`
}

// CommandError reports a command the gateway refused.
type CommandError struct {
	Verb     Verb
	Endpoint string
	Code     ReturnCode
	cause    error
}

// Error returns the error message.
func (e *CommandError) Error() string {
	return fmt.Sprintf("%s on %s: %s", e.Verb, e.Endpoint, e.Code)
}

// Unwrap returns the taxonomy sentinel for the return code.
func (e *CommandError) Unwrap() error { return e.cause }

func newCommandError(verb Verb, endpoint string, code ReturnCode, sentinel error) *CommandError {
	return &CommandError{Verb: verb, Endpoint: endpoint, Code: code, cause: sentinel}
}

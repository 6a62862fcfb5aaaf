// Package events publishes call and conference lifecycle events so
// external consumers (billing, dashboards, recordings) can follow the
// control plane without polling it.
package events

import (
	"time"
)

// SubjectRoot prefixes every subject this service publishes on.
const SubjectRoot = "callplane"

// CallEvent is emitted on every call state change. Terminal events carry
// the connect and end timestamps so consumers can derive duration without
// having observed the whole lifecycle.
type CallEvent struct {
	Sid           string    `json:"sid"`
	AccountSid    string    `json:"account_sid,omitempty"`
	State         string    `json:"state"`
	Direction     string    `json:"direction"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	ForwardedFrom string    `json:"forwarded_from,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Created       time.Time `json:"created,omitempty"`
	Connected     time.Time `json:"connected,omitempty"`
	Ended         time.Time `json:"ended,omitempty"`
	LastResponse  int       `json:"last_response,omitempty"`
}

// Subject returns the per-call, per-state subject the event is published
// on, e.g. "callplane.calls.CA....ringing".
func (e CallEvent) Subject() string {
	return SubjectRoot + ".calls." + e.Sid + "." + e.State
}

// ConferenceEvent is emitted on conference state changes and on
// participant churn.
type ConferenceEvent struct {
	Sid          string    `json:"sid"`
	FriendlyName string    `json:"friendly_name,omitempty"`
	State        string    `json:"state"`
	Participants int       `json:"participants"`
	Timestamp    time.Time `json:"timestamp"`
}

// Subject returns the per-conference, per-state subject.
func (e ConferenceEvent) Subject() string {
	return SubjectRoot + ".conferences." + e.Sid + "." + e.State
}

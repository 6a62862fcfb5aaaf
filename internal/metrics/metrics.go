// Package metrics exposes the control plane's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveCalls tracks call sessions that have not reached a terminal state.
	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "callplane",
		Subsystem: "calls",
		Name:      "active",
		Help:      "Number of call sessions currently alive.",
	})

	// CallsByFinalState counts calls by their terminal state.
	CallsByFinalState = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callplane",
		Subsystem: "calls",
		Name:      "final_state_total",
		Help:      "Calls completed, by final state.",
	}, []string{"state"})

	// ActiveConferences tracks running conference rooms.
	ActiveConferences = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "callplane",
		Subsystem: "conferences",
		Name:      "active",
		Help:      "Number of conferences currently running.",
	})

	// ConferenceParticipants tracks joined participants across all conferences.
	ConferenceParticipants = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "callplane",
		Subsystem: "conferences",
		Name:      "participants",
		Help:      "Participants currently joined to a conference bridge.",
	})

	// MediaCommands counts gateway commands by verb and outcome.
	MediaCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callplane",
		Subsystem: "media",
		Name:      "commands_total",
		Help:      "Media gateway commands, by verb and outcome.",
	}, []string{"verb", "outcome"})

	// SessionFaults counts recovered faults inside session message loops.
	SessionFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callplane",
		Subsystem: "calls",
		Name:      "session_faults_total",
		Help:      "Recovered session faults, by supervision outcome.",
	}, []string{"action"})
)

// Outcome labels for MediaCommands.
const (
	OutcomeOK          = "ok"
	OutcomeFailed      = "failed"
	OutcomeUnavailable = "unavailable"
)

package cdr

import (
	"context"
	"log/slog"

	"github.com/sgallego/callplane/internal/call"
	"github.com/sgallego/callplane/internal/events"
)

// Recorder wraps an event publisher and writes a CDR for every terminal
// call event flowing through it. Non-call and non-terminal events pass
// through untouched.
type Recorder struct {
	next events.Publisher
	repo Repository
	log  *slog.Logger
}

// NewRecorder decorates the publisher with CDR generation.
func NewRecorder(next events.Publisher, repo Repository) *Recorder {
	if next == nil {
		next = events.NewNoopPublisher()
	}
	return &Recorder{next: next, repo: repo, log: slog.Default()}
}

func (r *Recorder) Publish(ctx context.Context, ev events.Event) error {
	if ce, ok := ev.(events.CallEvent); ok && call.State(ce.State).IsTerminal() {
		rec := &CDR{
			CallSid:      ce.Sid,
			AccountSid:   ce.AccountSid,
			From:         ce.From,
			To:           ce.To,
			Direction:    ce.Direction,
			StartTime:    ce.Created,
			AnswerTime:   ce.Connected,
			EndTime:      ce.Ended,
			Disposition:  ce.State,
			LastResponse: ce.LastResponse,
		}
		if !ce.Created.IsZero() && !ce.Ended.IsZero() {
			rec.Duration = int(ce.Ended.Sub(ce.Created).Seconds())
		}
		if !ce.Connected.IsZero() && !ce.Ended.IsZero() {
			rec.BillDuration = int(ce.Ended.Sub(ce.Connected).Seconds())
		}
		if err := r.repo.Create(ctx, rec); err != nil {
			r.log.Warn("[CDR] Record failed", "call", ce.Sid, "error", err)
		}
	}
	return r.next.Publish(ctx, ev)
}

func (r *Recorder) Close() error { return r.next.Close() }

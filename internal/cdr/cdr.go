// Package cdr records call detail records for billing and analytics,
// derived from terminal call events.
package cdr

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound indicates an unknown record.
var ErrNotFound = errors.New("cdr not found")

// CDR is one finished call.
type CDR struct {
	CallSid      string    `json:"call_sid"`
	AccountSid   string    `json:"account_sid,omitempty"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Direction    string    `json:"direction"`
	StartTime    time.Time `json:"start_time"`
	AnswerTime   time.Time `json:"answer_time,omitempty"`
	EndTime      time.Time `json:"end_time"`
	Duration     int       `json:"duration"`      // Total duration in seconds
	BillDuration int       `json:"bill_duration"` // Billable duration (post-answer)
	Disposition  string    `json:"disposition"`   // Final call state
	LastResponse int       `json:"last_response,omitempty"`
}

// Filter narrows a query. Zero fields match everything.
type Filter struct {
	AccountSid  string
	Direction   string
	Disposition string
	StartAfter  time.Time
	StartBefore time.Time
	Limit       int
}

// Repository stores call detail records. The in-memory implementation
// serves single-node deployments and tests; SQL-backed ones can replace
// it behind the same interface.
type Repository interface {
	// Create stores a new record.
	Create(ctx context.Context, rec *CDR) error

	// Get retrieves a record by call identifier.
	Get(ctx context.Context, callSid string) (*CDR, error)

	// Query returns records matching the filter, newest first.
	Query(ctx context.Context, f Filter) ([]*CDR, error)

	// Count returns the number of records matching the filter.
	Count(ctx context.Context, f Filter) (int, error)
}

// MemoryRepository is an in-memory Repository.
type MemoryRepository struct {
	mu      sync.RWMutex
	byCall  map[string]*CDR
	ordered []*CDR
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byCall: make(map[string]*CDR)}
}

func (m *MemoryRepository) Create(ctx context.Context, rec *CDR) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	if prev, ok := m.byCall[cp.CallSid]; ok {
		*prev = cp
		return nil
	}
	m.byCall[cp.CallSid] = &cp
	m.ordered = append(m.ordered, &cp)
	return nil
}

func (m *MemoryRepository) Get(ctx context.Context, callSid string) (*CDR, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byCall[callSid]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryRepository) Query(ctx context.Context, f Filter) ([]*CDR, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*CDR
	for i := len(m.ordered) - 1; i >= 0; i-- {
		rec := m.ordered[i]
		if !matches(rec, f) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryRepository) Count(ctx context.Context, f Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rec := range m.ordered {
		if matches(rec, f) {
			n++
		}
	}
	return n, nil
}

func matches(rec *CDR, f Filter) bool {
	if f.AccountSid != "" && rec.AccountSid != f.AccountSid {
		return false
	}
	if f.Direction != "" && rec.Direction != f.Direction {
		return false
	}
	if f.Disposition != "" && rec.Disposition != f.Disposition {
		return false
	}
	if !f.StartAfter.IsZero() && rec.StartTime.Before(f.StartAfter) {
		return false
	}
	if !f.StartBefore.IsZero() && rec.StartTime.After(f.StartBefore) {
		return false
	}
	return true
}

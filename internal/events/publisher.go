package events

import (
	"context"
	"log/slog"
	"sync"
)

// Event is anything publishable on the event bus.
type Event interface {
	Subject() string
}

// Publisher delivers lifecycle events. Implementations may be no-op,
// logging, in-memory for tests, or NATS for production.
type Publisher interface {
	// Publish sends one event. It returns an error only for transport
	// failures; sessions log and continue, never fail a call over it.
	Publish(ctx context.Context, ev Event) error

	// Close releases resources.
	Close() error
}

// NoopPublisher discards all events. Used when no broker is configured.
type NoopPublisher struct{}

// NewNoopPublisher creates a publisher that silently discards events.
func NewNoopPublisher() *NoopPublisher { return &NoopPublisher{} }

func (p *NoopPublisher) Publish(ctx context.Context, ev Event) error { return nil }

func (p *NoopPublisher) Close() error { return nil }

// LoggingPublisher logs events at debug level. Useful in development.
type LoggingPublisher struct {
	logger *slog.Logger
}

// NewLoggingPublisher creates a publisher that logs each event.
func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) Publish(ctx context.Context, ev Event) error {
	p.logger.Debug("[Events] Published", "subject", ev.Subject())
	return nil
}

func (p *LoggingPublisher) Close() error { return nil }

// ChannelPublisher publishes to an in-memory channel. Tests and local
// consumers (CDR generation) read from Events(). Events are dropped when
// the buffer is full.
type ChannelPublisher struct {
	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped int64
}

// NewChannelPublisher creates a publisher backed by a buffered channel.
func NewChannelPublisher(bufferSize int) *ChannelPublisher {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelPublisher{ch: make(chan Event, bufferSize)}
}

func (p *ChannelPublisher) Publish(ctx context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	select {
	case p.ch <- ev:
	default:
		p.dropped++
		slog.Warn("[Events] Dropped, buffer full", "subject", ev.Subject())
	}
	return nil
}

func (p *ChannelPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	return nil
}

// Events returns the channel for consuming published events.
func (p *ChannelPublisher) Events() <-chan Event { return p.ch }

// Dropped returns how many events were discarded on a full buffer.
func (p *ChannelPublisher) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

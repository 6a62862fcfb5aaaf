package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestCallEventSubjectNaming(t *testing.T) {
	ev := CallEvent{Sid: "CA123", State: "ringing"}

	expected := "callplane.calls.CA123.ringing"
	if got := ev.Subject(); got != expected {
		t.Errorf("Subject() = %q, want %q", got, expected)
	}
}

func TestConferenceEventSubjectNaming(t *testing.T) {
	ev := ConferenceEvent{Sid: "CN456", State: "running"}

	expected := "callplane.conferences.CN456.running"
	if got := ev.Subject(); got != expected {
		t.Errorf("Subject() = %q, want %q", got, expected)
	}
}

func TestCallEventJSON(t *testing.T) {
	ev := CallEvent{
		Sid:       "CA123",
		State:     "completed",
		Direction: "inbound",
		From:      "+16175557777",
		To:        "+14155551212",
		Timestamp: time.Now(),
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}

	checks := map[string]string{
		"sid":       "CA123",
		"state":     "completed",
		"direction": "inbound",
		"from":      "+16175557777",
		"to":        "+14155551212",
	}
	for key, want := range checks {
		if got, ok := m[key].(string); !ok || got != want {
			t.Errorf("field %q = %v, want %q", key, m[key], want)
		}
	}
}

func TestChannelPublisherDelivers(t *testing.T) {
	p := NewChannelPublisher(2)
	defer p.Close()

	ev := CallEvent{Sid: "CA1", State: "queued"}
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-p.Events():
		if got.Subject() != ev.Subject() {
			t.Errorf("got subject %q, want %q", got.Subject(), ev.Subject())
		}
	default:
		t.Fatal("no event delivered")
	}
}

func TestChannelPublisherDropsWhenFull(t *testing.T) {
	p := NewChannelPublisher(1)
	defer p.Close()

	ctx := context.Background()
	_ = p.Publish(ctx, CallEvent{Sid: "CA1", State: "queued"})
	_ = p.Publish(ctx, CallEvent{Sid: "CA2", State: "queued"})

	if got := p.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}

func TestChannelPublisherPublishAfterClose(t *testing.T) {
	p := NewChannelPublisher(1)
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Publish(context.Background(), CallEvent{Sid: "CA1"}); err != nil {
		t.Errorf("Publish after close should be a no-op, got %v", err)
	}
}

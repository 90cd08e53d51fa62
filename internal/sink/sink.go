package sink

import (
	"context"
	"errors"
	"sync"
)

// Sink receives events produced while handling a conversation.
type Sink interface {
	Write(ctx context.Context, e Event) error
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, e Event) error

// Write calls f.
func (f Func) Write(ctx context.Context, e Event) error { return f(ctx, e) }

// Emit validates e and writes it to s. A nil sink drops the event.
func Emit(ctx context.Context, s Sink, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if s == nil {
		return nil
	}
	return s.Write(ctx, e)
}

// Discard drops every event.
var Discard Sink = Func(func(context.Context, Event) error { return nil })

// Buffer collects events in memory in write order. Safe for concurrent use.
type Buffer struct {
	mu     sync.Mutex
	events []Event
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Write appends e.
func (b *Buffer) Write(_ context.Context, e Event) error {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
	return nil
}

// Events returns a copy of the collected events.
func (b *Buffer) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.events...)
}

// OfKind returns the collected events of one kind.
func (b *Buffer) OfKind(kind Kind) []Event {
	var out []Event
	for _, e := range b.Events() {
		if e.Kind() == kind {
			out = append(out, e)
		}
	}
	return out
}

// Envelopes returns the collected events in wire form.
func (b *Buffer) Envelopes() ([]Envelope, error) {
	events := b.Events()
	out := make([]Envelope, 0, len(events))
	for _, e := range events {
		env, err := Wrap(e)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

// Multi writes every event to all sinks, in order, and joins their errors.
type Multi []Sink

// Write fans e out.
func (m Multi) Write(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Serialized guards a sink that is not safe for concurrent writers. Events from
// concurrent producers are delivered one at a time in arrival order.
type Serialized struct {
	mu   sync.Mutex
	next Sink
}

// NewSerialized wraps next.
func NewSerialized(next Sink) *Serialized {
	return &Serialized{next: next}
}

// Write forwards e while holding the lock.
func (s *Serialized) Write(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next == nil {
		return nil
	}
	return s.next.Write(ctx, e)
}

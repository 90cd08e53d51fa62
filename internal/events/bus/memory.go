package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/blissfulldev/devops-ai-sub001/internal/common/logger"
)

// MemoryEventBus implements EventBus in process. Every subscription has its own queue
// and goroutine, so a slow subscriber never blocks Publish or other subscribers.
type MemoryEventBus struct {
	subs    map[*memorySubscription]struct{}
	mu      sync.RWMutex
	running sync.WaitGroup
	logger  *logger.Logger
	closed  bool
}

type delivery struct {
	ctx     context.Context
	subject string
	event   *Event
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern subjectPattern
	handler EventHandler

	mu      sync.Mutex
	queue   []delivery
	stopped bool
	wake    chan struct{}
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs:   make(map[*memorySubscription]struct{}),
		logger: log.WithFields(zap.String("component", "memory-bus")),
	}
}

// Publish queues event for every matching subscription.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	matched := 0
	for sub := range b.subs {
		if sub.pattern.Match(subject) && sub.enqueue(delivery{ctx: context.WithoutCancel(ctx), subject: subject, event: event}) {
			matched++
		}
	}
	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.Int("subscribers", matched))
	return nil
}

// Subscribe starts delivering events whose subject matches subject.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: parsePattern(subject),
		handler: handler,
		wake:    make(chan struct{}, 1),
	}
	b.subs[sub] = struct{}{}
	b.running.Add(1)
	go sub.run()

	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// Close stops accepting events, delivers what is already queued and waits for the
// subscriptions to finish.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.stop(false)
	}
	b.subs = make(map[*memorySubscription]struct{})
	b.mu.Unlock()

	b.running.Wait()
	b.logger.Info("Memory event bus closed")
}

// IsConnected reports whether the bus is still open.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Unsubscribe stops delivery. Events still queued are dropped.
func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.stop(true)
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped
}

func (s *memorySubscription) enqueue(d delivery) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, d)
	s.mu.Unlock()
	s.signal()
	return true
}

func (s *memorySubscription) stop(drop bool) {
	s.mu.Lock()
	s.stopped = true
	if drop {
		s.queue = nil
	}
	s.mu.Unlock()
	s.signal()
}

func (s *memorySubscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next blocks until events are queued or the subscription stops. It returns false once
// nothing more will arrive.
func (s *memorySubscription) next() ([]delivery, bool) {
	for {
		s.mu.Lock()
		batch, stopped := s.queue, s.stopped
		s.queue = nil
		s.mu.Unlock()
		if len(batch) > 0 || stopped {
			return batch, !stopped
		}
		<-s.wake
	}
}

func (s *memorySubscription) run() {
	defer s.bus.running.Done()
	for {
		batch, open := s.next()
		for _, d := range batch {
			if err := s.handler(d.ctx, d.event); err != nil {
				s.bus.logger.Warn("Event handler error",
					zap.String("subject", d.subject),
					zap.String("subscription", s.subject),
					zap.Error(err))
			}
		}
		if !open {
			return
		}
	}
}

package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blissfulldev/devops-ai-sub001/internal/common/logger"
)

// UpdateFunc transforms a conversation state. It receives a private copy; returning an
// error discards every change it made.
type UpdateFunc func(state *State) error

// slot holds one conversation's committed state and the tail of its update queue.
type slot struct {
	mu      sync.Mutex
	tail    chan struct{} // closed when the most recently queued update finishes
	waiters int           // updates holding or waiting for a turn
	state   State
	deleted bool
}

// Store keeps conversation state in memory and serializes mutations per conversation id.
// Updates on the same id run one at a time in arrival order; updates on different ids
// never wait on each other.
type Store struct {
	mu     sync.Mutex
	slots  map[string]*slot
	logger *logger.Logger
	now    func() time.Time
}

// NewStore creates an empty store.
func NewStore(log *logger.Logger) *Store {
	return &Store{
		slots:  make(map[string]*slot),
		logger: log.WithFields(zap.String("component", "conversation-store")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) slot(conversationID string) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[conversationID]
	if !ok {
		sl = &slot{state: NewState(conversationID)}
		s.slots[conversationID] = sl
	}
	return sl
}

// Get returns the latest committed state, creating the default state on first reference.
func (s *Store) Get(conversationID string) State {
	sl := s.slot(conversationID)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.state.Clone()
}

// Update applies fn to the current state and commits the result atomically.
// It returns the committed state.
func (s *Store) Update(ctx context.Context, conversationID string, fn UpdateFunc) (State, error) {
	for {
		sl := s.slot(conversationID)
		release, err := s.acquire(ctx, sl)
		if err != nil {
			return State{}, err
		}

		sl.mu.Lock()
		deleted := sl.deleted
		working := sl.state.Clone()
		sl.mu.Unlock()
		if deleted {
			// The conversation was torn down while we queued; start over on a fresh slot.
			release()
			continue
		}

		committed, err := s.apply(sl, working, fn)
		release()
		return committed, err
	}
}

func (s *Store) apply(sl *slot, working State, fn UpdateFunc) (State, error) {
	if err := fn(&working); err != nil {
		return State{}, err
	}
	working.UpdatedAt = s.now()

	sl.mu.Lock()
	sl.state = working
	sl.mu.Unlock()
	return working.Clone(), nil
}

// acquire waits for every update queued before this one on sl. The returned release
// must be called exactly once.
func (s *Store) acquire(ctx context.Context, sl *slot) (func(), error) {
	done := make(chan struct{})

	sl.mu.Lock()
	prev := sl.tail
	sl.tail = done
	sl.waiters++
	sl.mu.Unlock()

	leave := func() {
		sl.mu.Lock()
		sl.waiters--
		sl.mu.Unlock()
	}

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			leave()
			// Keep the queue intact: our turn is handed to the next waiter once prev ends.
			go func() {
				<-prev
				close(done)
			}()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			leave()
			close(done)
		})
	}, nil
}

// Clear resets a conversation to its default state.
func (s *Store) Clear(ctx context.Context, conversationID string) error {
	_, err := s.Update(ctx, conversationID, func(state *State) error {
		*state = NewState(conversationID)
		return nil
	})
	if err == nil {
		s.logger.Debug("conversation cleared", zap.String("conversation_id", conversationID))
	}
	return err
}

// Delete tears a conversation down. The id is forgotten once no other update is queued
// behind the deletion.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	sl := s.slot(conversationID)
	release, err := s.acquire(ctx, sl)
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()
	sl.mu.Lock()
	defer sl.mu.Unlock()

	sl.state = NewState(conversationID)
	if current, ok := s.slots[conversationID]; ok && current == sl {
		delete(s.slots, conversationID)
	}
	sl.deleted = true

	s.logger.Debug("conversation deleted", zap.String("conversation_id", conversationID))
	return nil
}

// Snapshot returns the committed state of an existing conversation without creating one.
func (s *Store) Snapshot(conversationID string) (State, bool) {
	s.mu.Lock()
	sl, ok := s.slots[conversationID]
	s.mu.Unlock()
	if !ok {
		return State{}, false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.state.Clone(), true
}

// Restore replaces a conversation's state with a previously taken snapshot.
func (s *Store) Restore(ctx context.Context, conversationID string, snapshot State) error {
	_, err := s.Update(ctx, conversationID, func(state *State) error {
		restored := snapshot.Clone()
		restored.normalize()
		restored.ConversationID = conversationID
		*state = restored
		return nil
	})
	return err
}

// IDs lists the conversations currently held, sorted.
func (s *Store) IDs() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.slots))
	for id := range s.slots {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

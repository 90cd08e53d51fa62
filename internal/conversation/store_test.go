package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blissfulldev/devops-ai-sub001/internal/common/logger"
)

func newTestStore() *Store {
	return NewStore(logger.NewNop())
}

func TestStore_GetCreatesDefaultState(t *testing.T) {
	store := newTestStore()

	state := store.Get("conv-1")

	assert.Equal(t, "conv-1", state.ConversationID)
	assert.Empty(t, state.PendingClarifications)
	assert.False(t, state.IsWaitingForClarification())
	assert.Nil(t, state.Preferences)
	assert.Equal(t, []string{"conv-1"}, store.IDs())
}

func TestStore_UpdateCommitsAndReturnsState(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	committed, err := store.Update(ctx, "conv-1", func(s *State) error {
		s.PendingClarifications["req-1"] = EnrichedQuestion{
			ClarificationRequest: ClarificationRequest{ID: "req-1", Question: "What AWS region?"},
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, committed.IsWaitingForClarification())

	state := store.Get("conv-1")
	assert.Len(t, state.PendingClarifications, 1)
}

func TestStore_UpdateErrorDiscardsChanges(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	_, err := store.Update(ctx, "conv-1", func(s *State) error {
		s.WorkflowPhase = "planning"
		return nil
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = store.Update(ctx, "conv-1", func(s *State) error {
		s.WorkflowPhase = "design"
		s.PendingClarifications["req-1"] = EnrichedQuestion{}
		s.Log(TransitionLogEntry{Type: TransitionAgent})
		return boom
	})
	require.ErrorIs(t, err, boom)

	state := store.Get("conv-1")
	assert.Equal(t, "planning", state.WorkflowPhase)
	assert.Empty(t, state.PendingClarifications)
	assert.Empty(t, state.StateTransitionLog)
}

func TestStore_GetReturnsPrivateCopy(t *testing.T) {
	store := newTestStore()

	state := store.Get("conv-1")
	state.PendingClarifications["req-1"] = EnrichedQuestion{}
	state.WorkflowSteps = append(state.WorkflowSteps, WorkflowStep{ID: "s1"})

	fresh := store.Get("conv-1")
	assert.Empty(t, fresh.PendingClarifications)
	assert.Empty(t, fresh.WorkflowSteps)
}

func TestStore_ConcurrentUpdatesAreSerialized(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Update(ctx, "conv-1", func(s *State) error {
				id := fmt.Sprintf("req-%d", i)
				s.PendingClarifications[id] = EnrichedQuestion{ClarificationRequest: ClarificationRequest{ID: id}}
				s.PerformanceMetrics.QuestionsAsked++
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	state := store.Get("conv-1")
	assert.Len(t, state.PendingClarifications, writers)
	assert.Equal(t, writers, state.PerformanceMetrics.QuestionsAsked)
}

func TestStore_UpdatesApplyInArrivalOrder(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	started := make(chan struct{})
	unblock := make(chan struct{})
	go func() {
		_, _ = store.Update(ctx, "conv-1", func(s *State) error {
			close(started)
			<-unblock
			s.Log(TransitionLogEntry{Type: TransitionAgent, Reason: "first"})
			return nil
		})
	}()
	<-started

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		reason := fmt.Sprintf("queued-%d", i)
		go func() {
			defer wg.Done()
			_, _ = store.Update(ctx, "conv-1", func(s *State) error {
				s.Log(TransitionLogEntry{Type: TransitionAgent, Reason: reason})
				return nil
			})
		}()
		// Let each writer join the queue before the next one arrives.
		require.Eventually(t, func() bool { return queueLength(store, "conv-1") == i+2 }, time.Second, time.Millisecond)
	}
	close(unblock)
	wg.Wait()

	state := store.Get("conv-1")
	require.Len(t, state.StateTransitionLog, 6)
	assert.Equal(t, "first", state.StateTransitionLog[0].Reason)
	for i := 0; i < 5; i++ {
		assert.Equal(t, fmt.Sprintf("queued-%d", i), state.StateTransitionLog[i+1].Reason)
	}
}

func TestStore_DifferentConversationsDoNotBlockEachOther(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	started := make(chan struct{})
	unblock := make(chan struct{})
	go func() {
		_, _ = store.Update(ctx, "slow", func(s *State) error {
			close(started)
			<-unblock
			return nil
		})
	}()
	<-started
	defer close(unblock)

	done := make(chan struct{})
	go func() {
		_, err := store.Update(ctx, "fast", func(s *State) error {
			s.WorkflowPhase = "planning"
			return nil
		})
		assert.NoError(t, err)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("update on another conversation was blocked")
	}
}

func TestStore_CancelledWaiterKeepsQueueIntact(t *testing.T) {
	store := newTestStore()

	started := make(chan struct{})
	unblock := make(chan struct{})
	go func() {
		_, _ = store.Update(context.Background(), "conv-1", func(s *State) error {
			close(started)
			<-unblock
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := store.Update(ctx, "conv-1", func(s *State) error {
		t.Fatal("cancelled update must not run")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	close(unblock)
	_, err = store.Update(context.Background(), "conv-1", func(s *State) error {
		s.WorkflowPhase = "design"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "design", store.Get("conv-1").WorkflowPhase)
}

func TestStore_ClearResetsState(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	_, err := store.Update(ctx, "conv-1", func(s *State) error {
		s.WorkflowPhase = "design"
		s.PendingClarifications["req-1"] = EnrichedQuestion{}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, store.Clear(ctx, "conv-1"))

	state := store.Get("conv-1")
	assert.Empty(t, state.WorkflowPhase)
	assert.Empty(t, state.PendingClarifications)
}

func TestStore_DeleteForgetsConversation(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	_, err := store.Update(ctx, "conv-1", func(s *State) error {
		s.WorkflowPhase = "design"
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "conv-1"))
	_, ok := store.Snapshot("conv-1")
	assert.False(t, ok)

	// A later update starts from the default state.
	state, err := store.Update(ctx, "conv-1", func(s *State) error { return nil })
	require.NoError(t, err)
	assert.Empty(t, state.WorkflowPhase)
}

func TestStore_SnapshotAndRestore(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	prefs := DefaultPreferences()
	prefs.VerbosityLevel = VerbosityDetailed
	_, err := store.Update(ctx, "conv-1", func(s *State) error {
		s.WorkflowPhase = "implementation"
		s.Preferences = &prefs
		return nil
	})
	require.NoError(t, err)

	snap, ok := store.Snapshot("conv-1")
	require.True(t, ok)

	other := newTestStore()
	require.NoError(t, other.Restore(ctx, "conv-1", snap))

	restored := other.Get("conv-1")
	assert.Equal(t, "implementation", restored.WorkflowPhase)
	require.NotNil(t, restored.Preferences)
	assert.Equal(t, VerbosityDetailed, restored.Preferences.VerbosityLevel)
}

func TestStore_RestoreNormalizesNilMaps(t *testing.T) {
	store := newTestStore()

	require.NoError(t, store.Restore(context.Background(), "conv-1", State{WorkflowPhase: "design"}))

	state := store.Get("conv-1")
	assert.Equal(t, "conv-1", state.ConversationID)
	assert.NotNil(t, state.PendingClarifications)
	assert.NotNil(t, state.QuestionHistory)
}

func TestLookupPending(t *testing.T) {
	state := NewState("conv-1")
	state.PendingClarifications["pending"] = EnrichedQuestion{ClarificationRequest: ClarificationRequest{ID: "pending"}}
	state.ClearedRequests["cleared"] = time.Now()
	state.QuestionHistory["fp"] = QuestionHistoryEntry{
		RequestID: "answered",
		Answer:    &ClarificationResponse{RequestID: "answered", Answer: "yes"},
	}

	_, err := LookupPending(state, "op", "pending")
	assert.NoError(t, err)

	_, err = LookupPending(state, "op", "cleared")
	assert.ErrorIs(t, err, ErrStaleRequest)

	_, err = LookupPending(state, "op", "answered")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = LookupPending(state, "op", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	var detailed *Error
	require.ErrorAs(t, err, &detailed)
	assert.Equal(t, "missing", detailed.ID)
	assert.Equal(t, "conv-1", detailed.ConversationID)
}

func TestStepStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to StepStatus
		want     bool
	}{
		{StepPending, StepActive, true},
		{StepPending, StepSkipped, true},
		{StepActive, StepCompleted, true},
		{StepActive, StepFailed, true},
		{StepActive, StepSkipped, true},
		{StepCompleted, StepActive, false},
		{StepSkipped, StepActive, false},
		{StepFailed, StepActive, false},
		{StepPending, StepCompleted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestPerformanceMetrics_RecordResponse(t *testing.T) {
	var m PerformanceMetrics
	m.RecordResponse(10 * time.Second)
	m.RecordResponse(20 * time.Second)

	assert.Equal(t, 2, m.ResponsesRecorded)
	assert.Equal(t, 15*time.Second, m.AverageResponseTime)
}

// queueLength counts updates waiting on or holding a conversation's queue. Test-only.
func queueLength(s *Store, conversationID string) int {
	s.mu.Lock()
	sl, ok := s.slots[conversationID]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.waiters
}

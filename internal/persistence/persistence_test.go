package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blissfulldev/devops-ai-sub001/internal/common/config"
	"github.com/blissfulldev/devops-ai-sub001/internal/common/logger"
	"github.com/blissfulldev/devops-ai-sub001/internal/conversation"
)

func repositories(t *testing.T) map[string]Repository {
	t.Helper()
	dir := t.TempDir()

	files, err := NewFileRepository(filepath.Join(dir, "snapshots"))
	require.NoError(t, err)

	db, err := OpenSQLite(context.Background(), filepath.Join(dir, "nested", "hitl.db"))
	require.NoError(t, err)
	sqlite, err := NewSQLRepository(context.Background(), db)
	require.NoError(t, err)

	repos := map[string]Repository{"file": files, "sqlite": sqlite}
	t.Cleanup(func() {
		for _, r := range repos {
			_ = r.Close()
		}
	})
	return repos
}

func sampleState(id string) conversation.State {
	s := conversation.NewState(id)
	s.CurrentAgent = "core_agent"
	s.WorkflowPhase = "planning"
	s.PendingClarifications["req-1"] = conversation.EnrichedQuestion{
		ClarificationRequest: conversation.ClarificationRequest{
			ID:        "req-1",
			AgentName: "core_agent",
			Question:  "What AWS region?",
			Priority:  conversation.PriorityHigh,
			Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		Fingerprint: "fp",
		Examples:    []string{"us-east-1"},
	}
	return s
}

func TestRepositories(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := repo.Load(ctx, "missing")
			assert.ErrorIs(t, err, conversation.ErrNotFound)

			state := sampleState("team/conv 1")
			require.NoError(t, repo.Save(ctx, state))
			require.NoError(t, repo.Save(ctx, sampleState("b")))

			loaded, err := repo.Load(ctx, "team/conv 1")
			require.NoError(t, err)
			assert.Equal(t, "core_agent", loaded.CurrentAgent)
			assert.Equal(t, state.PendingClarifications["req-1"].Question, loaded.PendingClarifications["req-1"].Question)
			assert.True(t, state.PendingClarifications["req-1"].Timestamp.Equal(loaded.PendingClarifications["req-1"].Timestamp))

			state.CurrentAgent = "planning_agent"
			require.NoError(t, repo.Save(ctx, state))
			loaded, err = repo.Load(ctx, "team/conv 1")
			require.NoError(t, err)
			assert.Equal(t, "planning_agent", loaded.CurrentAgent)

			ids, err := repo.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"b", "team/conv 1"}, ids)

			require.NoError(t, repo.Delete(ctx, "b"))
			require.NoError(t, repo.Delete(ctx, "b"))
			ids, err = repo.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"team/conv 1"}, ids)
		})
	}
}

func TestSnapshotter_SaveAndRehydrate(t *testing.T) {
	ctx := context.Background()
	repo, err := NewFileRepository(t.TempDir())
	require.NoError(t, err)

	store := conversation.NewStore(logger.NewNop())
	_, err = store.Update(ctx, "c1", func(s *conversation.State) error {
		s.CurrentAgent = "core_agent"
		return nil
	})
	require.NoError(t, err)
	_, err = store.Update(ctx, "c2", func(s *conversation.State) error { return nil })
	require.NoError(t, err)

	snap := NewSnapshotter(store, repo, logger.NewNop())
	require.NoError(t, snap.SaveAll(ctx))
	ids, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, ids)

	require.NoError(t, store.Delete(ctx, "c2"))
	require.NoError(t, snap.SaveAll(ctx))
	ids, err = repo.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ids)

	fresh := conversation.NewStore(logger.NewNop())
	n, err := NewSnapshotter(fresh, repo, logger.NewNop()).Rehydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	restored, ok := fresh.Snapshot("c1")
	require.True(t, ok)
	assert.Equal(t, "core_agent", restored.CurrentAgent)
}

type countingRepo struct {
	Repository
	saves int
}

func (r *countingRepo) Save(ctx context.Context, s conversation.State) error {
	r.saves++
	return r.Repository.Save(ctx, s)
}

func TestSnapshotter_SkipsUnchanged(t *testing.T) {
	ctx := context.Background()
	files, err := NewFileRepository(t.TempDir())
	require.NoError(t, err)
	repo := &countingRepo{Repository: files}

	store := conversation.NewStore(logger.NewNop())
	_, err = store.Update(ctx, "c1", func(s *conversation.State) error { return nil })
	require.NoError(t, err)

	snap := NewSnapshotter(store, repo, logger.NewNop())
	require.NoError(t, snap.SaveAll(ctx))
	require.NoError(t, snap.SaveAll(ctx))
	assert.Equal(t, 1, repo.saves)

	time.Sleep(time.Millisecond)
	_, err = store.Update(ctx, "c1", func(s *conversation.State) error {
		s.CurrentAgent = "planning_agent"
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, snap.SaveAll(ctx))
	assert.Equal(t, 2, repo.saves)
}

func TestSnapshotter_RunSavesOnShutdown(t *testing.T) {
	repo, err := NewFileRepository(t.TempDir())
	require.NoError(t, err)
	store := conversation.NewStore(logger.NewNop())
	_, err = store.Update(context.Background(), "c1", func(s *conversation.State) error { return nil })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewSnapshotter(store, repo, logger.NewNop()).Run(ctx, time.Hour)
	}()
	cancel()
	<-done

	ids, err := repo.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ids)
}

func TestProvide(t *testing.T) {
	repo, err := Provide(context.Background(), config.DatabaseConfig{Driver: "none"}, logger.NewNop())
	require.NoError(t, err)
	assert.Nil(t, repo)

	_, err = Provide(context.Background(), config.DatabaseConfig{Driver: "mongo"}, logger.NewNop())
	assert.Error(t, err)

	repo, err = Provide(context.Background(), config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "x.db")}, logger.NewNop())
	require.NoError(t, err)
	require.NotNil(t, repo)
	require.NoError(t, repo.Close())
}

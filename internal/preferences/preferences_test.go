package preferences

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blissfulldev/devops-ai-sub001/internal/common/logger"
	"github.com/blissfulldev/devops-ai-sub001/internal/conversation"
	"github.com/blissfulldev/devops-ai-sub001/internal/events"
	"github.com/blissfulldev/devops-ai-sub001/internal/events/bus"
)

func ptr[T any](v T) *T { return &v }

func newTestManager(t *testing.T) (*Manager, *conversation.Store) {
	t.Helper()
	store := conversation.NewStore(logger.NewNop())
	return NewManager(store, nil, logger.NewNop()), store
}

func TestGet_DefaultsWhenUnset(t *testing.T) {
	m, _ := newTestManager(t)
	assert.Equal(t, conversation.DefaultPreferences(), m.Get("conv-1"))
}

func TestSet_ClampsTimeout(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		in, want int
	}{
		{500, 300},
		{1, 5},
		{-10, 5},
		{42, 42},
		{300, 300},
	}
	for _, tt := range tests {
		prefs, err := m.Set(ctx, "conv-1", Patch{TimeoutForAutoAdvance: ptr(tt.in)})
		require.NoError(t, err)
		assert.Equal(t, tt.want, prefs.TimeoutForAutoAdvance, "set %d", tt.in)
		assert.Equal(t, tt.want, m.Get("conv-1").TimeoutForAutoAdvance)

		// Setting the same value again is a no-op.
		prefs, err = m.Set(ctx, "conv-1", Patch{TimeoutForAutoAdvance: ptr(tt.in)})
		require.NoError(t, err)
		assert.Equal(t, tt.want, prefs.TimeoutForAutoAdvance)
	}
}

func TestSet_MergesPartialUpdates(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	_, err := m.Set(ctx, "conv-1", Patch{VerbosityLevel: ptr(conversation.VerbosityDetailed)})
	require.NoError(t, err)
	prefs, err := m.Set(ctx, "conv-1", Patch{SkipOptionalSteps: ptr(true)})
	require.NoError(t, err)

	assert.Equal(t, conversation.VerbosityDetailed, prefs.VerbosityLevel)
	assert.True(t, prefs.SkipOptionalSteps)
	assert.Equal(t, conversation.AutoAdvanceAsk, prefs.AutoAdvancePreference)
	assert.Equal(t, 2, store.Get("conv-1").CountTransitions(conversation.TransitionPreferencesUpdated))
}

func TestSet_RejectsUnknownEnumsWithoutChanges(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		patch Patch
		field string
	}{
		{"auto advance", Patch{AutoAdvancePreference: ptr(conversation.AutoAdvancePreference("sometimes"))}, FieldAutoAdvance},
		{"verbosity", Patch{VerbosityLevel: ptr(conversation.VerbosityLevel("loud")), SkipOptionalSteps: ptr(true)}, FieldVerbosity},
		{"format", Patch{PreferredQuestionFormat: ptr(conversation.QuestionFormat("essay"))}, FieldQuestionFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Set(ctx, "conv-1", tt.patch)
			require.ErrorIs(t, err, conversation.ErrInvalidPreference)

			var detailed *conversation.Error
			require.ErrorAs(t, err, &detailed)
			assert.Equal(t, tt.field, detailed.Field)

			s := store.Get("conv-1")
			assert.Nil(t, s.Preferences)
			assert.Empty(t, s.StateTransitionLog)
		})
	}
}

func TestReset(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Set(ctx, "conv-1", Patch{AutoAdvancePreference: ptr(conversation.AutoAdvanceNever)})
	require.NoError(t, err)
	prefs, err := m.Reset(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, conversation.DefaultPreferences(), prefs)
	assert.False(t, HasCustomizations(prefs))
}

func TestExportImport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	sets := []conversation.UserPreferences{
		conversation.DefaultPreferences(),
		{
			AutoAdvancePreference:   conversation.AutoAdvanceAlways,
			VerbosityLevel:          conversation.VerbosityMinimal,
			SkipOptionalSteps:       true,
			PreferredQuestionFormat: conversation.FormatMultipleChoice,
			TimeoutForAutoAdvance:   5,
		},
		{
			AutoAdvancePreference:   conversation.AutoAdvanceNever,
			VerbosityLevel:          conversation.VerbosityDetailed,
			PreferredQuestionFormat: conversation.FormatOpenEnded,
			TimeoutForAutoAdvance:   300,
		},
	}
	for _, p := range sets {
		src, _ := newTestManager(t)
		_, err := src.Set(ctx, "conv-1", PatchFrom(p))
		require.NoError(t, err)

		data, err := src.Export("conv-1")
		require.NoError(t, err)

		var exp Export
		require.NoError(t, json.Unmarshal(data, &exp))
		assert.Equal(t, ExportVersion, exp.Version)
		assert.Equal(t, HasCustomizations(p), exp.Metadata.HasCustomizations)

		dst, _ := newTestManager(t)
		imported, err := dst.Import(ctx, "conv-2", data)
		require.NoError(t, err)
		assert.Equal(t, p, imported)
		assert.Equal(t, p, dst.Get("conv-2"))
	}
}

func TestImport_RejectsInvalidExports(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	tests := map[string]string{
		"not json":        `{`,
		"unknown field":   `{"version":1,"preferences":{"verbosity_level":"normal","colour":"red"},"metadata":{}}`,
		"bad version":     `{"version":7,"preferences":{"auto_advance_preference":"ask","verbosity_level":"normal","preferred_question_format":"mixed","timeout_for_auto_advance":30},"metadata":{}}`,
		"bad enum":        `{"version":1,"preferences":{"auto_advance_preference":"ask","verbosity_level":"chatty","preferred_question_format":"mixed","timeout_for_auto_advance":30},"metadata":{}}`,
		"timeout too big": `{"version":1,"preferences":{"auto_advance_preference":"ask","verbosity_level":"normal","preferred_question_format":"mixed","timeout_for_auto_advance":900},"metadata":{}}`,
		"trailing data":   `{"version":1,"preferences":{"auto_advance_preference":"ask","verbosity_level":"normal","preferred_question_format":"mixed","timeout_for_auto_advance":30},"metadata":{}} {}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := m.Import(ctx, "conv-1", []byte(body))
			assert.ErrorIs(t, err, conversation.ErrInvalidPreference)
			assert.Nil(t, store.Get("conv-1").Preferences)
		})
	}
}

func TestRecommend(t *testing.T) {
	s := conversation.NewState("conv-1")
	for i := 0; i < 4; i++ {
		s.Log(conversation.TransitionLogEntry{Type: conversation.TransitionManualAdvance})
		s.Log(conversation.TransitionLogEntry{Type: conversation.TransitionAgent})
	}
	s.Log(conversation.TransitionLogEntry{Type: conversation.TransitionAgent})
	s.Log(conversation.TransitionLogEntry{Type: conversation.TransitionStepSkipped})
	s.Log(conversation.TransitionLogEntry{Type: conversation.TransitionStepSkipped})
	for i := 0; i < 3; i++ {
		s.Log(conversation.TransitionLogEntry{Type: conversation.TransitionHelpRequested})
	}
	s.PerformanceMetrics.RecordResponse(40 * time.Second)
	s.PerformanceMetrics.RecordResponse(60 * time.Second)

	byField := map[string]Recommendation{}
	for _, r := range Recommend(s) {
		byField[r.Preference] = r
	}

	require.Contains(t, byField, FieldAutoAdvance)
	assert.Equal(t, conversation.AutoAdvanceAlways, byField[FieldAutoAdvance].RecommendedValue)
	require.Contains(t, byField, FieldSkipOptional)
	assert.Equal(t, true, byField[FieldSkipOptional].RecommendedValue)
	require.Contains(t, byField, FieldAutoAdvanceTime)
	assert.Equal(t, 75, byField[FieldAutoAdvanceTime].RecommendedValue)
	require.Contains(t, byField, FieldVerbosity)
	for _, r := range byField {
		assert.NotEmpty(t, r.Rationale)
	}
}

func TestRecommend_MostlyAgentDrivenAdvances(t *testing.T) {
	s := conversation.NewState("conv-1")
	for i := 0; i < 3; i++ {
		s.Log(conversation.TransitionLogEntry{Type: conversation.TransitionManualAdvance})
		s.Log(conversation.TransitionLogEntry{Type: conversation.TransitionAgent})
	}
	for i := 0; i < 3; i++ {
		s.Log(conversation.TransitionLogEntry{Type: conversation.TransitionAgent})
	}
	assert.Empty(t, Recommend(s))
}

func TestRecommend_NothingForQuietConversation(t *testing.T) {
	s := conversation.NewState("conv-1")
	s.Log(conversation.TransitionLogEntry{Type: conversation.TransitionAgent})
	s.PerformanceMetrics.RecordResponse(2 * time.Second)
	assert.Empty(t, Recommend(s))
}

func TestRecommend_SkipsCurrentValues(t *testing.T) {
	s := conversation.NewState("conv-1")
	prefs := conversation.DefaultPreferences()
	prefs.AutoAdvancePreference = conversation.AutoAdvanceAlways
	prefs.TimeoutForAutoAdvance = conversation.MaxAutoAdvanceTimeout
	s.Preferences = &prefs
	for i := 0; i < 5; i++ {
		s.Log(conversation.TransitionLogEntry{Type: conversation.TransitionManualAdvance})
	}
	s.PerformanceMetrics.RecordResponse(10 * time.Minute)
	s.PerformanceMetrics.RecordResponse(10 * time.Minute)
	assert.Empty(t, Recommend(s))
}

func TestSet_PublishesUpdate(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(logger.NewNop())
	t.Cleanup(eventBus.Close)

	received := make(chan *bus.Event, 1)
	_, err := eventBus.Subscribe(events.PreferencesUpdated, func(_ context.Context, e *bus.Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	m := NewManager(conversation.NewStore(logger.NewNop()), eventBus, logger.NewNop())
	_, err = m.Set(context.Background(), "conv-1", Patch{SkipOptionalSteps: ptr(true)})
	require.NoError(t, err)

	select {
	case e := <-received:
		assert.Equal(t, "conv-1", e.ConversationID)
		assert.Equal(t, true, e.Data["has_customizations"])
	case <-time.After(time.Second):
		t.Fatal("preferences.updated was not published")
	}
}

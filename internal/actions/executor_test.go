package actions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/blissfulldev/devops-ai-sub001/internal/common/logger"
	"github.com/blissfulldev/devops-ai-sub001/internal/conversation"
	"github.com/blissfulldev/devops-ai-sub001/internal/gateway"
	"github.com/blissfulldev/devops-ai-sub001/internal/gateway/gatewaytest"
	"github.com/blissfulldev/devops-ai-sub001/internal/preferences"
	"github.com/blissfulldev/devops-ai-sub001/internal/sink"
	"github.com/blissfulldev/devops-ai-sub001/internal/workflow"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const convID = "conv-1"

type fixture struct {
	exec  *Executor
	wf    *workflow.Orchestrator
	store *conversation.Store
	gw    *gatewaytest.Gateway
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := conversation.NewStore(logger.NewNop())
	wf, err := workflow.New(store, nil, nil, logger.NewNop())
	require.NoError(t, err)
	gw := gatewaytest.New()
	return fixture{
		exec:  NewExecutor(store, wf, gw, nil, logger.NewNop()),
		wf:    wf,
		store: store,
		gw:    gw,
	}
}

func (f fixture) setPrefs(t *testing.T, mutate func(*conversation.UserPreferences)) {
	t.Helper()
	_, err := f.store.Update(context.Background(), convID, func(s *conversation.State) error {
		prefs := s.EffectivePreferences()
		mutate(&prefs)
		s.Preferences = &prefs
		return nil
	})
	require.NoError(t, err)
}

func (f fixture) addPending(t *testing.T, ids ...string) {
	t.Helper()
	f.addPendingWithPriority(t, conversation.PriorityMedium, ids...)
}

func (f fixture) addPendingWithPriority(t *testing.T, p conversation.Priority, ids ...string) {
	t.Helper()
	_, err := f.store.Update(context.Background(), convID, func(s *conversation.State) error {
		for _, id := range ids {
			s.PendingClarifications[id] = conversation.EnrichedQuestion{ClarificationRequest: conversation.ClarificationRequest{
				ID: id, Question: "q " + id, Priority: p,
			}}
		}
		return nil
	})
	require.NoError(t, err)
}

// advanceTo completes steps until agent is active.
func (f fixture) advanceTo(t *testing.T, agent string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.wf.Start(ctx, convID)
	require.NoError(t, err)
	for f.store.Get(convID).CurrentAgent != agent {
		current := f.store.Get(convID).CurrentAgent
		require.NotEmpty(t, current)
		_, err := f.wf.DetermineNextAgent(ctx, convID, current, workflow.EventStepComplete)
		require.NoError(t, err)
	}
}

func actionsByType(list []UserAction) map[ActionType]UserAction {
	out := map[ActionType]UserAction{}
	for _, a := range list {
		out[a.Type] = a
	}
	return out
}

func TestGetAvailableActions_Defaults(t *testing.T) {
	f := newFixture(t)

	got := f.exec.GetAvailableActions(context.Background(), convID, "model")
	require.Len(t, got, len(AllActions))
	byType := actionsByType(got)

	assert.True(t, byType[ActionContinue].Enabled)
	assert.False(t, byType[ActionSkip].Enabled)
	assert.NotEmpty(t, byType[ActionSkip].DisabledReason)
	assert.True(t, byType[ActionRestart].Enabled)
	assert.True(t, byType[ActionHelp].Enabled)
	assert.False(t, byType[ActionModify].Enabled, "nothing is in progress yet")
	for _, a := range got {
		assert.NotEmpty(t, a.Label)
	}
}

func TestGetAvailableActions_ContinueRules(t *testing.T) {
	f := newFixture(t)
	f.advanceTo(t, "core_agent")

	f.addPending(t, "req-low")
	assert.True(t, actionsByType(f.exec.GetAvailableActions(context.Background(), convID, "model"))[ActionContinue].Enabled)

	f.addPendingWithPriority(t, conversation.PriorityCritical, "req-critical")
	assert.False(t, actionsByType(f.exec.GetAvailableActions(context.Background(), convID, "model"))[ActionContinue].Enabled)

	_, err := f.store.Update(context.Background(), convID, func(s *conversation.State) error {
		delete(s.PendingClarifications, "req-critical")
		return nil
	})
	require.NoError(t, err)
	f.setPrefs(t, func(p *conversation.UserPreferences) { p.AutoAdvancePreference = conversation.AutoAdvanceNever })
	byType := actionsByType(f.exec.GetAvailableActions(context.Background(), convID, "model"))
	assert.False(t, byType[ActionContinue].Enabled)
	assert.True(t, byType[ActionModify].Enabled)
}

func TestExecuteAction_SkipOptionalStep(t *testing.T) {
	f := newFixture(t)
	f.setPrefs(t, func(p *conversation.UserPreferences) {
		p.AutoAdvancePreference = conversation.AutoAdvanceAlways
		p.SkipOptionalSteps = true
	})
	f.advanceTo(t, "diagram_agent")

	skip := actionsByType(f.exec.GetAvailableActions(context.Background(), convID, "model"))[ActionSkip]
	require.True(t, skip.Enabled)

	res := f.exec.ExecuteAction(context.Background(), convID, ActionRequest{Type: ActionSkip}, "model", nil)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, ActionSkip, res.ActionType)
	assert.NotEmpty(t, res.StateChanges)

	s := f.store.Get(convID)
	idx := s.StepForAgent("diagram_agent")
	assert.Equal(t, conversation.StepSkipped, s.WorkflowSteps[idx].Status)
	assert.Equal(t, "terraform_agent", s.CurrentAgent)
	assert.Equal(t, "implementation", s.WorkflowPhase)
}

func TestExecuteAction_RestartClearsPending(t *testing.T) {
	f := newFixture(t)
	f.advanceTo(t, "planning_agent")
	f.addPending(t, "req-1", "req-2")
	_, err := f.store.Update(context.Background(), convID, func(s *conversation.State) error {
		s.QuestionHistory["fp"] = conversation.QuestionHistoryEntry{RequestID: "req-0"}
		return nil
	})
	require.NoError(t, err)
	f.setPrefs(t, func(p *conversation.UserPreferences) { p.VerbosityLevel = conversation.VerbosityDetailed })

	res := f.exec.ExecuteAction(context.Background(), convID, ActionRequest{Type: ActionRestart}, "model", nil)
	require.True(t, res.Success, res.Error)

	s := f.store.Get(convID)
	assert.Empty(t, s.PendingClarifications)
	assert.False(t, s.IsWaitingForClarification())
	assert.Equal(t, 1, s.CountTransitions(conversation.TransitionWorkflowRestart))
	assert.Len(t, s.QuestionHistory, 1)
	require.NotNil(t, s.Preferences)
	assert.Equal(t, conversation.VerbosityDetailed, s.Preferences.VerbosityLevel)
	_, err = conversation.LookupPending(s, "answer", "req-1")
	assert.ErrorIs(t, err, conversation.ErrStaleRequest)
}

func TestExecuteAction_DisabledActionFailsWithoutChanges(t *testing.T) {
	f := newFixture(t)
	f.advanceTo(t, "core_agent")
	before := f.store.Get(convID)

	res := f.exec.ExecuteAction(context.Background(), convID, ActionRequest{Type: ActionSkip}, "model", nil)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
	assert.ErrorIs(t, res.Err, conversation.ErrActionUnavailable)
	assert.Empty(t, res.StateChanges)

	res = f.exec.ExecuteAction(context.Background(), convID, ActionRequest{Type: "teleport"}, "model", nil)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, conversation.ErrActionUnavailable)

	res = f.exec.ExecuteAction(context.Background(), convID, ActionRequest{Type: ActionModify, Instructions: "  "}, "model", nil)
	assert.False(t, res.Success)

	after := f.store.Get(convID)
	assert.Equal(t, before.WorkflowSteps, after.WorkflowSteps)
	assert.Equal(t, before.StateTransitionLog, after.StateTransitionLog)
}

func TestExecuteAction_Continue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.exec.ExecuteAction(ctx, convID, ActionRequest{Type: ActionContinue}, "model", nil)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "core_agent", f.store.Get(convID).CurrentAgent, "the first continue starts the workflow")

	res = f.exec.ExecuteAction(ctx, convID, ActionRequest{Type: ActionContinue}, "model", nil)
	require.True(t, res.Success, res.Error)
	s := f.store.Get(convID)
	assert.Equal(t, "planning_agent", s.CurrentAgent)
	assert.Equal(t, 1, s.CountTransitions(conversation.TransitionManualAdvance))
	assert.Equal(t, []string{"resume the conversation to run planning_agent"}, res.NextSteps)
}

func TestExecuteAction_ContinueThroughWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.wf.Start(ctx, convID)
	require.NoError(t, err)

	for range len(f.wf.Definition().Steps()) {
		res := f.exec.ExecuteAction(ctx, convID, ActionRequest{Type: ActionContinue}, "model", nil)
		require.True(t, res.Success, res.Error)
	}
	s := f.store.Get(convID)
	assert.Equal(t, workflow.PhaseCompleted, s.WorkflowPhase)
	assert.Equal(t, 4, s.CountTransitions(conversation.TransitionManualAdvance))
	assert.Equal(t, 4, s.CountTransitions(conversation.TransitionAgent))

	continueAction := actionsByType(f.exec.GetAvailableActions(ctx, convID, "model"))[ActionContinue]
	assert.False(t, continueAction.Enabled)
	assert.Equal(t, "the workflow has already completed", continueAction.DisabledReason)

	res := f.exec.ExecuteAction(ctx, convID, ActionRequest{Type: ActionContinue}, "model", nil)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, conversation.ErrActionUnavailable)

	var recommended *preferences.Recommendation
	for _, r := range preferences.Recommend(f.store.Get(convID)) {
		if r.Preference == preferences.FieldAutoAdvance {
			recommended = &r
		}
	}
	require.NotNil(t, recommended, "manual continues should recommend auto-advance")
	assert.Equal(t, conversation.AutoAdvanceAlways, recommended.RecommendedValue)
	assert.Equal(t, "100% of workflow advances were manual continues", recommended.Rationale)
}

func TestExecuteAction_Modify(t *testing.T) {
	f := newFixture(t)
	f.advanceTo(t, "planning_agent")

	res := f.exec.ExecuteAction(context.Background(), convID, ActionRequest{Type: ActionModify, Instructions: "use two regions"}, "model", nil)
	require.True(t, res.Success, res.Error)

	s := f.store.Get(convID)
	assert.Equal(t, "use two regions", s.PendingModification)
	assert.Equal(t, 1, s.CountTransitions(conversation.TransitionWorkflowModify))
	assert.Equal(t, "planning_agent", s.CurrentAgent)
}

func TestExecuteAction_HelpUsesGateway(t *testing.T) {
	f := newFixture(t)
	f.gw.OnAnalysis(gateway.KindHelp, `{"summary":"The planner is drafting your architecture.","steps":["wait for the plan"],"links":["https://docs.example.com/plan"]}`)
	f.advanceTo(t, "planning_agent")
	before := f.store.Get(convID)
	buf := sink.NewBuffer()

	res := f.exec.ExecuteAction(context.Background(), convID, ActionRequest{Type: ActionHelp}, "model", buf)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []string{"wait for the plan", "https://docs.example.com/plan"}, res.NextSteps)

	notices := buf.OfKind(sink.KindStatusNotice)
	require.Len(t, notices, 1)
	assert.Equal(t, "The planner is drafting your architecture.", notices[0].(sink.StatusNotice).Text)

	calls := f.gw.AnalysisCalls(gateway.KindHelp)
	require.Len(t, calls, 1)
	assert.Equal(t, "planning_agent", calls[0].Payload.(gateway.HelpPayload).Agent)

	after := f.store.Get(convID)
	assert.Equal(t, before.WorkflowSteps, after.WorkflowSteps)
	assert.Equal(t, 1, after.CountTransitions(conversation.TransitionHelpRequested))
}

func TestExecuteAction_HelpFallsBackOnOutage(t *testing.T) {
	f := newFixture(t)
	f.gw.FailAnalysis(gateway.KindHelp, errors.New("503"))
	f.advanceTo(t, "core_agent")
	require.NoError(t, f.wf.FailStep(context.Background(), convID, "", "terraform init failed"))
	buf := sink.NewBuffer()

	res := f.exec.ExecuteAction(context.Background(), convID, ActionRequest{Type: ActionHelp}, "model", buf)
	require.True(t, res.Success, res.Error)
	assert.NotEmpty(t, res.NextSteps)
	require.Len(t, buf.OfKind(sink.KindStatusNotice), 1)
	assert.Contains(t, buf.OfKind(sink.KindStatusNotice)[0].(sink.StatusNotice).Text, "terraform init failed")
}

func TestAutoAdvance(t *testing.T) {
	ctx := context.Background()

	t.Run("skips idle optional step", func(t *testing.T) {
		f := newFixture(t)
		f.setPrefs(t, func(p *conversation.UserPreferences) {
			p.AutoAdvancePreference = conversation.AutoAdvanceAlways
			p.SkipOptionalSteps = true
			p.TimeoutForAutoAdvance = 10
		})
		f.advanceTo(t, "diagram_agent")
		idleSince := f.store.Get(convID).LastActivityAt

		moved, err := f.exec.AutoAdvance(ctx, convID, idleSince.Add(5*time.Second))
		require.NoError(t, err)
		assert.False(t, moved, "not idle long enough")

		moved, err = f.exec.AutoAdvance(ctx, convID, idleSince.Add(11*time.Second))
		require.NoError(t, err)
		require.True(t, moved)

		s := f.store.Get(convID)
		assert.Equal(t, conversation.StepSkipped, s.WorkflowSteps[s.StepForAgent("diagram_agent")].Status)
		assert.Equal(t, "terraform_agent", s.CurrentAgent)
		assert.Equal(t, 1, s.CountTransitions(conversation.TransitionAutoAdvance))
	})

	t.Run("completes required step", func(t *testing.T) {
		f := newFixture(t)
		f.setPrefs(t, func(p *conversation.UserPreferences) { p.AutoAdvancePreference = conversation.AutoAdvanceAlways })
		f.advanceTo(t, "core_agent")

		moved, err := f.exec.AutoAdvance(ctx, convID, time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.True(t, moved)
		s := f.store.Get(convID)
		assert.Equal(t, conversation.StepCompleted, s.WorkflowSteps[0].Status)
		assert.Equal(t, "planning_agent", s.CurrentAgent)
	})

	t.Run("waits on critical clarification", func(t *testing.T) {
		f := newFixture(t)
		f.setPrefs(t, func(p *conversation.UserPreferences) { p.AutoAdvancePreference = conversation.AutoAdvanceAlways })
		f.advanceTo(t, "core_agent")
		f.addPendingWithPriority(t, conversation.PriorityCritical, "req-1")

		moved, err := f.exec.AutoAdvance(ctx, convID, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, moved)
	})

	t.Run("respects preference", func(t *testing.T) {
		f := newFixture(t)
		f.advanceTo(t, "core_agent")

		moved, err := f.exec.AutoAdvance(ctx, convID, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, moved)
	})
}

func TestRunAutoAdvance_StopsWithContext(t *testing.T) {
	f := newFixture(t)
	f.setPrefs(t, func(p *conversation.UserPreferences) { p.AutoAdvancePreference = conversation.AutoAdvanceAlways })
	f.advanceTo(t, "core_agent")
	f.exec.now = func() time.Time { return time.Now().Add(time.Hour) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.exec.RunAutoAdvance(ctx, 10*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		return f.store.Get(convID).CountTransitions(conversation.TransitionAutoAdvance) > 0
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

package actions

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/blissfulldev/devops-ai-sub001/internal/conversation"
	"github.com/blissfulldev/devops-ai-sub001/internal/workflow"
)

// autoAdvanceDue reports whether the policy allows moving s on at now.
func autoAdvanceDue(s conversation.State, now time.Time) bool {
	prefs := s.EffectivePreferences()
	if prefs.AutoAdvancePreference != conversation.AutoAdvanceAlways {
		return false
	}
	if !workflow.InProgress(s) || s.ActiveStep() < 0 || s.HasCriticalPending() {
		return false
	}
	timeout := time.Duration(conversation.ClampAutoAdvanceTimeout(prefs.TimeoutForAutoAdvance)) * time.Second
	return now.Sub(s.LastActivityAt) >= timeout
}

// AutoAdvance moves an idle conversation on when its preferences ask for it: the active
// step is skipped when it is optional and optional steps are skipped, completed
// otherwise. It reports whether anything moved.
func (e *Executor) AutoAdvance(ctx context.Context, conversationID string, now time.Time) (bool, error) {
	if !autoAdvanceDue(e.store.Get(conversationID), now) {
		return false, nil
	}

	var (
		tr    workflow.Transition
		moved bool
	)
	_, err := e.store.Update(ctx, conversationID, func(s *conversation.State) error {
		moved = false
		if !autoAdvanceDue(*s, now) {
			return nil
		}
		idx := s.ActiveStep()
		reason := "no user activity within the auto-advance timeout"
		s.Log(conversation.TransitionLogEntry{
			Type:      conversation.TransitionAutoAdvance,
			Reason:    reason,
			Timestamp: now,
			AgentName: s.CurrentAgent,
		})

		var err error
		if s.WorkflowSteps[idx].IsOptional && s.EffectivePreferences().SkipOptionalSteps {
			tr, err = e.workflow.ApplySkip(s, "auto-advance skipped optional step")
		} else {
			tr, err = e.workflow.ApplyAdvance(s, "auto-advance")
		}
		if err != nil {
			return err
		}
		moved = true
		return nil
	})
	if err != nil || !moved {
		return false, err
	}
	e.workflow.PublishTransition(ctx, conversationID, tr, "auto-advance")
	return true, nil
}

// RunAutoAdvance applies AutoAdvance to every conversation each interval until ctx is done.
func (e *Executor) RunAutoAdvance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("auto-advance loop started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("auto-advance loop stopped")
			return
		case <-ticker.C:
			now := e.now()
			for _, id := range e.store.IDs() {
				if ctx.Err() != nil {
					return
				}
				if _, err := e.AutoAdvance(ctx, id, now); err != nil {
					e.logger.WithConversationID(id).Warn("auto-advance failed", zap.Error(err))
				}
			}
		}
	}
}

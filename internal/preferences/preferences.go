// Package preferences manages per-conversation user preferences: validated updates,
// recommendations derived from observed behaviour, and export/import.
package preferences

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/blissfulldev/devops-ai-sub001/internal/common/logger"
	"github.com/blissfulldev/devops-ai-sub001/internal/conversation"
	"github.com/blissfulldev/devops-ai-sub001/internal/events"
	"github.com/blissfulldev/devops-ai-sub001/internal/events/bus"
)

const eventSource = "preferences"

// Field names used in errors, recommendations and change lists.
const (
	FieldAutoAdvance     = "auto_advance_preference"
	FieldVerbosity       = "verbosity_level"
	FieldSkipOptional    = "skip_optional_steps"
	FieldQuestionFormat  = "preferred_question_format"
	FieldAutoAdvanceTime = "timeout_for_auto_advance"
)

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	AutoAdvancePreference   *conversation.AutoAdvancePreference `json:"auto_advance_preference,omitempty"`
	VerbosityLevel          *conversation.VerbosityLevel        `json:"verbosity_level,omitempty"`
	SkipOptionalSteps       *bool                               `json:"skip_optional_steps,omitempty"`
	PreferredQuestionFormat *conversation.QuestionFormat        `json:"preferred_question_format,omitempty"`
	TimeoutForAutoAdvance   *int                                `json:"timeout_for_auto_advance,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.AutoAdvancePreference == nil && p.VerbosityLevel == nil && p.SkipOptionalSteps == nil &&
		p.PreferredQuestionFormat == nil && p.TimeoutForAutoAdvance == nil
}

// Validate rejects unrecognised enum values. Timeouts are clamped, never rejected.
func (p Patch) Validate() error {
	if p.AutoAdvancePreference != nil && !p.AutoAdvancePreference.Valid() {
		return conversation.InvalidPreference(FieldAutoAdvance, "unrecognised value "+string(*p.AutoAdvancePreference))
	}
	if p.VerbosityLevel != nil && !p.VerbosityLevel.Valid() {
		return conversation.InvalidPreference(FieldVerbosity, "unrecognised value "+string(*p.VerbosityLevel))
	}
	if p.PreferredQuestionFormat != nil && !p.PreferredQuestionFormat.Valid() {
		return conversation.InvalidPreference(FieldQuestionFormat, "unrecognised value "+string(*p.PreferredQuestionFormat))
	}
	return nil
}

// apply merges p into prefs and returns the names of the fields it touched.
func (p Patch) apply(prefs *conversation.UserPreferences) []string {
	var changed []string
	if p.AutoAdvancePreference != nil {
		prefs.AutoAdvancePreference = *p.AutoAdvancePreference
		changed = append(changed, FieldAutoAdvance)
	}
	if p.VerbosityLevel != nil {
		prefs.VerbosityLevel = *p.VerbosityLevel
		changed = append(changed, FieldVerbosity)
	}
	if p.SkipOptionalSteps != nil {
		prefs.SkipOptionalSteps = *p.SkipOptionalSteps
		changed = append(changed, FieldSkipOptional)
	}
	if p.PreferredQuestionFormat != nil {
		prefs.PreferredQuestionFormat = *p.PreferredQuestionFormat
		changed = append(changed, FieldQuestionFormat)
	}
	if p.TimeoutForAutoAdvance != nil {
		prefs.TimeoutForAutoAdvance = conversation.ClampAutoAdvanceTimeout(*p.TimeoutForAutoAdvance)
		changed = append(changed, FieldAutoAdvanceTime)
	}
	return changed
}

// Validate checks a complete preference set.
func Validate(prefs conversation.UserPreferences) error {
	p := PatchFrom(prefs)
	if err := p.Validate(); err != nil {
		return err
	}
	if prefs.TimeoutForAutoAdvance < conversation.MinAutoAdvanceTimeout || prefs.TimeoutForAutoAdvance > conversation.MaxAutoAdvanceTimeout {
		return conversation.InvalidPreference(FieldAutoAdvanceTime, "outside [5, 300] seconds")
	}
	return nil
}

// PatchFrom returns a patch that sets every field to prefs.
func PatchFrom(prefs conversation.UserPreferences) Patch {
	return Patch{
		AutoAdvancePreference:   &prefs.AutoAdvancePreference,
		VerbosityLevel:          &prefs.VerbosityLevel,
		SkipOptionalSteps:       &prefs.SkipOptionalSteps,
		PreferredQuestionFormat: &prefs.PreferredQuestionFormat,
		TimeoutForAutoAdvance:   &prefs.TimeoutForAutoAdvance,
	}
}

// HasCustomizations reports whether any field differs from the defaults.
func HasCustomizations(prefs conversation.UserPreferences) bool {
	return prefs != conversation.DefaultPreferences()
}

// Manager reads and writes preferences through the conversation store.
type Manager struct {
	store  *conversation.Store
	bus    bus.EventBus
	logger *logger.Logger
	now    func() time.Time
}

// NewManager creates a preference manager. eventBus may be nil.
func NewManager(store *conversation.Store, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		store:  store,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "preference-manager")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the conversation's preferences, or the defaults when none were set.
func (m *Manager) Get(conversationID string) conversation.UserPreferences {
	return m.store.Get(conversationID).EffectivePreferences()
}

// Set merges patch into the stored preferences. An unrecognised enum value rejects the
// whole patch and leaves the preferences unchanged.
func (m *Manager) Set(ctx context.Context, conversationID string, patch Patch) (conversation.UserPreferences, error) {
	if err := patch.Validate(); err != nil {
		return conversation.UserPreferences{}, err
	}
	return m.commit(ctx, conversationID, "preferences updated", func(prefs *conversation.UserPreferences) []string {
		return patch.apply(prefs)
	})
}

// Reset restores the defaults.
func (m *Manager) Reset(ctx context.Context, conversationID string) (conversation.UserPreferences, error) {
	return m.commit(ctx, conversationID, "preferences reset", func(prefs *conversation.UserPreferences) []string {
		*prefs = conversation.DefaultPreferences()
		return []string{FieldAutoAdvance, FieldVerbosity, FieldSkipOptional, FieldQuestionFormat, FieldAutoAdvanceTime}
	})
}

func (m *Manager) commit(ctx context.Context, conversationID, reason string, mutate func(*conversation.UserPreferences) []string) (conversation.UserPreferences, error) {
	var (
		updated conversation.UserPreferences
		changed []string
	)
	_, err := m.store.Update(ctx, conversationID, func(s *conversation.State) error {
		prefs := s.EffectivePreferences()
		changed = mutate(&prefs)
		s.Preferences = &prefs
		s.Log(conversation.TransitionLogEntry{
			Type:      conversation.TransitionPreferencesUpdated,
			Reason:    reason,
			Timestamp: m.now(),
		})
		updated = prefs
		return nil
	})
	if err != nil {
		return conversation.UserPreferences{}, err
	}

	log := m.logger.WithConversationID(conversationID)
	log.Info(reason, zap.Strings("fields", changed))
	events.Publish(ctx, m.bus, log, events.PreferencesUpdated, eventSource, conversationID, map[string]interface{}{
		"fields":             changed,
		"has_customizations": HasCustomizations(updated),
	})
	return updated, nil
}

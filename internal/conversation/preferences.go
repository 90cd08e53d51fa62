package conversation

// AutoAdvancePreference controls whether the workflow moves on without the user.
type AutoAdvancePreference string

const (
	AutoAdvanceAsk    AutoAdvancePreference = "ask"
	AutoAdvanceAlways AutoAdvancePreference = "always"
	AutoAdvanceNever  AutoAdvancePreference = "never"
)

// Valid reports whether p is a recognised value.
func (p AutoAdvancePreference) Valid() bool {
	return p == AutoAdvanceAsk || p == AutoAdvanceAlways || p == AutoAdvanceNever
}

// VerbosityLevel controls how much explanation accompanies questions.
type VerbosityLevel string

const (
	VerbosityMinimal  VerbosityLevel = "minimal"
	VerbosityNormal   VerbosityLevel = "normal"
	VerbosityDetailed VerbosityLevel = "detailed"
)

// Valid reports whether v is a recognised value.
func (v VerbosityLevel) Valid() bool {
	return v == VerbosityMinimal || v == VerbosityNormal || v == VerbosityDetailed
}

// QuestionFormat is the user's preferred shape of questions.
type QuestionFormat string

const (
	FormatOpenEnded      QuestionFormat = "open_ended"
	FormatMultipleChoice QuestionFormat = "multiple_choice"
	FormatMixed          QuestionFormat = "mixed"
)

// Valid reports whether f is a recognised value.
func (f QuestionFormat) Valid() bool {
	return f == FormatOpenEnded || f == FormatMultipleChoice || f == FormatMixed
}

// Bounds for TimeoutForAutoAdvance, in seconds.
const (
	MinAutoAdvanceTimeout     = 5
	MaxAutoAdvanceTimeout     = 300
	DefaultAutoAdvanceTimeout = 30
)

// UserPreferences is the per-conversation preference set.
type UserPreferences struct {
	AutoAdvancePreference   AutoAdvancePreference `json:"auto_advance_preference"`
	VerbosityLevel          VerbosityLevel        `json:"verbosity_level"`
	SkipOptionalSteps       bool                  `json:"skip_optional_steps"`
	PreferredQuestionFormat QuestionFormat        `json:"preferred_question_format"`
	TimeoutForAutoAdvance   int                   `json:"timeout_for_auto_advance"` // seconds
}

// DefaultPreferences returns the preference set used when none was stored.
func DefaultPreferences() UserPreferences {
	return UserPreferences{
		AutoAdvancePreference:   AutoAdvanceAsk,
		VerbosityLevel:          VerbosityNormal,
		SkipOptionalSteps:       false,
		PreferredQuestionFormat: FormatMixed,
		TimeoutForAutoAdvance:   DefaultAutoAdvanceTimeout,
	}
}

// ClampAutoAdvanceTimeout bounds seconds to [MinAutoAdvanceTimeout, MaxAutoAdvanceTimeout].
func ClampAutoAdvanceTimeout(seconds int) int {
	if seconds < MinAutoAdvanceTimeout {
		return MinAutoAdvanceTimeout
	}
	if seconds > MaxAutoAdvanceTimeout {
		return MaxAutoAdvanceTimeout
	}
	return seconds
}

// EffectivePreferences returns the stored preferences or the defaults.
func (s State) EffectivePreferences() UserPreferences {
	if s.Preferences == nil {
		return DefaultPreferences()
	}
	return *s.Preferences
}

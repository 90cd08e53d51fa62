// Package clarification runs the lifecycle of questions agents raise for the user:
// deduplication against earlier answers, enrichment, answer validation and follow-ups.
package clarification

import (
	"errors"

	"github.com/blissfulldev/devops-ai-sub001/internal/common/config"
	"github.com/blissfulldev/devops-ai-sub001/internal/conversation"
)

// ErrEmptyQuestion is returned for requests without question text.
var ErrEmptyQuestion = errors.New("clarification question is empty")

// UserLevel scales how much enrichment accompanies a question.
type UserLevel string

const (
	LevelBeginner     UserLevel = "beginner"
	LevelIntermediate UserLevel = "intermediate"
	LevelExpert       UserLevel = "expert"
)

// Options tunes one ProcessQuestion call.
type Options struct {
	EnableDeduplication bool
	EnableEnrichment    bool
	// ConfidenceThreshold is the minimum similarity confidence for reusing an answer.
	ConfidenceThreshold float64
	UserLevel           UserLevel
}

// OptionsFromConfig returns the configured defaults.
func OptionsFromConfig(cfg config.ClarificationConfig) Options {
	return Options{
		EnableDeduplication: cfg.EnableDeduplication,
		EnableEnrichment:    cfg.EnableEnrichment,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		UserLevel:           UserLevel(cfg.UserLevel),
	}
}

// ProcessResult tells the caller whether to prompt the user.
type ProcessResult struct {
	ShouldAsk bool `json:"should_ask"`
	// ProcessedQuestion is the registered question when ShouldAsk is true.
	ProcessedQuestion *conversation.EnrichedQuestion `json:"processed_question,omitempty"`
	// ReusedAnswer is authoritative when set; the user must not be asked again.
	ReusedAnswer *conversation.ClarificationResponse `json:"reused_answer,omitempty"`
	Reasoning    string                              `json:"reasoning,omitempty"`
	// DuplicateOf names the pending request an identical question is waiting on.
	DuplicateOf string `json:"duplicate_of,omitempty"`
}

// ValidationResult is the outcome of validating an answer.
type ValidationResult struct {
	IsValid      bool     `json:"is_valid"`
	Confidence   float64  `json:"confidence"`
	Feedback     string   `json:"feedback,omitempty"`
	Suggestions  []string `json:"suggestions,omitempty"`
	QualityScore float64  `json:"quality_score"`
}

// maxExamples scales the example count by user level and verbosity.
func maxExamples(level UserLevel, verbosity conversation.VerbosityLevel) int {
	n := 3
	switch level {
	case LevelBeginner:
		n = 5
	case LevelExpert:
		n = 1
	}
	switch verbosity {
	case conversation.VerbosityMinimal:
		n = min(n, 1)
	case conversation.VerbosityDetailed:
		n += 2
	}
	return n
}

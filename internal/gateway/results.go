package gateway

import (
	"errors"
	"fmt"
	"strings"

	"github.com/blissfulldev/devops-ai-sub001/internal/conversation"
)

// EnrichmentPayload asks for help text and examples for a question.
type EnrichmentPayload struct {
	Question    string   `json:"question"`
	Context     string   `json:"context,omitempty"`
	AgentName   string   `json:"agent_name"`
	Options     []string `json:"options,omitempty"`
	UserLevel   string   `json:"user_level"`
	Verbosity   string   `json:"verbosity"`
	Format      string   `json:"preferred_format"`
	MaxExamples int      `json:"max_examples"`
}

// EnrichmentResult is the enrichment attached to a question.
type EnrichmentResult struct {
	ContextualHelp   *conversation.ContextualHelp `json:"contextual_help,omitempty"`
	Examples         []string                     `json:"examples,omitempty"`
	ValidationRules  []string                     `json:"validation_rules,omitempty"`
	Dependencies     []string                     `json:"dependencies,omitempty"`
	RelatedQuestions []string                     `json:"related_questions,omitempty"`
	FollowUpActions  []string                     `json:"follow_up_actions,omitempty"`
}

// Validate requires an explanation whenever help is present.
func (r EnrichmentResult) Validate() error {
	if r.ContextualHelp != nil && strings.TrimSpace(r.ContextualHelp.Explanation) == "" {
		return errors.New("contextual_help.explanation is required")
	}
	return nil
}

// SimilarityCandidate is an answered question offered for semantic comparison.
type SimilarityCandidate struct {
	Fingerprint string `json:"fingerprint"`
	Question    string `json:"question"`
	AgentName   string `json:"agent_name"`
	Answer      string `json:"answer"`
}

// SimilarityPayload asks whether a new question repeats one of the candidates.
type SimilarityPayload struct {
	Question   string                `json:"question"`
	Context    string                `json:"context,omitempty"`
	AgentName  string                `json:"agent_name"`
	Candidates []SimilarityCandidate `json:"candidates"`
}

// SimilarityResult names the best matching candidate, if any.
type SimilarityResult struct {
	IsDuplicate        bool    `json:"is_duplicate"`
	Confidence         float64 `json:"confidence"`
	MatchedFingerprint string  `json:"matched_fingerprint,omitempty"`
	Reasoning          string  `json:"reasoning,omitempty"`
}

// Validate checks the confidence range and that duplicates name their match.
func (r SimilarityResult) Validate() error {
	if err := unitRange("confidence", r.Confidence); err != nil {
		return err
	}
	if r.IsDuplicate && r.MatchedFingerprint == "" {
		return errors.New("matched_fingerprint is required when is_duplicate is true")
	}
	return nil
}

// ValidationPayload asks whether an answer satisfies its question.
type ValidationPayload struct {
	Question        string   `json:"question"`
	Context         string   `json:"context,omitempty"`
	Options         []string `json:"options,omitempty"`
	ValidationRules []string `json:"validation_rules,omitempty"`
	Answer          string   `json:"answer"`
	SelectedOption  string   `json:"selected_option,omitempty"`
}

// ValidationResult is the assessment of an answer.
type ValidationResult struct {
	IsValid      bool     `json:"is_valid"`
	Confidence   float64  `json:"confidence"`
	Feedback     string   `json:"feedback,omitempty"`
	Suggestions  []string `json:"suggestions,omitempty"`
	QualityScore float64  `json:"quality_score"`
}

// Validate checks score ranges.
func (r ValidationResult) Validate() error {
	if err := unitRange("confidence", r.Confidence); err != nil {
		return err
	}
	return unitRange("quality_score", r.QualityScore)
}

// FollowUpPayload asks for questions that follow from an answer.
type FollowUpPayload struct {
	Question  string `json:"question"`
	Context   string `json:"context,omitempty"`
	AgentName string `json:"agent_name"`
	Answer    string `json:"answer"`
}

// FollowUpQuestion is one proposed question.
type FollowUpQuestion struct {
	Question string                `json:"question"`
	Context  string                `json:"context,omitempty"`
	Priority conversation.Priority `json:"priority,omitempty"`
	Options  []string              `json:"options,omitempty"`
}

// FollowUpResult lists proposed follow-up questions.
type FollowUpResult struct {
	Questions []FollowUpQuestion `json:"questions"`
}

// Validate requires question text and known priorities.
func (r FollowUpResult) Validate() error {
	for i, q := range r.Questions {
		if strings.TrimSpace(q.Question) == "" {
			return fmt.Errorf("questions[%d].question is required", i)
		}
		if q.Priority != "" && !q.Priority.Valid() {
			return fmt.Errorf("questions[%d].priority %q is not recognised", i, q.Priority)
		}
	}
	return nil
}

// HelpPayload asks for guidance about the current step.
type HelpPayload struct {
	Phase     string `json:"phase"`
	Agent     string `json:"agent"`
	Step      string `json:"step,omitempty"`
	LastError string `json:"last_error,omitempty"`
	Verbosity string `json:"verbosity"`
}

// HelpResult is guidance for the user.
type HelpResult struct {
	Summary string   `json:"summary"`
	Steps   []string `json:"steps,omitempty"`
	Links   []string `json:"links,omitempty"`
}

// Validate requires a summary.
func (r HelpResult) Validate() error {
	if strings.TrimSpace(r.Summary) == "" {
		return errors.New("summary is required")
	}
	return nil
}

func unitRange(field string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s %v is outside [0, 1]", field, v)
	}
	return nil
}

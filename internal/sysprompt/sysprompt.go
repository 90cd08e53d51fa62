// Package sysprompt provides the system prompts given to agents and utilities for
// injecting system-level instructions into agent transcripts.
//
// Injected content is wrapped in <hitl-system> tags so it can be stripped when a
// transcript is shown to the user.
package sysprompt

import (
	"fmt"
	"regexp"
	"strings"
)

// System tag constants for marking system-injected content.
const (
	// TagStart marks the beginning of system-injected content.
	TagStart = "<hitl-system>"
	// TagEnd marks the end of system-injected content.
	TagEnd = "</hitl-system>"
)

// systemTagRegex matches <hitl-system>...</hitl-system> content including the tags.
var systemTagRegex = regexp.MustCompile(`<hitl-system>[\s\S]*?</hitl-system>\s*`)

// StripSystemContent removes all <hitl-system>...</hitl-system> blocks from text.
func StripSystemContent(text string) string {
	return systemTagRegex.ReplaceAllString(text, "")
}

// Wrap wraps content in <hitl-system> tags to mark it as system-injected.
func Wrap(content string) string {
	return TagStart + content + TagEnd
}

// AgentContext is the system prompt of a workflow agent. Use FormatAgentContext.
const AgentContext = `You are %s, responsible for the step "%s" of the %s phase of an infrastructure design workflow.
IMPORTANT INSTRUCTIONS:
- When you need information only the user can give, call ask_clarification. Ask one question per call and offer options when the answer is one of a known set.
- Never guess values you asked about; wait for the answer.
- Call emit_artifact for every file you produce.
- Call complete_step once your step is done, with a short summary.
- Call delegate to hand independent subtasks to specialist agents that run in parallel.
- Inputs this step relies on: %s`

// DelegateContext is the system prompt of a delegated specialist. Use FormatDelegateContext.
const DelegateContext = `You are %s, a specialist working on one subtask delegated by %s.
IMPORTANT INSTRUCTIONS:
- Work only on the subtask you were given and finish with a concise result.
- When you need information only the user can give, call ask_clarification.
- Call emit_artifact for every file you produce.`

// FormatAgentContext returns the system prompt for agent working on step in phase.
func FormatAgentContext(agent, step, phase string, requiredInputs []string) string {
	inputs := "none declared"
	if len(requiredInputs) > 0 {
		inputs = strings.Join(requiredInputs, ", ")
	}
	return fmt.Sprintf(AgentContext, agent, step, phase, inputs)
}

// FormatDelegateContext returns the system prompt for a delegate of supervisor.
func FormatDelegateContext(agent, supervisor string) string {
	return fmt.Sprintf(DelegateContext, agent, supervisor)
}

// Answer is one answered clarification fed back to an agent.
type Answer struct {
	Question string
	Answer   string
}

// FormatAnswers renders answered clarifications for an agent resuming its work.
func FormatAnswers(answers []Answer) string {
	var b strings.Builder
	b.WriteString("The user answered your questions:")
	for _, a := range answers {
		fmt.Fprintf(&b, "\n- %s\n  Answer: %s", a.Question, a.Answer)
	}
	b.WriteString("\nContinue your step using these answers.")
	return b.String()
}

// InjectModification prepends a pending modification request to a user's prompt.
func InjectModification(modification, prompt string) string {
	wrapped := Wrap("The user asked for this change to the work in progress: " + modification)
	if prompt == "" {
		return wrapped
	}
	return wrapped + "\n\n" + prompt
}

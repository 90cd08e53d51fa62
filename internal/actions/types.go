// Package actions exposes the user-facing workflow controls (continue, skip, restart,
// help, modify) and the auto-advance policy.
package actions

// ActionType names a user action.
type ActionType string

const (
	ActionContinue ActionType = "continue"
	ActionSkip     ActionType = "skip"
	ActionRestart  ActionType = "restart"
	ActionHelp     ActionType = "help"
	ActionModify   ActionType = "modify"
)

// AllActions lists every action in display order.
var AllActions = []ActionType{ActionContinue, ActionSkip, ActionRestart, ActionHelp, ActionModify}

// Valid reports whether t is a known action.
func (t ActionType) Valid() bool {
	for _, a := range AllActions {
		if a == t {
			return true
		}
	}
	return false
}

// UserAction is one control offered to the user.
type UserAction struct {
	Type        ActionType `json:"type"`
	Label       string     `json:"label"`
	Description string     `json:"description"`
	Enabled     bool       `json:"enabled"`
	// DisabledReason explains why the action cannot run right now.
	DisabledReason string `json:"disabled_reason,omitempty"`
}

// ActionRequest asks for one action to run.
type ActionRequest struct {
	Type ActionType `json:"type"`
	// Instructions carries the user's change request for modify.
	Instructions string `json:"instructions,omitempty"`
}

// ActionResult reports what an action did. Failures are reported here, never as errors.
type ActionResult struct {
	Success      bool       `json:"success"`
	ActionType   ActionType `json:"action_type"`
	StateChanges []string   `json:"state_changes"`
	NextSteps    []string   `json:"next_steps"`
	Error        string     `json:"error,omitempty"`
	// Err is the underlying error of a failed action, for errors.Is checks.
	Err error `json:"-"`
}

var labels = map[ActionType][2]string{
	ActionContinue: {"Continue", "Move on to the next step of the workflow"},
	ActionSkip:     {"Skip", "Skip the current optional step"},
	ActionRestart:  {"Restart", "Start the workflow over; answers you gave are kept"},
	ActionHelp:     {"Help", "Explain the current step and what to do next"},
	ActionModify:   {"Modify", "Ask for a change to the work in progress"},
}

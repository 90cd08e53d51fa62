// Package workflow drives the phase/agent state machine of a conversation.
package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/blissfulldev/devops-ai-sub001/internal/conversation"
)

// PhaseCompleted is the phase a conversation enters after its last step.
const PhaseCompleted = "completed"

// AgentSpec is one agent's step within a phase.
type AgentSpec struct {
	Name           string   `yaml:"name" json:"name"`
	Step           string   `yaml:"step,omitempty" json:"step,omitempty"`
	Optional       bool     `yaml:"optional,omitempty" json:"optional,omitempty"`
	RequiredInputs []string `yaml:"requiredInputs,omitempty" json:"required_inputs,omitempty"`
}

// StepName returns the display name of the step.
func (a AgentSpec) StepName() string {
	if a.Step != "" {
		return a.Step
	}
	return a.Name
}

// Phase is an ordered group of agents.
type Phase struct {
	Name   string      `yaml:"name" json:"name"`
	Agents []AgentSpec `yaml:"agents" json:"agents"`
}

// Definition lists the phases of a workflow in order.
type Definition struct {
	Phases []Phase `yaml:"phases" json:"phases"`
}

// DefaultDefinition is the built-in infrastructure workflow.
func DefaultDefinition() *Definition {
	return &Definition{Phases: []Phase{
		{Name: "planning", Agents: []AgentSpec{
			{Name: "core_agent", Step: "Gather requirements", RequiredInputs: []string{"requirements"}},
			{Name: "planning_agent", Step: "Plan architecture", RequiredInputs: []string{"requirements"}},
		}},
		{Name: "design", Agents: []AgentSpec{
			{Name: "diagram_agent", Step: "Draw architecture diagram", Optional: true, RequiredInputs: []string{"architecture_plan"}},
		}},
		{Name: "implementation", Agents: []AgentSpec{
			{Name: "terraform_agent", Step: "Generate Terraform", RequiredInputs: []string{"architecture_plan"}},
		}},
	}}
}

// ParseDefinition decodes and validates a YAML definition. Unknown keys are rejected.
func ParseDefinition(data []byte) (*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def Definition
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinition reads a definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow definition: %w", err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Validate checks that phases and agents are non-empty and uniquely named.
func (d *Definition) Validate() error {
	var errs []error
	if len(d.Phases) == 0 {
		errs = append(errs, errors.New("at least one phase is required"))
	}
	phases := map[string]bool{}
	agents := map[string]string{}
	for i, p := range d.Phases {
		name := strings.TrimSpace(p.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("phases[%d]: name is required", i))
		case name == PhaseCompleted:
			errs = append(errs, fmt.Errorf("phases[%d]: %q is reserved", i, PhaseCompleted))
		case phases[name]:
			errs = append(errs, fmt.Errorf("phases[%d]: duplicate phase %q", i, name))
		}
		phases[name] = true

		if len(p.Agents) == 0 {
			errs = append(errs, fmt.Errorf("phase %q: at least one agent is required", name))
		}
		for j, a := range p.Agents {
			agent := strings.TrimSpace(a.Name)
			if agent == "" {
				errs = append(errs, fmt.Errorf("phase %q agents[%d]: name is required", name, j))
				continue
			}
			if prev, dup := agents[agent]; dup {
				errs = append(errs, fmt.Errorf("phase %q: agent %q already belongs to phase %q", name, agent, prev))
			}
			agents[agent] = name
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid workflow definition: %w", errors.Join(errs...))
	}
	return nil
}

// Agents lists every agent in workflow order.
func (d *Definition) Agents() []AgentSpec {
	var out []AgentSpec
	for _, p := range d.Phases {
		out = append(out, p.Agents...)
	}
	return out
}

// Agent looks up an agent and the phase it belongs to.
func (d *Definition) Agent(name string) (AgentSpec, string, bool) {
	for _, p := range d.Phases {
		for _, a := range p.Agents {
			if a.Name == name {
				return a, p.Name, true
			}
		}
	}
	return AgentSpec{}, "", false
}

// Steps returns a fresh pending step for every agent, in workflow order.
func (d *Definition) Steps() []conversation.WorkflowStep {
	steps := make([]conversation.WorkflowStep, 0, len(d.Agents()))
	for _, p := range d.Phases {
		for _, a := range p.Agents {
			steps = append(steps, conversation.WorkflowStep{
				ID:         p.Name + "/" + a.Name,
				Name:       a.StepName(),
				Phase:      p.Name,
				Agent:      a.Name,
				Status:     conversation.StepPending,
				IsOptional: a.Optional,
			})
		}
	}
	return steps
}

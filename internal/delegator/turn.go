package delegator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/blissfulldev/devops-ai-sub001/internal/clarification"
	"github.com/blissfulldev/devops-ai-sub001/internal/common/logger"
	"github.com/blissfulldev/devops-ai-sub001/internal/conversation"
	"github.com/blissfulldev/devops-ai-sub001/internal/gateway"
	"github.com/blissfulldev/devops-ai-sub001/internal/sink"
	"github.com/blissfulldev/devops-ai-sub001/internal/sysprompt"
	"github.com/blissfulldev/devops-ai-sub001/internal/workflow"
)

// turnOutcome is the result of running one agent until it stops or hands over.
type turnOutcome struct {
	transition *workflow.Transition
	outcome    Outcome
}

// generation is everything one stream produced.
type generation struct {
	text  string
	calls []gateway.RawToolCall
}

// errStreamFailed marks a stream that ended with a ChunkError.
var errStreamFailed = errors.New("agent stream failed")

// stream runs one generation and forwards its text to out as it arrives.
func (d *Delegator) stream(ctx context.Context, log *logger.Logger, cfg gateway.AgentConfig, messages []gateway.Message, out sink.Sink) (generation, error) {
	ch, err := d.gateway.StreamGeneration(ctx, cfg, messages)
	if err != nil {
		return generation{}, fmt.Errorf("%w: %w", errStreamFailed, err)
	}

	var (
		gen  generation
		text strings.Builder
	)
	for {
		select {
		case <-ctx.Done():
			return generation{}, ctx.Err()
		case c, ok := <-ch:
			if !ok {
				if err := ctx.Err(); err != nil {
					return generation{}, err
				}
				gen.text = text.String()
				return gen, nil
			}
			switch c.Kind {
			case gateway.ChunkText:
				if c.Text == "" {
					continue
				}
				text.WriteString(c.Text)
				if err := sink.Emit(ctx, out, sink.AgentTextDelta{Agent: cfg.Name, Delta: c.Text}); err != nil {
					log.Warn("failed to emit text delta", zap.Error(err))
				}
			case gateway.ChunkToolCall:
				if c.ToolCall != nil {
					gen.calls = append(gen.calls, *c.ToolCall)
				}
			case gateway.ChunkError:
				return generation{}, fmt.Errorf("%w: %w", errStreamFailed, c.Err)
			case gateway.ChunkDone:
				gen.text = text.String()
				return gen, nil
			}
		}
	}
}

// agentConfig describes agent for a workflow step of s.
func (d *Delegator) agentConfig(s conversation.State, agent, modelID string) gateway.AgentConfig {
	step, phase := agent, s.WorkflowPhase
	var inputs []string
	if spec, p, ok := d.workflow.Definition().Agent(agent); ok {
		step, phase, inputs = spec.StepName(), p, spec.RequiredInputs
	}
	if idx := s.StepForAgent(agent); idx >= 0 {
		step = s.WorkflowSteps[idx].Name
	}
	return gateway.AgentConfig{
		Name:         agent,
		ModelID:      modelID,
		SystemPrompt: sysprompt.FormatAgentContext(agent, step, phase, inputs),
		Tools:        gateway.AllTools,
	}
}

// transcriptFor returns agent's view of the transcript.
func transcriptFor(s conversation.State, agent string) []gateway.Message {
	var msgs []gateway.Message
	for _, e := range s.Transcript {
		if e.Agent != agent {
			continue
		}
		msgs = append(msgs, gateway.Message{Role: gateway.Role(e.Role), Content: e.Content, ToolName: e.ToolName})
	}
	return msgs
}

// turn runs agent while budget lasts. Tool results are fed back to the agent until it
// stops calling tools, asks the user something or completes its step.
func (d *Delegator) turn(ctx context.Context, conversationID, agent, modelID string, out sink.Sink, budget *stepBudget) (turnOutcome, error) {
	log := d.logger.WithConversationID(conversationID).WithAgent(agent)
	var res turnOutcome

	for budget.take() {
		s := d.store.Get(conversationID)
		gen, err := d.stream(ctx, log, d.agentConfig(s, agent, modelID), transcriptFor(s, agent), out)
		if err != nil {
			if !errors.Is(err, errStreamFailed) {
				budget.refund()
				return res, err
			}
			return d.failTurn(ctx, log, conversationID, agent, err, out, res)
		}

		var entries []conversation.TranscriptEntry
		if gen.text != "" {
			entries = append(entries, d.entry(gateway.RoleAgent, agent, gen.text, ""))
		}
		if len(gen.calls) == 0 {
			if err := d.record(ctx, conversationID, entries); err != nil {
				return res, err
			}
			res.outcome = OutcomeIdle
			return res, nil
		}

		var (
			asked      bool
			transition *workflow.Transition
		)
		for _, raw := range gen.calls {
			var result string
			result, asked, transition = d.dispatch(ctx, log, conversationID, agent, modelID, raw, out, budget, asked, transition)
			entries = append(entries, d.entry(gateway.RoleTool, agent, result, raw.Name))
		}
		if err := d.record(ctx, conversationID, entries); err != nil {
			return res, err
		}

		switch {
		case transition != nil:
			res.transition = transition
			return res, nil
		case asked:
			res.outcome = OutcomeAwaitingClarification
			return res, nil
		}
	}

	log.Info("agent turn reached its step limit", zap.Int("steps", budget.used()))
	notice := sink.StatusNotice{Agent: agent, Text: fmt.Sprintf("%s stopped after %d steps; send a message to continue.", agent, budget.used())}
	if err := sink.Emit(ctx, out, notice); err != nil {
		log.Warn("failed to emit status notice", zap.Error(err))
	}
	res.outcome = OutcomeStepLimit
	return res, nil
}

// dispatch carries out one tool call and returns the result fed back to the agent.
// asked and transition accumulate over the calls of one generation.
func (d *Delegator) dispatch(
	ctx context.Context,
	log *logger.Logger,
	conversationID, agent, modelID string,
	raw gateway.RawToolCall,
	out sink.Sink,
	budget *stepBudget,
	asked bool,
	transition *workflow.Transition,
) (string, bool, *workflow.Transition) {
	call, err := gateway.ParseToolCall(raw)
	if err != nil {
		return d.rejectCall(ctx, log, agent, err, out), asked, transition
	}

	switch c := call.(type) {
	case gateway.AskClarification:
		result, ok := d.ask(ctx, log, conversationID, agent, modelID, raw.ID, c, out)
		return result, asked || ok, transition

	case gateway.EmitArtifact:
		artifact := sink.FileArtifact{Agent: agent, Path: c.Path, MediaType: c.MediaType, Description: c.Description}
		if err := sink.Emit(ctx, out, artifact); err != nil {
			log.Warn("failed to emit artifact", zap.String("path", c.Path), zap.Error(err))
		}
		log.Info("artifact emitted", zap.String("path", c.Path), zap.String("media_type", c.MediaType))
		return toolResult("ok", map[string]any{"path": c.Path}), asked, transition

	case gateway.CompleteStep:
		if transition != nil {
			return toolResult("error", map[string]any{"error": "step already completed"}), asked, transition
		}
		tr, err := d.workflow.DetermineNextAgent(ctx, conversationID, agent, agent+"_complete")
		if err != nil {
			log.Warn("step completion rejected", zap.Error(err))
			return toolResult("error", map[string]any{"error": err.Error()}), asked, transition
		}
		log.Info("step completed", zap.String("next_agent", tr.ToAgent), zap.String("summary", c.Summary))
		return toolResult("ok", map[string]any{"next_agent": tr.ToAgent, "workflow_completed": tr.Completed}), asked, &tr

	case gateway.Delegate:
		results := d.delegate(ctx, conversationID, agent, c.Tasks, modelID, out, budget)
		for _, r := range results {
			if r.Outcome == OutcomeAwaitingClarification {
				asked = true
			}
		}
		return toolResult("ok", map[string]any{"results": results}), asked, transition
	}
	return d.rejectCall(ctx, log, agent, fmt.Errorf("%w: %s", gateway.ErrMalformedToolCall, raw.Name), out), asked, transition
}

// ask routes a clarification through the clarification manager. It reports whether the
// agent has to wait for the user.
func (d *Delegator) ask(ctx context.Context, log *logger.Logger, conversationID, agent, modelID, callID string, c gateway.AskClarification, out sink.Sink) (string, bool) {
	req := conversation.ClarificationRequest{
		ID:        callID,
		AgentName: agent,
		Question:  c.Question,
		Context:   c.Context,
		Priority:  c.Priority,
		Timestamp: d.now(),
		Options:   c.Options,
	}
	res, err := d.clarifier.ProcessQuestion(ctx, conversationID, req, modelID, out, d.clarifier.DefaultOptions())
	switch {
	case errors.Is(err, clarification.ErrEmptyQuestion):
		return toolResult("error", map[string]any{"error": err.Error()}), false
	case err != nil:
		log.Warn("clarification could not be processed", zap.Error(err))
		return toolResult("error", map[string]any{"error": err.Error()}), false
	case res.ReusedAnswer != nil:
		return toolResult("answered", map[string]any{
			"answer":    res.ReusedAnswer.Answer,
			"reasoning": res.Reasoning,
		}), false
	case res.DuplicateOf != "":
		return toolResult("pending", map[string]any{"request_id": res.DuplicateOf}), true
	default:
		return toolResult("pending", map[string]any{"request_id": res.ProcessedQuestion.ID}), true
	}
}

func (d *Delegator) rejectCall(ctx context.Context, log *logger.Logger, agent string, err error, out sink.Sink) string {
	log.Warn("tool call rejected", zap.Error(err))
	notice := sink.StatusNotice{Agent: agent, Text: "Rejected a malformed tool call from " + agent + "."}
	if emitErr := sink.Emit(ctx, out, notice); emitErr != nil {
		log.Warn("failed to emit status notice", zap.Error(emitErr))
	}
	return toolResult("error", map[string]any{"error": err.Error()})
}

// failTurn marks agent's step failed after its stream broke.
func (d *Delegator) failTurn(ctx context.Context, log *logger.Logger, conversationID, agent string, cause error, out sink.Sink, res turnOutcome) (turnOutcome, error) {
	log.Warn("agent stream failed", zap.Error(cause))
	if err := d.workflow.FailStep(ctx, conversationID, agent, cause.Error()); err != nil {
		log.Warn("failed to mark step failed", zap.Error(err))
	}
	notice := sink.StatusNotice{Agent: agent, Text: agent + " failed: " + cause.Error() + ". Use restart to try again."}
	if err := sink.Emit(ctx, out, notice); err != nil {
		log.Warn("failed to emit status notice", zap.Error(err))
	}
	res.outcome = OutcomeFailed
	return res, nil
}

func (d *Delegator) entry(role gateway.Role, agent, content, tool string) conversation.TranscriptEntry {
	return conversation.TranscriptEntry{
		Role:      string(role),
		Agent:     agent,
		Content:   content,
		ToolName:  tool,
		Timestamp: d.now(),
	}
}

// record appends entries to the conversation transcript.
func (d *Delegator) record(ctx context.Context, conversationID string, entries []conversation.TranscriptEntry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := d.store.Update(ctx, conversationID, func(s *conversation.State) error {
		s.Transcript = append(s.Transcript, entries...)
		return nil
	})
	return err
}

func toolResult(status string, fields map[string]any) string {
	fields["status"] = status
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Sprintf(`{"status":%q}`, status)
	}
	return string(raw)
}

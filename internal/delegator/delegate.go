package delegator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/blissfulldev/devops-ai-sub001/internal/common/logger"
	"github.com/blissfulldev/devops-ai-sub001/internal/gateway"
	"github.com/blissfulldev/devops-ai-sub001/internal/sink"
	"github.com/blissfulldev/devops-ai-sub001/internal/sysprompt"
)

// delegateTools are offered to delegates. Only the supervising agent completes steps
// or delegates further.
var delegateTools = []gateway.ToolName{gateway.ToolAskClarification, gateway.ToolEmitArtifact}

// DelegateResult is what one delegate reported back. Outcome is OutcomeIdle when the
// delegate finished with a final answer in Output.
type DelegateResult struct {
	Agent   string  `json:"agent"`
	Outcome Outcome `json:"outcome"`
	Output  string  `json:"output,omitempty"`
	Steps   int     `json:"steps"`
	Error   string  `json:"error,omitempty"`
}

// Delegate runs tasks concurrently on behalf of supervisor, at most the configured
// number at a time, sharing one step budget of maxSteps generations. Results keep the
// order of tasks; a failing delegate never stops the others. Events from all delegates
// reach out one at a time.
func (d *Delegator) Delegate(ctx context.Context, conversationID, supervisor string, tasks []gateway.DelegateTask, modelID string, out sink.Sink) []DelegateResult {
	return d.delegate(ctx, conversationID, supervisor, tasks, modelID, out, newStepBudget(d.maxSteps))
}

// delegate runs tasks charging their generations to budget.
func (d *Delegator) delegate(ctx context.Context, conversationID, supervisor string, tasks []gateway.DelegateTask, modelID string, out sink.Sink, budget *stepBudget) []DelegateResult {
	log := d.logger.WithConversationID(conversationID).WithAgent(supervisor)
	log.Info("delegating subtasks", zap.Int("tasks", len(tasks)))

	shared := sink.Sink(sink.NewSerialized(out))
	if out == nil {
		shared = sink.Discard
	}

	results := make([]DelegateResult, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.maxTasks)
	for i, task := range tasks {
		g.Go(func() error {
			results[i] = d.runDelegate(gctx, conversationID, supervisor, task, modelID, shared, budget)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.Error != "" {
			log.Warn("delegate failed", zap.String("delegate", r.Agent), zap.String("error", r.Error))
		}
	}
	return results
}

// runDelegate runs one delegate while budget lasts. Its messages stay local; only its
// result is recorded by the supervisor.
func (d *Delegator) runDelegate(ctx context.Context, conversationID, supervisor string, task gateway.DelegateTask, modelID string, out sink.Sink, budget *stepBudget) DelegateResult {
	log := d.logger.WithConversationID(conversationID).WithAgent(task.Agent)
	res := DelegateResult{Agent: task.Agent}
	cfg := gateway.AgentConfig{
		Name:         task.Agent,
		ModelID:      modelID,
		SystemPrompt: sysprompt.FormatDelegateContext(task.Agent, supervisor),
		Tools:        delegateTools,
	}
	messages := []gateway.Message{{Role: gateway.RoleUser, Content: task.Instructions}}

	for budget.take() {
		gen, err := d.stream(ctx, log, cfg, messages, out)
		if err != nil {
			res.Outcome = OutcomeFailed
			res.Error = err.Error()
			if errors.Is(err, errStreamFailed) {
				res.Steps++
			} else {
				budget.refund()
			}
			return res
		}
		res.Steps++
		if gen.text != "" {
			messages = append(messages, gateway.Message{Role: gateway.RoleAgent, Content: gen.text})
			res.Output = gen.text
		}
		if len(gen.calls) == 0 {
			res.Outcome = OutcomeIdle
			return res
		}

		asked := false
		for _, raw := range gen.calls {
			var result string
			result, asked = d.dispatchDelegate(ctx, log, conversationID, task.Agent, modelID, raw, out, asked)
			messages = append(messages, gateway.Message{Role: gateway.RoleTool, Content: result, ToolName: raw.Name})
		}
		if asked {
			res.Outcome = OutcomeAwaitingClarification
			return res
		}
	}
	res.Outcome = OutcomeStepLimit
	res.Error = fmt.Sprintf("step budget spent after %d steps", res.Steps)
	return res
}

// dispatchDelegate carries out a delegate's tool call. Tools outside delegateTools are
// rejected like malformed calls.
func (d *Delegator) dispatchDelegate(ctx context.Context, log *logger.Logger, conversationID, agent, modelID string, raw gateway.RawToolCall, out sink.Sink, asked bool) (string, bool) {
	call, err := gateway.ParseToolCall(raw)
	if err != nil {
		return d.rejectCall(ctx, log, agent, err, out), asked
	}
	switch c := call.(type) {
	case gateway.AskClarification:
		result, ok := d.ask(ctx, log, conversationID, agent, modelID, raw.ID, c, out)
		return result, asked || ok
	case gateway.EmitArtifact:
		artifact := sink.FileArtifact{Agent: agent, Path: c.Path, MediaType: c.MediaType, Description: c.Description}
		if err := sink.Emit(ctx, out, artifact); err != nil {
			log.Warn("failed to emit artifact", zap.String("path", c.Path), zap.Error(err))
		}
		return toolResult("ok", map[string]any{"path": c.Path}), asked
	}
	err = fmt.Errorf("%w: %s is not available to delegates", gateway.ErrMalformedToolCall, raw.Name)
	return d.rejectCall(ctx, log, agent, err, out), asked
}

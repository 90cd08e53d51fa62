package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/blissfulldev/devops-ai-sub001/internal/common/config"
	"github.com/blissfulldev/devops-ai-sub001/internal/common/logger"
)

const defaultGenAIModel = "gemini-2.5-flash"

// GenAIGateway talks to Gemini through google.golang.org/genai.
type GenAIGateway struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	logger  *logger.Logger
}

// NewGenAIGateway creates a gateway from cfg. The API key is required.
func NewGenAIGateway(ctx context.Context, cfg config.GatewayConfig, log *logger.Logger) (*GenAIGateway, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("genai gateway: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = defaultGenAIModel
	}
	return &GenAIGateway{
		client:  client,
		model:   model,
		timeout: cfg.RequestTimeoutDuration(),
		logger:  log.WithFields(zap.String("component", "genai-gateway"), zap.String("model", model)),
	}, nil
}

// GenerateStructuredAnalysis asks the model for a JSON object describing kind.
func (g *GenAIGateway) GenerateStructuredAnalysis(ctx context.Context, kind PromptKind, payload any) (json.RawMessage, error) {
	instruction, ok := analysisInstructions[kind]
	if !ok {
		return nil, fmt.Errorf("unknown prompt kind %q", kind)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromText(string(body), genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(instruction, genai.RoleUser),
			ResponseMIMEType:  "application/json",
			Temperature:       genai.Ptr[float32](0.2),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("generate %s: %w", kind, err)
	}

	text := stripCodeFence(resp.Text())
	if !json.Valid([]byte(text)) {
		g.logger.Warn("model returned invalid JSON", zap.String("prompt_kind", string(kind)))
		return nil, fmt.Errorf("generate %s: response is not valid JSON", kind)
	}
	return json.RawMessage(text), nil
}

// StreamGeneration runs one agent turn with the agent's tools declared as functions.
func (g *GenAIGateway) StreamGeneration(ctx context.Context, agent AgentConfig, messages []Message) (<-chan Chunk, error) {
	if len(messages) == 0 {
		return nil, errors.New("stream generation: no messages")
	}
	model := agent.ModelID
	if model == "" {
		model = g.model
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(agent.Temperature),
	}
	if agent.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(agent.SystemPrompt, genai.RoleUser)
	}
	if decls := functionDeclarations(agent.Tools); len(decls) > 0 {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	contents := toContents(messages)
	out := make(chan Chunk)
	go func() {
		defer close(out)
		for resp, err := range g.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				send(ctx, out, ErrorChunk(err))
				return
			}
			for _, c := range responseChunks(resp) {
				if !send(ctx, out, c) {
					return
				}
			}
		}
		send(ctx, out, DoneChunk())
	}()
	return out, nil
}

func responseChunks(resp *genai.GenerateContentResponse) []Chunk {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	var chunks []Chunk
	for _, part := range resp.Candidates[0].Content.Parts {
		switch {
		case part == nil || part.Thought:
		case part.FunctionCall != nil:
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				args = nil
			}
			chunks = append(chunks, ToolCallChunk(RawToolCall{
				ID:   part.FunctionCall.ID,
				Name: part.FunctionCall.Name,
				Args: args,
			}))
		case part.Text != "":
			chunks = append(chunks, TextChunk(part.Text))
		}
	}
	return chunks
}

func toContents(messages []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleAgent:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		case RoleTool:
			contents = append(contents, genai.NewContentFromText(
				fmt.Sprintf("Result of tool %s:\n%s", m.ToolName, m.Content), genai.RoleUser))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return contents
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func functionDeclarations(tools []ToolName) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		if d, ok := toolDeclarations[t]; ok {
			decls = append(decls, d)
		}
	}
	return decls
}

var stringSchema = &genai.Schema{Type: genai.TypeString}

var toolDeclarations = map[ToolName]*genai.FunctionDeclaration{
	ToolAskClarification: {
		Name:        string(ToolAskClarification),
		Description: "Ask the user a clarifying question. Use it instead of guessing when a required input is missing.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"question": {Type: genai.TypeString, Description: "The question shown to the user."},
				"context":  {Type: genai.TypeString, Description: "Why the answer is needed."},
				"priority": {Type: genai.TypeString, Enum: []string{"low", "medium", "high", "critical"}},
				"options":  {Type: genai.TypeArray, Items: stringSchema},
			},
			Required: []string{"question", "context", "priority"},
		},
	},
	ToolEmitArtifact: {
		Name:        string(ToolEmitArtifact),
		Description: "Announce a file you generated.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"path":        {Type: genai.TypeString},
				"media_type":  {Type: genai.TypeString, Description: "MIME type, for example text/x-terraform."},
				"description": {Type: genai.TypeString},
			},
			Required: []string{"path", "media_type"},
		},
	},
	ToolCompleteStep: {
		Name:        string(ToolCompleteStep),
		Description: "Report that your step of the workflow is finished.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"summary": {Type: genai.TypeString},
			},
			Required: []string{"summary"},
		},
	},
	ToolDelegate: {
		Name:        string(ToolDelegate),
		Description: "Hand subtasks to specialist agents that work in parallel.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"tasks": {
					Type: genai.TypeArray,
					Items: &genai.Schema{
						Type: genai.TypeObject,
						Properties: map[string]*genai.Schema{
							"agent":        {Type: genai.TypeString},
							"instructions": {Type: genai.TypeString},
						},
						Required: []string{"agent", "instructions"},
					},
				},
			},
			Required: []string{"tasks"},
		},
	},
}

var analysisInstructions = map[PromptKind]string{
	KindEnrichment: `You help users answer questions asked by infrastructure design agents.
The input is a JSON question. Reply with a JSON object with the optional fields
contextual_help {explanation, why_asked, how_used, related_concepts[], documentation_links[]},
examples[], validation_rules[], dependencies[], related_questions[], follow_up_actions[].
Give at most max_examples examples. Match explanation depth to user_level and verbosity.`,
	KindSimilarity: `Decide whether the input question asks for the same information as one of the
candidates. Reply with a JSON object {is_duplicate, confidence, matched_fingerprint, reasoning}.
confidence is between 0 and 1. Only mark a duplicate when the earlier answer fully answers the
new question in the new question's scope.`,
	KindValidation: `Assess whether the answer satisfies the question and its validation rules. Reply with
a JSON object {is_valid, confidence, feedback, suggestions[], quality_score}; confidence and
quality_score are between 0 and 1.`,
	KindFollowUps: `Given an answered question, propose follow-up questions the agent will need answered.
Reply with a JSON object {questions: [{question, context, priority, options[]}]}. priority is one
of low, medium, high, critical. Return an empty list when nothing follows.`,
	KindHelp: `Give the user short guidance about the current workflow step. Reply with a JSON object
{summary, steps[], links[]}. Use more detail when verbosity is detailed.`,
}

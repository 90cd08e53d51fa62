package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/blissfulldev/devops-ai-sub001/internal/conversation"
	"github.com/blissfulldev/devops-ai-sub001/internal/gateway"
	"github.com/blissfulldev/devops-ai-sub001/internal/gateway/gatewaytest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAnalyze_DecodesValidResult(t *testing.T) {
	gw := gatewaytest.New().OnAnalysis(gateway.KindValidation,
		`{"is_valid":true,"confidence":0.9,"feedback":"looks right","quality_score":0.8}`)

	res, err := gateway.Analyze[gateway.ValidationResult](context.Background(), gw, gateway.KindValidation, gateway.ValidationPayload{Answer: "us-east-1"})
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
}

func TestAnalyze_MalformedOutputIsUnavailable(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `sure, here you go`},
		{"unknown field", `{"is_valid":true,"confidence":0.5,"quality_score":0.5,"mood":"happy"}`},
		{"string for bool", `{"is_valid":"true","confidence":0.5,"quality_score":0.5}`},
		{"confidence out of range", `{"is_valid":true,"confidence":7,"quality_score":0.5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := gatewaytest.New().OnAnalysis(gateway.KindValidation, tt.body)
			_, err := gateway.Analyze[gateway.ValidationResult](context.Background(), gw, gateway.KindValidation, nil)
			assert.ErrorIs(t, err, conversation.ErrGatewayUnavailable)
		})
	}
}

func TestAnalyze_TransportFailureIsUnavailable(t *testing.T) {
	gw := gatewaytest.New().FailAnalysis(gateway.KindHelp, errors.New("connection refused"))

	_, err := gateway.Analyze[gateway.HelpResult](context.Background(), gw, gateway.KindHelp, nil)
	require.ErrorIs(t, err, conversation.ErrGatewayUnavailable)
	assert.Contains(t, err.Error(), "connection refused")

	_, err = gateway.Analyze[gateway.HelpResult](context.Background(), gateway.Disabled{}, gateway.KindHelp, nil)
	assert.ErrorIs(t, err, conversation.ErrGatewayUnavailable)

	_, err = gateway.Analyze[gateway.HelpResult](context.Background(), nil, gateway.KindHelp, nil)
	assert.ErrorIs(t, err, conversation.ErrGatewayUnavailable)
}

func TestSimilarityResult_Validate(t *testing.T) {
	assert.Error(t, gateway.SimilarityResult{IsDuplicate: true, Confidence: 0.9}.Validate())
	assert.NoError(t, gateway.SimilarityResult{IsDuplicate: true, Confidence: 0.9, MatchedFingerprint: "fp"}.Validate())
	assert.Error(t, gateway.SimilarityResult{Confidence: -0.1}.Validate())
}

func TestFollowUpResult_Validate(t *testing.T) {
	assert.NoError(t, gateway.FollowUpResult{}.Validate())
	assert.Error(t, gateway.FollowUpResult{Questions: []gateway.FollowUpQuestion{{Question: " "}}}.Validate())
	assert.Error(t, gateway.FollowUpResult{Questions: []gateway.FollowUpQuestion{{Question: "q", Priority: "urgent"}}}.Validate())
}

func TestParseToolCall(t *testing.T) {
	tests := []struct {
		name    string
		tool    string
		args    string
		wantErr bool
		check   func(t *testing.T, call gateway.ToolCall)
	}{
		{
			name: "ask clarification",
			tool: "ask_clarification",
			args: `{"question":"What AWS region?","context":"needed for provider block","priority":"high","options":["us-east-1","eu-west-1"]}`,
			check: func(t *testing.T, call gateway.ToolCall) {
				ask := call.(gateway.AskClarification)
				assert.Equal(t, conversation.PriorityHigh, ask.Priority)
				assert.Len(t, ask.Options, 2)
			},
		},
		{name: "unknown tool", tool: "rm_rf", args: `{}`, wantErr: true},
		{name: "args not an object", tool: "complete_step", args: `"done"`, wantErr: true},
		{name: "empty args", tool: "complete_step", args: ``, wantErr: true},
		{name: "stringly typed options", tool: "ask_clarification", args: `{"question":"q","priority":"low","options":"a,b"}`, wantErr: true},
		{name: "unknown field", tool: "complete_step", args: `{"summary":"ok","force":true}`, wantErr: true},
		{name: "bad priority", tool: "ask_clarification", args: `{"question":"q","priority":"urgent"}`, wantErr: true},
		{name: "duplicate options", tool: "ask_clarification", args: `{"question":"q","priority":"low","options":["a","a"]}`, wantErr: true},
		{name: "artifact media type", tool: "emit_artifact", args: `{"path":"main.tf","media_type":"terraform"}`, wantErr: true},
		{name: "empty delegate", tool: "delegate", args: `{"tasks":[]}`, wantErr: true},
		{
			name: "delegate",
			tool: "delegate",
			args: `{"tasks":[{"agent":"diagram_agent","instructions":"draw it"},{"agent":"terraform_agent","instructions":"write it"}]}`,
			check: func(t *testing.T, call gateway.ToolCall) {
				assert.Len(t, call.(gateway.Delegate).Tasks, 2)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call, err := gateway.ParseToolCall(gateway.RawToolCall{Name: tt.tool, Args: json.RawMessage(tt.args)})
			if tt.wantErr {
				assert.ErrorIs(t, err, gateway.ErrMalformedToolCall)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, gateway.ToolName(tt.tool), call.Tool())
			if tt.check != nil {
				tt.check(t, call)
			}
		})
	}
}

func TestTraced_ForwardsStream(t *testing.T) {
	inner := gatewaytest.New().OnStream("core_agent", gateway.TextChunk("hello"), gateway.TextChunk(" world"))
	gw := gateway.NewTraced(inner)

	ch, err := gw.StreamGeneration(context.Background(), gateway.AgentConfig{Name: "core_agent"}, []gateway.Message{{Role: gateway.RoleUser, Content: "hi"}})
	require.NoError(t, err)

	var text string
	var kinds []gateway.ChunkKind
	for c := range ch {
		kinds = append(kinds, c.Kind)
		text += c.Text
	}
	assert.Equal(t, "hello world", text)
	assert.Equal(t, []gateway.ChunkKind{gateway.ChunkText, gateway.ChunkText, gateway.ChunkDone}, kinds)
}

func TestTraced_CancelledStreamDoesNotLeak(t *testing.T) {
	inner := gatewaytest.New().OnStream("core_agent", gateway.TextChunk("a"), gateway.TextChunk("b"), gateway.TextChunk("c"))
	gw := gateway.NewTraced(inner)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := gw.StreamGeneration(ctx, gateway.AgentConfig{Name: "core_agent"}, nil)
	require.NoError(t, err)

	<-ch
	cancel()
	for range ch {
	}
}

func TestTraced_AnalysisPassesThrough(t *testing.T) {
	inner := gatewaytest.New().OnAnalysis(gateway.KindHelp, `{"summary":"read the docs"}`)
	gw := gateway.NewTraced(inner)

	res, err := gateway.Analyze[gateway.HelpResult](context.Background(), gw, gateway.KindHelp, gateway.HelpPayload{Phase: "design"})
	require.NoError(t, err)
	assert.Equal(t, "read the docs", res.Summary)
	require.Len(t, inner.AnalysisCalls(gateway.KindHelp), 1)
}

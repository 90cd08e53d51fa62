package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blissfulldev/devops-ai-sub001/internal/common/config"
	"github.com/blissfulldev/devops-ai-sub001/internal/common/logger"
	"github.com/blissfulldev/devops-ai-sub001/internal/conversation"
	"github.com/blissfulldev/devops-ai-sub001/internal/events"
	"github.com/blissfulldev/devops-ai-sub001/internal/events/bus"
	"github.com/blissfulldev/devops-ai-sub001/internal/gateway"
	"github.com/blissfulldev/devops-ai-sub001/internal/gateway/gatewaytest"
	"github.com/blissfulldev/devops-ai-sub001/internal/orchestrator"
	"github.com/blissfulldev/devops-ai-sub001/internal/sink"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		Clarification: config.ClarificationConfig{
			EnableDeduplication:     true,
			ConfidenceThreshold:     0.8,
			UserLevel:               "intermediate",
			MaxSimilarityCandidates: 20,
			AllowCrossAgentReuse:    true,
		},
		Workflow: config.WorkflowConfig{MaxAgentSteps: 10, AutoAdvanceInterval: 1},
	}
}

func newTestRouter(t *testing.T, eventBus bus.EventBus) (*gin.Engine, *gatewaytest.Gateway) {
	t.Helper()
	gw := gatewaytest.New()
	svc, err := orchestrator.Build(conversation.NewStore(logger.NewNop()), gw, eventBus, testConfig(), nil, logger.NewNop())
	require.NoError(t, err)
	return NewRouter(NewHandlers(svc, eventBus, "default-model", logger.NewNop()), logger.NewNop()), gw
}

func do(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

type turnResponse struct {
	Result struct {
		Outcome string `json:"outcome"`
		Agent   string `json:"agent"`
		Pending int    `json:"pending_clarifications"`
	} `json:"result"`
	Events []sink.Envelope `json:"events"`
}

func TestMessageClarificationResumeFlow(t *testing.T) {
	router, gw := newTestRouter(t, nil)
	gw.OnStream("core_agent",
		gateway.TextChunk("Let me ask."),
		gatewaytest.ToolCall(gateway.ToolAskClarification, map[string]any{"question": "What AWS region?", "priority": "high"}))

	w := do(t, router, http.MethodPost, "/api/v1/conversations/c1/messages", MessageBody{Text: "Build a VPC"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var turn turnResponse
	decode(t, w, &turn)
	assert.Equal(t, "awaiting_clarification", turn.Result.Outcome)
	assert.Equal(t, 1, turn.Result.Pending)
	require.Len(t, turn.Events, 2)
	assert.Equal(t, sink.KindAgentTextDelta, turn.Events[0].Kind)
	assert.Equal(t, sink.KindClarificationRequest, turn.Events[1].Kind)
	assert.Equal(t, "default-model", gw.StreamCalls("core_agent")[0].Agent.ModelID)

	w = do(t, router, http.MethodPost, "/api/v1/conversations/c1/messages", MessageBody{Text: "and?"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, http.MethodGet, "/api/v1/conversations/c1/clarifications", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var pending struct {
		Pending []conversation.EnrichedQuestion `json:"pending"`
		Waiting bool                            `json:"waiting"`
	}
	decode(t, w, &pending)
	require.Len(t, pending.Pending, 1)
	assert.True(t, pending.Waiting)

	w = do(t, router, http.MethodPost, "/api/v1/conversations/c1/clarifications/"+pending.Pending[0].ID+"/respond", RespondBody{Answer: "us-east-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var answered struct {
		Outcome orchestrator.AnswerOutcome `json:"outcome"`
	}
	decode(t, w, &answered)
	assert.True(t, answered.Outcome.Accepted)
	assert.True(t, answered.Outcome.ReadyToResume)

	w = do(t, router, http.MethodPost, "/api/v1/conversations/c1/resume", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &turn)
	assert.Equal(t, "idle", turn.Result.Outcome)
}

func TestErrorMapping(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	w := do(t, router, http.MethodPost, "/api/v1/conversations/c1/clarifications/nope/respond", RespondBody{Answer: "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	var body map[string]any
	decode(t, w, &body)
	assert.Equal(t, "not found", body["kind"])
	assert.Equal(t, "nope", body["id"])

	w = do(t, router, http.MethodPatch, "/api/v1/conversations/c1/preferences", map[string]any{"verbosity_level": "chatty"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	decode(t, w, &body)
	assert.Equal(t, "verbosity_level", body["field"])

	w = do(t, router, http.MethodPost, "/api/v1/conversations/c1/resume", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, http.MethodPost, "/api/v1/conversations/c1/actions", ActionBody{Type: "skip"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(t, router, http.MethodPost, "/api/v1/conversations/c1/messages", []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodGet, "/api/v1/conversations/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{conversation.InvalidPreference("verbosity_level", "bad"), http.StatusBadRequest},
		{conversation.NotFound("op", "c", "r", ""), http.StatusNotFound},
		{conversation.StaleRequest("op", "c", "r"), http.StatusConflict},
		{conversation.UnknownTransition("c", "a", "e", ""), http.StatusConflict},
		{conversation.ErrAwaitingClarification, http.StatusConflict},
		{conversation.ErrActionUnavailable, http.StatusUnprocessableEntity},
		{gateway.Unavailable("help", errors.New("down")), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestActionsAndPreferences(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	w := do(t, router, http.MethodGet, "/api/v1/conversations/c1/actions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Actions []struct {
			Type    string `json:"type"`
			Enabled bool   `json:"enabled"`
		} `json:"actions"`
	}
	decode(t, w, &list)
	require.NotEmpty(t, list.Actions)
	assert.Equal(t, "continue", list.Actions[0].Type)
	assert.True(t, list.Actions[0].Enabled)

	w = do(t, router, http.MethodPost, "/api/v1/conversations/c1/actions", ActionBody{Type: "continue"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, router, http.MethodPatch, "/api/v1/conversations/c1/preferences", map[string]any{"timeout_for_auto_advance": 500})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var prefs conversation.UserPreferences
	decode(t, w, &prefs)
	assert.Equal(t, 300, prefs.TimeoutForAutoAdvance)

	w = do(t, router, http.MethodGet, "/api/v1/conversations/c1/preferences/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	exported := w.Body.Bytes()

	w = do(t, router, http.MethodDelete, "/api/v1/conversations/c1/preferences", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodPost, "/api/v1/conversations/c1/preferences/import", exported)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &prefs)
	assert.Equal(t, 300, prefs.TimeoutForAutoAdvance)

	w = do(t, router, http.MethodPost, "/api/v1/conversations/c1/preferences/import", []byte(`{"version":99}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodGet, "/api/v1/conversations/c1/preferences/recommendations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"recommendations":[]}`, w.Body.String())

	w = do(t, router, http.MethodGet, "/api/v1/conversations/c1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, router, http.MethodDelete, "/api/v1/conversations/c1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestBatchResponses(t *testing.T) {
	router, gw := newTestRouter(t, nil)
	gw.OnStream("core_agent", gatewaytest.ToolCall(gateway.ToolAskClarification, map[string]any{"question": "What AWS region?", "priority": "high"}))
	w := do(t, router, http.MethodPost, "/api/v1/conversations/c1/messages", MessageBody{Text: "Build a VPC"})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodGet, "/api/v1/conversations/c1/clarifications", nil)
	var pending struct {
		Pending []conversation.EnrichedQuestion `json:"pending"`
	}
	decode(t, w, &pending)
	require.Len(t, pending.Pending, 1)

	w = do(t, router, http.MethodPost, "/api/v1/conversations/c1/clarification-responses", BatchRespondBody{
		Responses: []conversation.ClarificationResponse{
			{RequestID: "ghost", Answer: "?"},
			{RequestID: pending.Pending[0].ID, Answer: "us-east-1"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var batch struct {
		Outcomes []orchestrator.AnswerOutcome `json:"outcomes"`
	}
	decode(t, w, &batch)
	require.Len(t, batch.Outcomes, 2)
	assert.NotEmpty(t, batch.Outcomes[0].Error)
	assert.True(t, batch.Outcomes[1].Accepted)
}

func TestEventsAreRelayedOnTheBus(t *testing.T) {
	memBus := bus.NewMemoryEventBus(logger.NewNop())
	defer memBus.Close()

	received := make(chan sink.Event, 4)
	_, err := memBus.Subscribe(events.BuildConversationWildcardSubject("c1"), func(_ context.Context, e *bus.Event) error {
		ev, err := sink.FromBusEvent(e)
		if err == nil {
			received <- ev
		}
		return nil
	})
	require.NoError(t, err)

	router, gw := newTestRouter(t, memBus)
	gw.OnStream("core_agent", gateway.TextChunk("hello"))
	w := do(t, router, http.MethodPost, "/api/v1/conversations/c1/messages", MessageBody{Text: "hi"})
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case ev := <-received:
		assert.Equal(t, sink.AgentTextDelta{Agent: "core_agent", Delta: "hello"}, ev)
	case <-time.After(time.Second):
		t.Fatal("no event relayed")
	}
}

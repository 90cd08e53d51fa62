// Package api exposes the orchestration core over HTTP. Every call returns its result
// together with the events the core produced while handling it.
package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/blissfulldev/devops-ai-sub001/internal/actions"
	"github.com/blissfulldev/devops-ai-sub001/internal/common/httpmw"
	"github.com/blissfulldev/devops-ai-sub001/internal/common/logger"
	"github.com/blissfulldev/devops-ai-sub001/internal/conversation"
	"github.com/blissfulldev/devops-ai-sub001/internal/events/bus"
	"github.com/blissfulldev/devops-ai-sub001/internal/orchestrator"
	"github.com/blissfulldev/devops-ai-sub001/internal/preferences"
	"github.com/blissfulldev/devops-ai-sub001/internal/sink"
)

const serverName = "hitl-api"

// maxImportSize bounds preference import bodies.
const maxImportSize = 64 << 10

// Handlers provides HTTP handlers for conversations.
type Handlers struct {
	service      *orchestrator.Service
	bus          bus.EventBus
	defaultModel string
	logger       *logger.Logger
}

// NewHandlers creates handlers. eventBus may be nil; when set, events are also relayed
// on it.
func NewHandlers(service *orchestrator.Service, eventBus bus.EventBus, defaultModel string, log *logger.Logger) *Handlers {
	return &Handlers{
		service:      service,
		bus:          eventBus,
		defaultModel: defaultModel,
		logger:       log.WithFields(zap.String("component", "api-handlers")),
	}
}

// NewRouter returns a gin engine with the middleware and routes installed.
func NewRouter(h *Handlers, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestContext(), httpmw.Tracing(), httpmw.RequestLogger(log))
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	RegisterRoutes(router, h)
	return router
}

// RegisterRoutes registers conversation HTTP routes.
func RegisterRoutes(router *gin.Engine, h *Handlers) {
	api := router.Group("/api/v1/conversations/:id")
	api.GET("", h.httpGetState)
	api.DELETE("", h.httpDelete)
	api.POST("/messages", h.httpSubmitMessage)
	api.POST("/resume", h.httpResume)

	api.GET("/clarifications", h.httpGetPending)
	api.POST("/clarifications/:requestId/respond", h.httpRespond)
	api.GET("/clarifications/:requestId/follow-ups", h.httpFollowUps)
	api.POST("/clarification-responses", h.httpRespondBatch)
	api.POST("/follow-ups", h.httpAskFollowUps)

	api.GET("/actions", h.httpGetActions)
	api.POST("/actions", h.httpExecuteAction)

	api.GET("/preferences", h.httpGetPreferences)
	api.PATCH("/preferences", h.httpSetPreferences)
	api.DELETE("/preferences", h.httpResetPreferences)
	api.GET("/preferences/export", h.httpExportPreferences)
	api.POST("/preferences/import", h.httpImportPreferences)
	api.GET("/preferences/recommendations", h.httpRecommendations)
}

// requestSink collects the events of one call and relays them on the bus when one is
// configured.
func (h *Handlers) requestSink(conversationID string) (*sink.Buffer, sink.Sink) {
	buf := sink.NewBuffer()
	if h.bus == nil {
		return buf, buf
	}
	return buf, sink.Multi{buf, sink.NewBusSink(h.bus, conversationID, serverName)}
}

func (h *Handlers) envelopes(c *gin.Context, buf *sink.Buffer) []sink.Envelope {
	envs, err := buf.Envelopes()
	if err != nil {
		h.logger.Warn("failed to encode events", zap.String("conversation_id", c.Param("id")), zap.Error(err))
		return []sink.Envelope{}
	}
	return envs
}

func (h *Handlers) modelID(requested string) string {
	if requested != "" {
		return requested
	}
	return h.defaultModel
}

// statusFor maps core errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, conversation.ErrInvalidPreference):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrStaleRequest),
		errors.Is(err, conversation.ErrUnknownTransition),
		errors.Is(err, conversation.ErrAwaitingClarification):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrActionUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, conversation.ErrGatewayUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorBody carries the error kind and the id or field it concerns.
func errorBody(err error) gin.H {
	body := gin.H{"error": err.Error()}
	var ce *conversation.Error
	if errors.As(err, &ce) {
		if ce.Kind != nil {
			body["kind"] = ce.Kind.Error()
		}
		if ce.ID != "" {
			body["id"] = ce.ID
		}
		if ce.Field != "" {
			body["field"] = ce.Field
		}
	}
	return body
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, errorBody(err))
}

func (h *Handlers) httpGetState(c *gin.Context) {
	state, ok := h.service.State(c.Param("id"))
	if !ok {
		h.fail(c, conversation.NotFound("get state", c.Param("id"), c.Param("id"), "no such conversation"))
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *Handlers) httpDelete(c *gin.Context) {
	if err := h.service.DeleteConversation(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// MessageBody is the request body for submitting a user message.
type MessageBody struct {
	Text    string `json:"text" binding:"required"`
	ModelID string `json:"model_id"`
}

func (h *Handlers) httpSubmitMessage(c *gin.Context) {
	var body MessageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	id := c.Param("id")
	buf, out := h.requestSink(id)
	result, err := h.service.SubmitUserMessage(c.Request.Context(), id, body.Text, h.modelID(body.ModelID), out)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result, "events": h.envelopes(c, buf)})
}

// ModelBody selects the model for calls that take no other input.
type ModelBody struct {
	ModelID string `json:"model_id"`
}

func (h *Handlers) httpResume(c *gin.Context) {
	var body ModelBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
			return
		}
	}
	id := c.Param("id")
	buf, out := h.requestSink(id)
	result, err := h.service.Resume(c.Request.Context(), id, h.modelID(body.ModelID), out)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result, "events": h.envelopes(c, buf)})
}

func (h *Handlers) httpGetPending(c *gin.Context) {
	id := c.Param("id")
	c.JSON(http.StatusOK, gin.H{
		"pending": h.service.GetPendingClarifications(id),
		"waiting": h.service.IsWaitingForClarification(id),
	})
}

// RespondBody is the request body for answering one clarification.
type RespondBody struct {
	Answer         string `json:"answer"`
	SelectedOption string `json:"selected_option"`
	ModelID        string `json:"model_id"`
}

func (h *Handlers) httpRespond(c *gin.Context) {
	var body RespondBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	id := c.Param("id")
	buf, out := h.requestSink(id)
	outcome, err := h.service.SubmitClarificationResponse(c.Request.Context(), id, conversation.ClarificationResponse{
		RequestID:      c.Param("requestId"),
		Answer:         body.Answer,
		SelectedOption: body.SelectedOption,
	}, h.modelID(body.ModelID), out)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": outcome, "events": h.envelopes(c, buf)})
}

// BatchRespondBody is the request body for answering several clarifications.
type BatchRespondBody struct {
	Responses []conversation.ClarificationResponse `json:"responses" binding:"required"`
	ModelID   string                               `json:"model_id"`
}

func (h *Handlers) httpRespondBatch(c *gin.Context) {
	var body BatchRespondBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	id := c.Param("id")
	buf, out := h.requestSink(id)
	outcomes := h.service.SubmitClarificationResponses(c.Request.Context(), id, body.Responses, h.modelID(body.ModelID), out)
	c.JSON(http.StatusOK, gin.H{"outcomes": outcomes, "events": h.envelopes(c, buf)})
}

func (h *Handlers) httpFollowUps(c *gin.Context) {
	questions, err := h.service.FollowUpQuestions(c.Request.Context(), c.Param("id"), c.Param("requestId"), h.modelID(c.Query("model_id")))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"questions": questions})
}

// FollowUpsBody is the request body for asking chosen follow-up questions.
type FollowUpsBody struct {
	Questions []conversation.ClarificationRequest `json:"questions" binding:"required"`
	ModelID   string                              `json:"model_id"`
}

func (h *Handlers) httpAskFollowUps(c *gin.Context) {
	var body FollowUpsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	id := c.Param("id")
	buf, out := h.requestSink(id)
	results, err := h.service.AskFollowUps(c.Request.Context(), id, body.Questions, h.modelID(body.ModelID), out)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "events": h.envelopes(c, buf)})
}

func (h *Handlers) httpGetActions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"actions": h.service.AvailableActions(c.Request.Context(), c.Param("id"), h.modelID(c.Query("model_id"))),
	})
}

// ActionBody is the request body for executing a user action.
type ActionBody struct {
	Type         actions.ActionType `json:"type" binding:"required"`
	Instructions string             `json:"instructions"`
	ModelID      string             `json:"model_id"`
}

func (h *Handlers) httpExecuteAction(c *gin.Context) {
	var body ActionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	id := c.Param("id")
	buf, out := h.requestSink(id)
	result := h.service.ExecuteAction(c.Request.Context(), id, actions.ActionRequest{
		Type:         body.Type,
		Instructions: body.Instructions,
	}, h.modelID(body.ModelID), out)

	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
		if result.Err != nil {
			status = statusFor(result.Err)
		}
	}
	c.JSON(status, gin.H{"result": result, "events": h.envelopes(c, buf)})
}

func (h *Handlers) httpGetPreferences(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Preferences(c.Param("id")))
}

func (h *Handlers) httpSetPreferences(c *gin.Context) {
	var patch preferences.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	prefs, err := h.service.SetPreferences(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, prefs)
}

func (h *Handlers) httpResetPreferences(c *gin.Context) {
	prefs, err := h.service.ResetPreferences(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, prefs)
}

func (h *Handlers) httpExportPreferences(c *gin.Context) {
	data, err := h.service.ExportPreferences(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func (h *Handlers) httpImportPreferences(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxImportSize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	prefs, err := h.service.ImportPreferences(c.Request.Context(), c.Param("id"), data)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, prefs)
}

func (h *Handlers) httpRecommendations(c *gin.Context) {
	recs := h.service.Recommendations(c.Param("id"))
	if recs == nil {
		recs = []preferences.Recommendation{}
	}
	c.JSON(http.StatusOK, gin.H{"recommendations": recs})
}

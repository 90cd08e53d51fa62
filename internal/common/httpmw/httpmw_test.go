package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zapcore"

	"github.com/blissfulldev/devops-ai-sub001/internal/common/logger"
	"github.com/blissfulldev/devops-ai-sub001/internal/common/tracing"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestMiddleware(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := tracing.NewProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	log, logs := logger.NewObserved(zapcore.DebugLevel)

	var seen struct{ requestID, conversationID string }
	router := gin.New()
	router.Use(RequestContext(), Tracing(), RequestLogger(log))
	router.GET("/conversations/:id", func(c *gin.Context) {
		seen.requestID = logger.RequestIDFromContext(c.Request.Context())
		seen.conversationID = logger.ConversationIDFromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})
	router.GET("/broken", func(c *gin.Context) {
		_ = c.Error(assert.AnError)
		c.Status(http.StatusInternalServerError)
	})

	req := httptest.NewRequest(http.MethodGet, "/conversations/conv-1", nil)
	req.Header.Set(HeaderRequestID, "req-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "req-42", w.Header().Get(HeaderRequestID))
	assert.Equal(t, "req-42", seen.requestID)
	assert.Equal(t, "conv-1", seen.conversationID)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/broken", nil))
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "GET /conversations/:id", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("conversation_id", "conv-1"))
	assert.Contains(t, spans[0].Attributes(), attribute.String("request_id", "req-42"))
	assert.Equal(t, codes.Error, spans[1].Status().Code)

	ok := logs.FilterMessage("http request").All()
	require.Len(t, ok, 1)
	assert.Equal(t, "conv-1", ok[0].ContextMap()["conversation_id"])
	failed := logs.FilterMessage("http request failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, zapcore.WarnLevel, failed[0].Level)
	assert.Equal(t, assert.AnError.Error(), failed[0].ContextMap()["error"])
}

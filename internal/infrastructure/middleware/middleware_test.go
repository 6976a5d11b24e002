package middleware

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/services"
	"livecast/pkg/errors"
	"livecast/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestAuthMiddleware(t *testing.T) {
	auth := services.NewAuthService("secret", time.Hour, time.Hour)
	valid, err := auth.GenerateToken("alice", "Alice")
	require.NoError(t, err)

	router := gin.New()
	router.GET("/me", AuthMiddleware(auth), func(c *gin.Context) {
		id, _ := UserID(c)
		c.JSON(http.StatusOK, gin.H{"user_id": id, "username": Username(c)})
	})

	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "missing header", header: "", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", status: http.StatusUnauthorized},
		{name: "garbage token", header: "Bearer nope", status: http.StatusUnauthorized},
		{name: "valid", header: "Bearer " + valid, status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			body := decode(t, w)
			if tt.status == http.StatusOK {
				assert.Equal(t, "alice", body["user_id"])
				assert.Equal(t, "Alice", body["username"])
			} else {
				assert.Equal(t, string(errors.ErrCodeUnauthorized), body["error"])
			}
		})
	}
}

func TestOptionalAuthMiddleware(t *testing.T) {
	auth := services.NewAuthService("secret", time.Hour, time.Hour)
	router := gin.New()
	router.GET("/feed", OptionalAuthMiddleware(auth), func(c *gin.Context) {
		_, ok := UserID(c)
		c.JSON(http.StatusOK, gin.H{"identified": ok})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/feed", nil)
	req.Header.Set("Authorization", "Bearer invalid")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["identified"])
}

func TestUserID_RejectsForeignType(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Set(ContextUserID, "alice")

	_, ok := UserID(c)
	assert.False(t, ok)

	c.Set(ContextUserID, domain.ParticipantID("alice"))
	id, ok := UserID(c)
	assert.True(t, ok)
	assert.Equal(t, domain.ParticipantID("alice"), id)
}

func TestErrorHandlerMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(logger.NewNop()))
	router.GET("/missing", func(c *gin.Context) {
		_ = c.Error(errors.NewNotFoundError("stream").WithContext("stream_id", "s1"))
	})
	router.GET("/denied", func(c *gin.Context) {
		_ = c.Error(errors.NewModerationDeniedError("cannot kick yourself"))
	})
	router.GET("/plain", func(c *gin.Context) {
		_ = c.Error(stderrors.New("database exploded"))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	body := decode(t, w)
	assert.Equal(t, string(errors.ErrCodeNotFound), body["error"])
	assert.Equal(t, map[string]interface{}{"stream_id": "s1"}, body["details"])

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/denied", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, string(errors.ErrCodeModerationDenied), decode(t, w)["error"])

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/plain", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "database exploded")
}

func TestRecoveryMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(RecoveryMiddleware(logger.NewNop()))
	router.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, string(errors.ErrCodeInternal), decode(t, w)["error"])
}

type recordedRequest struct {
	method, route string
	status        int
}

type httpMetricsRecorder struct {
	requests []recordedRequest
}

func (r *httpMetricsRecorder) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	r.requests = append(r.requests, recordedRequest{method, route, status})
}

func TestRequestIDAndAccessLog(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	metrics := &httpMetricsRecorder{}

	router := gin.New()
	router.Use(RequestIDMiddleware(), AccessLogMiddleware(logger.NewContextLogger(zap.New(core)), metrics))
	router.GET("/streams/:id", func(c *gin.Context) {
		c.Set(ContextUserID, domain.ParticipantID("alice"))
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/streams/s1", nil)
	req.Header.Set(HeaderRequestID, "req-42")
	router.ServeHTTP(w, req)

	assert.Equal(t, "req-42", w.Header().Get(HeaderRequestID))
	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-42", fields["request_id"])
	assert.Equal(t, "alice", fields["user_id"])
	assert.Equal(t, "s1", fields["stream_id"])
	assert.Equal(t, "/streams/:id", fields["path"])
	assert.Equal(t, []recordedRequest{{"GET", "/streams/:id", http.StatusNoContent}}, metrics.requests)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/streams/s2", nil))
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID), "an id is assigned when none is sent")
}

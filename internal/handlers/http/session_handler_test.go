package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/services"
	"livecast/internal/infrastructure/middleware"
	"livecast/internal/infrastructure/repositories/memory"
	"livecast/internal/infrastructure/rtc"
	"livecast/pkg/circuitbreaker"
	apperrors "livecast/pkg/errors"
	"livecast/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type handlerFixture struct {
	t        *testing.T
	auth     *services.AuthService
	store    *memory.SessionStore
	sessions *services.SessionManager
	recovery *services.RecoveryRegistry
	router   *gin.Engine
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	log := logger.NewNop()
	breakers := circuitbreaker.NewRegistry(nil, circuitbreaker.DefaultConfig())
	// No engine factory: every session runs in persistence-only mode.
	media := rtc.NewPool(nil, breakers, rtc.Config{}, log)

	store := memory.NewSessionStore()
	sessions := services.NewSessionManager(store, media, nil, nil, services.SessionManagerConfig{}, log)
	recovery := services.NewRecoveryRegistry(store, media, breakers, services.DefaultRecoveryConfig(), log)
	t.Cleanup(func() {
		recovery.Close()
		sessions.Close()
	})

	auth := services.NewAuthService("handler-secret", time.Hour, time.Hour)
	feed := NewLiveFeed(sessions, LiveFeedConfig{}, log)
	handler := NewSessionHandler(sessions, recovery, feed, log)

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(log))
	handler.SetupRoutes(router, middleware.AuthMiddleware(auth))

	return &handlerFixture{
		t:        t,
		auth:     auth,
		store:    store,
		sessions: sessions,
		recovery: recovery,
		router:   router,
	}
}

func authFor(f *handlerFixture) gin.HandlerFunc {
	return middleware.AuthMiddleware(f.auth)
}

func (f *handlerFixture) do(method, path string, user domain.ParticipantID, body interface{}) *httptest.ResponseRecorder {
	f.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		token, err := f.auth.GenerateToken(user, strings.ToUpper(string(user)))
		require.NoError(f.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *handlerFixture) createStream(host domain.ParticipantID) domain.StreamID {
	f.t.Helper()
	w := f.do(http.MethodPost, "/api/v1/streams", host, gin.H{"title": "Morning show"})
	require.Equal(f.t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		StreamID domain.StreamID `json:"stream_id"`
	}
	require.NoError(f.t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(f.t, resp.StreamID)
	return resp.StreamID
}

func streamPath(id domain.StreamID, suffix string) string {
	return "/api/v1/streams/" + string(id) + suffix
}

type streamResponse struct {
	Stream domain.StreamSession `json:"stream"`
}

func decodeStream(t *testing.T, w *httptest.ResponseRecorder) domain.StreamSession {
	t.Helper()
	var resp streamResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Stream
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	code, _ := resp["error"].(string)
	return code
}

func TestSessionHandler_CreateStream(t *testing.T) {
	f := newHandlerFixture(t)

	id := f.createStream("h1")

	stored, err := f.store.GetStream(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Morning show", stored.Title)
	assert.Equal(t, domain.ParticipantID("h1"), stored.HostID)
	require.Len(t, stored.Participants, 1)
	assert.Equal(t, "H1", stored.Participants[0].Name, "host name defaults to the token username")
	assert.True(t, stored.Participants[0].IsHost)
}

func TestSessionHandler_CreateStreamValidation(t *testing.T) {
	f := newHandlerFixture(t)

	tests := []struct {
		name   string
		user   domain.ParticipantID
		body   interface{}
		status int
		code   apperrors.ErrorCode
	}{
		{name: "anonymous", body: gin.H{"title": "x"}, status: http.StatusUnauthorized, code: apperrors.ErrCodeUnauthorized},
		{name: "empty title", user: "h1", body: gin.H{"title": "  "}, status: http.StatusBadRequest, code: apperrors.ErrCodeInvalidInput},
		{name: "long title", user: "h1", body: gin.H{"title": strings.Repeat("a", 200)}, status: http.StatusBadRequest, code: apperrors.ErrCodeInvalidInput},
		{name: "bad avatar", user: "h1", body: gin.H{"title": "ok", "host_avatar": "ftp://x"}, status: http.StatusBadRequest, code: apperrors.ErrCodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/api/v1/streams", tt.user, tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, string(tt.code), errorCode(t, w))
		})
	}
}

func TestSessionHandler_GetAndListStreams(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.do(http.MethodGet, "/api/v1/streams", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"streams":[],"count":0}`, w.Body.String())

	id := f.createStream("h1")

	w = f.do(http.MethodGet, "/api/v1/streams", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Streams []domain.StreamSession `json:"streams"`
		Count   int                    `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
	require.Len(t, list.Streams, 1)
	assert.Equal(t, id, list.Streams[0].ID)

	w = f.do(http.MethodGet, streamPath(id, ""), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, decodeStream(t, w).ID)

	w = f.do(http.MethodGet, streamPath("missing", ""), "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(apperrors.ErrCodeNotFound), errorCode(t, w))
}

func TestSessionHandler_JoinAndLeave(t *testing.T) {
	f := newHandlerFixture(t)
	id := f.createStream("h1")

	w := f.do(http.MethodPost, streamPath(id, "/join"), "u1", gin.H{"name": "Viewer"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stream := decodeStream(t, w)
	require.Len(t, stream.Participants, 2)
	assert.Equal(t, 1, stream.ViewerCount)
	assert.Equal(t, "Viewer", stream.Participants[1].Name)

	w = f.do(http.MethodPost, streamPath(id, "/join"), "u2", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "U2", decodeStream(t, w).Participants[2].Name)

	w = f.do(http.MethodPost, streamPath(id, "/leave"), "u1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	stored, err := f.store.GetStream(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ViewerCount)

	w = f.do(http.MethodPost, streamPath(id, "/leave"), "stranger", nil)
	assert.Equal(t, http.StatusNoContent, w.Code, "leaving a stream you are not in is a no-op")
}

func TestSessionHandler_JoinMissingStream(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.do(http.MethodPost, streamPath("nope", "/join"), "u1", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionHandler_EndStreamRequiresHost(t *testing.T) {
	f := newHandlerFixture(t)
	id := f.createStream("h1")
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, streamPath(id, "/join"), "u1", nil).Code)

	w := f.do(http.MethodPost, streamPath(id, "/end"), "u1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, string(apperrors.ErrCodeModerationDenied), errorCode(t, w))

	w = f.do(http.MethodPost, streamPath(id, "/end"), "h1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	stored, err := f.store.GetStream(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
}

func TestSessionHandler_Moderation(t *testing.T) {
	f := newHandlerFixture(t)
	id := f.createStream("h1")
	for _, u := range []domain.ParticipantID{"u1", "u2"} {
		require.Equal(t, http.StatusOK, f.do(http.MethodPost, streamPath(id, "/join"), u, nil).Code)
	}

	t.Run("audience cannot kick", func(t *testing.T) {
		w := f.do(http.MethodPost, streamPath(id, "/participants/u2/kick"), "u1", nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, string(apperrors.ErrCodeModerationDenied), errorCode(t, w))
	})

	t.Run("host cannot kick self", func(t *testing.T) {
		w := f.do(http.MethodPost, streamPath(id, "/participants/h1/kick"), "h1", nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("invalid target", func(t *testing.T) {
		w := f.do(http.MethodPost, streamPath(id, "/participants/bad%20id/kick"), "h1", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("host mutes", func(t *testing.T) {
		w := f.do(http.MethodPost, streamPath(id, "/participants/u1/mute"), "h1", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		stream := decodeStream(t, w)
		p, ok := stream.Participant("u1")
		require.True(t, ok)
		assert.True(t, p.IsMuted)
	})

	t.Run("host kicks", func(t *testing.T) {
		w := f.do(http.MethodPost, streamPath(id, "/participants/u1/kick"), "h1", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		stream := decodeStream(t, w)
		_, ok := stream.Participant("u1")
		assert.False(t, ok)
		assert.Equal(t, 1, stream.ViewerCount)
	})

	t.Run("host bans", func(t *testing.T) {
		w := f.do(http.MethodPost, streamPath(id, "/participants/u2/ban"), "h1", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		stream := decodeStream(t, w)
		_, ok := stream.Participant("u2")
		assert.False(t, ok)
	})

	t.Run("unknown target", func(t *testing.T) {
		w := f.do(http.MethodPost, streamPath(id, "/participants/ghost/kick"), "h1", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

type recoveryResponse struct {
	Recovered bool                 `json:"recovered"`
	State     domain.RecoveryState `json:"state"`
}

func decodeRecovery(t *testing.T, w *httptest.ResponseRecorder) recoveryResponse {
	t.Helper()
	var resp recoveryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestSessionHandler_RecoveryRoutes(t *testing.T) {
	f := newHandlerFixture(t)
	id := f.createStream("h1")
	recoveryPath := streamPath(id, "/recovery")

	w := f.do(http.MethodGet, recoveryPath, "h1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.InitialRecoveryState(), decodeRecovery(t, w).State)

	w = f.do(http.MethodPost, recoveryPath, "h1", gin.H{
		"message": "token rejected",
		"code":    string(apperrors.ErrCodeAccessDenied),
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	report := decodeRecovery(t, w)
	assert.False(t, report.Recovered)
	assert.Equal(t, domain.ConnectionFailed, report.State.ConnectionState)
	assert.Equal(t, 0, report.State.RecoveryAttempts, "fatal errors are not retried")
	assert.Contains(t, report.State.LastError, "token rejected")

	w = f.do(http.MethodGet, recoveryPath, "h1", nil)
	assert.Equal(t, domain.ConnectionFailed, decodeRecovery(t, w).State.ConnectionState)

	w = f.do(http.MethodPost, recoveryPath, "h1", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodDelete, recoveryPath, "h1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, domain.InitialRecoveryState(), f.recovery.State(id, "h1"))
}

func TestSessionHandler_RecoveryIsScopedToCaller(t *testing.T) {
	f := newHandlerFixture(t)
	id := f.createStream("h1")
	w := f.do(http.MethodPost, streamPath(id, "/join"), "u1", gin.H{"name": "U1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(http.MethodPost, streamPath(id, "/recovery"), "u1", gin.H{
		"message": "kicked by server",
		"code":    string(apperrors.ErrCodeAccessDenied),
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = f.do(http.MethodGet, streamPath(id, "/recovery"), "h1", nil)
	assert.Equal(t, domain.InitialRecoveryState(), decodeRecovery(t, w).State, "the host is unaffected")

	w = f.do(http.MethodDelete, streamPath(id, "/recovery"), "h1", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, domain.ConnectionFailed, f.recovery.State(id, "u1").ConnectionState, "reset only touches the caller")

	w = f.do(http.MethodDelete, streamPath(id, "/recovery"), "u1", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, domain.InitialRecoveryState(), f.recovery.State(id, "u1"))
}

func TestSessionHandler_PendingRecoveryDoesNotBlockOtherStreams(t *testing.T) {
	f := newHandlerFixture(t)
	first := f.createStream("h1")
	second := f.createStream("h2")

	// Without an engine every reconnect fails and a retry is scheduled.
	w := f.do(http.MethodPost, streamPath(first, "/recovery"), "h1", gin.H{"message": "ice failed"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	pending := decodeRecovery(t, w).State
	require.True(t, pending.IsRecovering)
	require.Equal(t, 1, pending.RecoveryAttempts)

	w = f.do(http.MethodPost, streamPath(second, "/recovery"), "h2", gin.H{"message": "ice failed"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	state := decodeRecovery(t, w).State
	assert.Equal(t, 1, state.RecoveryAttempts, "the second host's error is handled, not dropped")
	assert.Equal(t, domain.StrategyReconnect, state.RecoveryStrategy)
	assert.Equal(t, 1, f.recovery.State(first, "h1").RecoveryAttempts)
	assert.Equal(t, 2, f.recovery.Len())
}

func TestSessionHandler_RecoveryRoutesOptional(t *testing.T) {
	log := logger.NewNop()
	handler := NewSessionHandler(nil, nil, nil, log)
	router := gin.New()
	handler.SetupRoutes(router, func(c *gin.Context) { c.Next() })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/streams/s1/recovery", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLiveFeed_PushesActiveStreams(t *testing.T) {
	f := newHandlerFixture(t)
	server := httptest.NewServer(f.router)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/api/v1/live", nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() liveFeedMessage {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg liveFeedMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	first := read()
	assert.Equal(t, msgActiveStreams, first.Type)
	assert.Empty(t, first.Streams)

	id := f.createStream("h1")

	// Intermediate snapshots may be coalesced; read until the stream shows up.
	for {
		msg := read()
		if len(msg.Streams) == 1 {
			assert.Equal(t, id, msg.Streams[0].ID)
			return
		}
	}
}

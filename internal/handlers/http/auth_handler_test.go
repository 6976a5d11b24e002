package http

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"livecast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthHandler_RTCToken(t *testing.T) {
	f := newHandlerFixture(t)
	NewAuthHandler(f.sessions, f.auth, time.Hour).SetupRoutes(f.router, authFor(f))
	id := f.createStream("h1")
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, streamPath(id, "/join"), "u1", nil).Code)

	tests := []struct {
		name   string
		user   domain.ParticipantID
		status int
		role   domain.ClientRole
	}{
		{name: "host", user: "h1", status: http.StatusOK, role: domain.RoleHost},
		{name: "audience", user: "u1", status: http.StatusOK, role: domain.RoleAudience},
		{name: "non member", user: "stranger", status: http.StatusForbidden},
		{name: "anonymous", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodPost, streamPath(id, "/rtc-token"), tt.user, nil)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.status != http.StatusOK {
				return
			}

			var resp rtcTokenResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, string(id), resp.Channel)
			assert.Equal(t, tt.user.UID(), resp.UID)
			assert.Equal(t, tt.role, resp.Role)
			assert.Equal(t, 3600, resp.ExpiresIn)

			claims, err := f.auth.ValidateRTCToken(resp.Token)
			require.NoError(t, err)
			assert.Equal(t, string(id), claims.Channel)
			assert.Equal(t, tt.role, claims.Role)
		})
	}
}

func TestAuthHandler_RTCTokenEndedStream(t *testing.T) {
	f := newHandlerFixture(t)
	NewAuthHandler(f.sessions, f.auth, time.Hour).SetupRoutes(f.router, authFor(f))
	id := f.createStream("h1")
	require.Equal(t, http.StatusNoContent, f.do(http.MethodPost, streamPath(id, "/end"), "h1", nil).Code)

	w := f.do(http.MethodPost, streamPath(id, "/rtc-token"), "h1", nil)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

package http

import (
	"net/http"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	apperrors "livecast/pkg/errors"

	"github.com/gin-gonic/gin"
)

// AuthHandler issues media credentials to members of a stream.
type AuthHandler struct {
	sessions ports.SessionService
	tokens   ports.TokenProvider
	ttl      time.Duration
}

func NewAuthHandler(sessions ports.SessionService, tokens ports.TokenProvider, ttl time.Duration) *AuthHandler {
	return &AuthHandler{
		sessions: sessions,
		tokens:   tokens,
		ttl:      ttl,
	}
}

func (h *AuthHandler) SetupRoutes(router gin.IRouter, auth gin.HandlerFunc) {
	api := router.Group("/api/v1", auth)
	{
		api.POST("/streams/:id/rtc-token", h.RTCToken)
	}
}

type rtcTokenResponse struct {
	Token     string            `json:"token"`
	Channel   string            `json:"channel"`
	UID       uint32            `json:"uid"`
	Role      domain.ClientRole `json:"role"`
	ExpiresIn int               `json:"expires_in"`
}

// RTCToken mints a channel credential for the caller. The role follows the
// caller's place in the roster, so only current members get one.
func (h *AuthHandler) RTCToken(c *gin.Context) {
	userID, ok := caller(c)
	if !ok {
		return
	}
	streamID, ok := streamParam(c)
	if !ok {
		return
	}

	stream, err := h.sessions.GetStream(c.Request.Context(), streamID)
	if err != nil {
		c.Error(err)
		return
	}
	if !stream.IsActive {
		c.Error(apperrors.WrapError(domain.ErrStreamEnded, apperrors.ErrCodeAccessDenied,
			"stream has ended", http.StatusForbidden))
		return
	}
	p, ok := stream.Participant(userID)
	if !ok {
		c.Error(apperrors.NewAccessDeniedError("join the stream before requesting media access"))
		return
	}

	role := domain.RoleAudience
	if p.IsHost {
		role = domain.RoleHost
	}

	token, err := h.tokens.RTCToken(c.Request.Context(), string(streamID), userID, role)
	if err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to issue media token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, rtcTokenResponse{
		Token:     token,
		Channel:   string(streamID),
		UID:       userID.UID(),
		Role:      role,
		ExpiresIn: int(h.ttl / time.Second),
	})
}

package http

import (
	"context"
	"net/http"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/internal/infrastructure/middleware"
	apperrors "livecast/pkg/errors"
	"livecast/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type SessionHandler struct {
	sessions ports.SessionService
	recovery ports.RecoveryRegistry
	feed     *LiveFeed
	logger   *zap.SugaredLogger
}

var (
	_ ports.HTTPHandler     = (*SessionHandler)(nil)
	_ ports.RecoveryHandler = (*SessionHandler)(nil)
)

// NewSessionHandler builds the REST surface. recovery may be nil, in which
// case the recovery routes are not mounted.
func NewSessionHandler(
	sessions ports.SessionService,
	recovery ports.RecoveryRegistry,
	feed *LiveFeed,
	logger *zap.SugaredLogger,
) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		recovery: recovery,
		feed:     feed,
		logger:   logger,
	}
}

// SetupRoutes mounts /api/v1. auth guards every mutating route.
func (h *SessionHandler) SetupRoutes(router gin.IRouter, auth gin.HandlerFunc) {
	api := router.Group("/api/v1")
	{
		api.GET("/streams", h.ListStreams)
		api.GET("/streams/:id", h.GetStream)
		api.GET("/live", h.LiveStreams)
	}

	authed := api.Group("", auth)
	{
		authed.POST("/streams", h.CreateStream)
		authed.POST("/streams/:id/join", h.JoinStream)
		authed.POST("/streams/:id/leave", h.LeaveStream)
		authed.POST("/streams/:id/end", h.EndStream)
		authed.POST("/streams/:id/participants/:uid/kick", h.KickParticipant)
		authed.POST("/streams/:id/participants/:uid/ban", h.BanParticipant)
		authed.POST("/streams/:id/participants/:uid/mute", h.ToggleMute)

		if h.recovery != nil {
			authed.POST("/streams/:id/recovery", h.ReportError)
			authed.GET("/streams/:id/recovery", h.GetRecoveryState)
			authed.DELETE("/streams/:id/recovery", h.ResetRecovery)
		}
	}
}

type createStreamRequest struct {
	Title      string `json:"title"`
	HostName   string `json:"host_name"`
	HostAvatar string `json:"host_avatar"`
}

type joinStreamRequest struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

func (h *SessionHandler) CreateStream(c *gin.Context) {
	hostID, ok := caller(c)
	if !ok {
		return
	}

	var req createStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError("invalid request body"))
		return
	}
	req.Title = validation.Sanitize(req.Title)
	if req.HostName == "" {
		req.HostName = middleware.Username(c)
	}
	if err := firstError(
		validation.ValidateTitle(req.Title),
		validation.ValidateDisplayName(req.HostName),
		validation.ValidateAvatarURL(req.HostAvatar),
	); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	streamID, err := h.sessions.CreateStream(c.Request.Context(), req.Title, hostID, req.HostName, req.HostAvatar)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"stream_id": streamID})
}

func (h *SessionHandler) GetStream(c *gin.Context) {
	streamID, ok := streamParam(c)
	if !ok {
		return
	}

	stream, err := h.sessions.GetStream(c.Request.Context(), streamID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"stream": stream})
}

func (h *SessionHandler) ListStreams(c *gin.Context) {
	streams, err := h.sessions.GetActiveStreams(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	if streams == nil {
		streams = []*domain.StreamSession{}
	}

	c.JSON(http.StatusOK, gin.H{
		"streams": streams,
		"count":   len(streams),
	})
}

func (h *SessionHandler) JoinStream(c *gin.Context) {
	userID, ok := caller(c)
	if !ok {
		return
	}
	streamID, ok := streamParam(c)
	if !ok {
		return
	}

	var req joinStreamRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(apperrors.NewInvalidInputError("invalid request body"))
			return
		}
	}
	if req.Name == "" {
		req.Name = middleware.Username(c)
	}
	if err := firstError(
		validation.ValidateDisplayName(req.Name),
		validation.ValidateAvatarURL(req.Avatar),
	); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.sessions.JoinStream(c.Request.Context(), streamID, userID, req.Name, req.Avatar); err != nil {
		c.Error(err)
		return
	}

	h.respondSession(c, streamID)
}

func (h *SessionHandler) LeaveStream(c *gin.Context) {
	userID, ok := caller(c)
	if !ok {
		return
	}
	streamID, ok := streamParam(c)
	if !ok {
		return
	}

	if err := h.sessions.LeaveStream(c.Request.Context(), streamID, userID); err != nil {
		c.Error(err)
		return
	}

	c.Status(http.StatusNoContent)
}

// EndStream is restricted to hosts of the stream.
func (h *SessionHandler) EndStream(c *gin.Context) {
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
	if p, ok := stream.Participant(userID); !ok || !p.IsHost {
		c.Error(apperrors.WrapError(domain.ErrNotHost, apperrors.ErrCodeModerationDenied,
			"only hosts can end the stream", http.StatusForbidden))
		return
	}

	if err := h.sessions.EndStream(c.Request.Context(), streamID); err != nil {
		c.Error(err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) KickParticipant(c *gin.Context) {
	h.moderate(c, h.sessions.KickParticipant)
}

func (h *SessionHandler) BanParticipant(c *gin.Context) {
	h.moderate(c, h.sessions.BanParticipant)
}

func (h *SessionHandler) ToggleMute(c *gin.Context) {
	h.moderate(c, h.sessions.ToggleParticipantMute)
}

type moderationFunc func(ctx context.Context, streamID domain.StreamID, userID, actingUserID domain.ParticipantID) error

func (h *SessionHandler) moderate(c *gin.Context, action moderationFunc) {
	actingUserID, ok := caller(c)
	if !ok {
		return
	}
	streamID, ok := streamParam(c)
	if !ok {
		return
	}
	target := c.Param("uid")
	if err := validation.ValidateParticipantID(target); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	if err := action(c.Request.Context(), streamID, domain.ParticipantID(target), actingUserID); err != nil {
		c.Error(err)
		return
	}

	h.respondSession(c, streamID)
}

// respondSession renders the session after a roster change. A stream that
// ended as a result renders as 204.
func (h *SessionHandler) respondSession(c *gin.Context, streamID domain.StreamID) {
	stream, err := h.sessions.GetStream(c.Request.Context(), streamID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			c.Status(http.StatusNoContent)
			return
		}
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream": stream})
}

func (h *SessionHandler) LiveStreams(c *gin.Context) {
	h.feed.Serve(c.Writer, c.Request)
}

func caller(c *gin.Context) (domain.ParticipantID, bool) {
	id, ok := middleware.UserID(c)
	if !ok {
		c.Error(apperrors.NewUnauthorizedError("authentication required"))
		return "", false
	}
	return id, true
}

func streamParam(c *gin.Context) (domain.StreamID, bool) {
	id := c.Param("id")
	if err := validation.ValidateStreamID(id); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.StreamID(id), true
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

package http

import (
	"context"
	"net/http"

	apperrors "livecast/pkg/errors"

	"github.com/gin-gonic/gin"
)

type reportErrorRequest struct {
	Message string `json:"message" binding:"required"`
	Code    string `json:"code"`
}

// ReportError feeds a client-observed streaming failure into the caller's
// recovery controller for the stream. The error code decides whether
// recovery is attempted.
func (h *SessionHandler) ReportError(c *gin.Context) {
	userID, ok := caller(c)
	if !ok {
		return
	}
	streamID, ok := streamParam(c)
	if !ok {
		return
	}

	var req reportErrorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError("message is required"))
		return
	}
	code := apperrors.ErrorCode(req.Code)
	if code == "" {
		code = apperrors.ErrCodeTransient
	}

	isHost := false
	if session, ok := h.sessions.GetSession(streamID); ok {
		if p, found := session.Participant(userID); found {
			isHost = p.IsHost
		}
	}

	// Recovery outlives the request that reported the failure.
	ctx := context.WithoutCancel(c.Request.Context())
	cause := apperrors.NewAppError(code, req.Message, http.StatusServiceUnavailable)
	recovered := h.recovery.HandleStreamingError(ctx, cause, streamID, userID, isHost)

	h.logger.Infow("streaming error reported",
		"stream_id", streamID,
		"user_id", userID,
		"code", code,
		"recovered", recovered,
	)

	c.JSON(http.StatusAccepted, gin.H{
		"recovered": recovered,
		"state":     h.recovery.State(streamID, userID),
	})
}

// GetRecoveryState returns the caller's recovery state in the stream.
func (h *SessionHandler) GetRecoveryState(c *gin.Context) {
	userID, ok := caller(c)
	if !ok {
		return
	}
	streamID, ok := streamParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": h.recovery.State(streamID, userID)})
}

// ResetRecovery clears the caller's recovery state in the stream.
func (h *SessionHandler) ResetRecovery(c *gin.Context) {
	userID, ok := caller(c)
	if !ok {
		return
	}
	streamID, ok := streamParam(c)
	if !ok {
		return
	}
	h.recovery.ResetRecovery(streamID, userID)
	c.Status(http.StatusNoContent)
}

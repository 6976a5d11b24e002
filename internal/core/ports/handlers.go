package ports

import (
	"github.com/gin-gonic/gin"
)

type HTTPHandler interface {
	CreateStream(c *gin.Context)
	GetStream(c *gin.Context)
	ListStreams(c *gin.Context)
	JoinStream(c *gin.Context)
	LeaveStream(c *gin.Context)
	EndStream(c *gin.Context)
	KickParticipant(c *gin.Context)
	BanParticipant(c *gin.Context)
	ToggleMute(c *gin.Context)
	LiveStreams(c *gin.Context)
}

type RecoveryHandler interface {
	ReportError(c *gin.Context)
	ResetRecovery(c *gin.Context)
	GetRecoveryState(c *gin.Context)
}

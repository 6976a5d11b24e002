package ports

import (
	"context"

	"livecast/internal/core/domain"
)

type SessionService interface {
	CreateStream(ctx context.Context, title string, hostID domain.ParticipantID, hostName, hostAvatar string) (domain.StreamID, error)
	JoinStream(ctx context.Context, streamID domain.StreamID, userID domain.ParticipantID, userName, userAvatar string) error
	LeaveStream(ctx context.Context, streamID domain.StreamID, userID domain.ParticipantID) error
	EndStream(ctx context.Context, streamID domain.StreamID) error
	KickParticipant(ctx context.Context, streamID domain.StreamID, userID, actingUserID domain.ParticipantID) error
	BanParticipant(ctx context.Context, streamID domain.StreamID, userID, actingUserID domain.ParticipantID) error
	ToggleParticipantMute(ctx context.Context, streamID domain.StreamID, userID, actingUserID domain.ParticipantID) error
	GetActiveStreams(ctx context.Context) ([]*domain.StreamSession, error)
	GetStream(ctx context.Context, streamID domain.StreamID) (*domain.StreamSession, error)
	GetSession(streamID domain.StreamID) (domain.StreamSession, bool)
	OnActiveStreamsUpdate(cb func([]*domain.StreamSession)) Unsubscribe
}

type RecoveryService interface {
	HandleStreamingError(ctx context.Context, err error, streamID domain.StreamID, userID domain.ParticipantID, isHost bool) bool
	ResetRecovery()
	State() domain.RecoveryState
	OnStateChange(cb func(domain.RecoveryState)) Unsubscribe
}

// RecoveryRegistry scopes recovery to one participant in one stream.
type RecoveryRegistry interface {
	HandleStreamingError(ctx context.Context, err error, streamID domain.StreamID, userID domain.ParticipantID, isHost bool) bool
	ResetRecovery(streamID domain.StreamID, userID domain.ParticipantID)
	State(streamID domain.StreamID, userID domain.ParticipantID) domain.RecoveryState
}

// MetricsRecorder receives domain events worth counting.
type MetricsRecorder interface {
	SetActiveSessions(n int)
	RecordJoin(role domain.ClientRole)
	RecordLeave(role domain.ClientRole)
	RecordModeration(action string, allowed bool)
	RecordRTCJoin(success bool)
	RecordRecoveryAttempt(strategy domain.RecoveryStrategy, outcome string)
	SetBreakerState(name string, state int)
}

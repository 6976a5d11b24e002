package ports

import (
	"context"

	"livecast/internal/core/domain"
)

// Unsubscribe detaches a listener. Calling it more than once is a no-op.
type Unsubscribe func()

// SessionStore is the system of record for stream sessions. Timestamps on
// returned sessions are assigned by the backend, never by the caller.
type SessionStore interface {
	// ValidateStreamAccess reports whether userID may enter streamID. The
	// error return is reserved for backend failures; a missing, ended or
	// banning stream is described by the AccessResult.
	ValidateStreamAccess(ctx context.Context, streamID domain.StreamID, userID domain.ParticipantID) (domain.AccessResult, error)

	CreateStream(ctx context.Context, stream *domain.StreamSession) (*domain.StreamSession, error)
	GetStream(ctx context.Context, streamID domain.StreamID) (*domain.StreamSession, error)
	UpdateParticipants(ctx context.Context, streamID domain.StreamID, participants []domain.Participant) error
	UpdateViewerCount(ctx context.Context, streamID domain.StreamID, count int) error
	UpdateStatus(ctx context.Context, streamID domain.StreamID, active bool) error
	UpdateBans(ctx context.Context, streamID domain.StreamID, banned []domain.ParticipantID) error
	ListActiveStreams(ctx context.Context) ([]*domain.StreamSession, error)

	OnActiveStreamsUpdate(cb func([]*domain.StreamSession)) Unsubscribe
	OnStreamUpdate(streamID domain.StreamID, cb func(*domain.StreamSession)) Unsubscribe
}

package services

import (
	"context"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/cache"
)

const (
	activeStreamsKey = "streams:active"
	streamKeyPrefix  = "stream:"
)

// CachedSessionService serves the read paths of a SessionService from a
// short-lived cache. Mutations made through it, and every change pushed by
// the underlying store, invalidate the cache.
type CachedSessionService struct {
	ports.SessionService

	streams *cache.Cache[*domain.StreamSession]
	active  *cache.Cache[[]*domain.StreamSession]

	unsubscribe ports.Unsubscribe
}

var _ ports.SessionService = (*CachedSessionService)(nil)

// NewCachedSessionService wraps base. A zero ttl disables caching while
// keeping the wrapper in place.
func NewCachedSessionService(base ports.SessionService, ttl time.Duration) *CachedSessionService {
	s := &CachedSessionService{
		SessionService: base,
		streams:        cache.New[*domain.StreamSession](ttl),
		active:         cache.New[[]*domain.StreamSession](ttl),
	}
	s.unsubscribe = base.OnActiveStreamsUpdate(func(streams []*domain.StreamSession) {
		s.invalidateAll()
	})
	return s
}

func (s *CachedSessionService) invalidateAll() {
	s.streams.Invalidate("")
	s.active.Invalidate("")
}

func (s *CachedSessionService) invalidate(streamID domain.StreamID) {
	s.streams.Delete(streamKeyPrefix + string(streamID))
	s.active.Invalidate("")
}

// GetActiveStreams returns clones so callers cannot corrupt the cached list.
func (s *CachedSessionService) GetActiveStreams(ctx context.Context) ([]*domain.StreamSession, error) {
	streams, err := s.active.GetOrLoad(ctx, activeStreamsKey, s.SessionService.GetActiveStreams)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.StreamSession, len(streams))
	for i, stream := range streams {
		out[i] = stream.Clone()
	}
	return out, nil
}

func (s *CachedSessionService) GetStream(ctx context.Context, streamID domain.StreamID) (*domain.StreamSession, error) {
	stream, err := s.streams.GetOrLoad(ctx, streamKeyPrefix+string(streamID), func(ctx context.Context) (*domain.StreamSession, error) {
		return s.SessionService.GetStream(ctx, streamID)
	})
	if err != nil {
		return nil, err
	}
	return stream.Clone(), nil
}

func (s *CachedSessionService) CreateStream(ctx context.Context, title string, hostID domain.ParticipantID, hostName, hostAvatar string) (domain.StreamID, error) {
	streamID, err := s.SessionService.CreateStream(ctx, title, hostID, hostName, hostAvatar)
	s.active.Invalidate("")
	return streamID, err
}

func (s *CachedSessionService) JoinStream(ctx context.Context, streamID domain.StreamID, userID domain.ParticipantID, userName, userAvatar string) error {
	defer s.invalidate(streamID)
	return s.SessionService.JoinStream(ctx, streamID, userID, userName, userAvatar)
}

func (s *CachedSessionService) LeaveStream(ctx context.Context, streamID domain.StreamID, userID domain.ParticipantID) error {
	defer s.invalidate(streamID)
	return s.SessionService.LeaveStream(ctx, streamID, userID)
}

func (s *CachedSessionService) EndStream(ctx context.Context, streamID domain.StreamID) error {
	defer s.invalidate(streamID)
	return s.SessionService.EndStream(ctx, streamID)
}

func (s *CachedSessionService) KickParticipant(ctx context.Context, streamID domain.StreamID, userID, actingUserID domain.ParticipantID) error {
	defer s.invalidate(streamID)
	return s.SessionService.KickParticipant(ctx, streamID, userID, actingUserID)
}

func (s *CachedSessionService) BanParticipant(ctx context.Context, streamID domain.StreamID, userID, actingUserID domain.ParticipantID) error {
	defer s.invalidate(streamID)
	return s.SessionService.BanParticipant(ctx, streamID, userID, actingUserID)
}

func (s *CachedSessionService) ToggleParticipantMute(ctx context.Context, streamID domain.StreamID, userID, actingUserID domain.ParticipantID) error {
	defer s.invalidate(streamID)
	return s.SessionService.ToggleParticipantMute(ctx, streamID, userID, actingUserID)
}

// Close stops listening for store changes.
func (s *CachedSessionService) Close() {
	s.unsubscribe()
}

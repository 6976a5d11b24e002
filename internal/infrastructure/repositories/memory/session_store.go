package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/internal/infrastructure/repositories/notify"
	apperrors "livecast/pkg/errors"
)

// SessionStore keeps sessions in process. Its own clock plays the role of
// the server clock.
type SessionStore struct {
	streams map[domain.StreamID]*domain.StreamSession
	mu      sync.RWMutex
	now     func() time.Time
	hub     *notify.Hub
}

type Option func(*SessionStore)

// WithClock overrides the store clock.
func WithClock(now func() time.Time) Option {
	return func(s *SessionStore) { s.now = now }
}

func NewSessionStore(opts ...Option) *SessionStore {
	s := &SessionStore{
		streams: make(map[domain.StreamID]*domain.StreamSession),
		now:     time.Now,
		hub:     notify.NewHub(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ ports.SessionStore = (*SessionStore)(nil)

func (s *SessionStore) ValidateStreamAccess(ctx context.Context, streamID domain.StreamID, userID domain.ParticipantID) (domain.AccessResult, error) {
	s.mu.RLock()
	stream, ok := s.streams[streamID]
	var snapshot *domain.StreamSession
	if ok {
		snapshot = stream.Clone()
	}
	s.mu.RUnlock()

	return domain.EvaluateAccess(snapshot, userID), nil
}

func (s *SessionStore) CreateStream(ctx context.Context, stream *domain.StreamSession) (*domain.StreamSession, error) {
	if stream == nil || stream.ID == "" {
		return nil, apperrors.WrapStoreError("create_stream", "", apperrors.NewInvalidInputError("stream id is required"))
	}

	s.mu.Lock()
	if _, exists := s.streams[stream.ID]; exists {
		s.mu.Unlock()
		return nil, apperrors.WrapStoreError("create_stream", string(stream.ID),
			apperrors.NewInvalidInputError("stream already exists"))
	}
	stored := stream.Clone()
	now := s.now()
	stored.StartedAt = now
	stored.UpdatedAt = now
	s.streams[stored.ID] = stored
	out := stored.Clone()
	s.mu.Unlock()

	s.publish(out)
	return out, nil
}

func (s *SessionStore) GetStream(ctx context.Context, streamID domain.StreamID) (*domain.StreamSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.streams[streamID]
	if !ok {
		return nil, apperrors.WrapStoreError("get_stream", string(streamID), domain.NewStreamNotFoundError(streamID))
	}
	return stream.Clone(), nil
}

func (s *SessionStore) UpdateParticipants(ctx context.Context, streamID domain.StreamID, participants []domain.Participant) error {
	return s.update("update_participants", streamID, func(stream *domain.StreamSession) {
		stream.Participants = append([]domain.Participant(nil), participants...)
	})
}

func (s *SessionStore) UpdateViewerCount(ctx context.Context, streamID domain.StreamID, count int) error {
	return s.update("update_viewer_count", streamID, func(stream *domain.StreamSession) {
		stream.ViewerCount = count
	})
}

func (s *SessionStore) UpdateStatus(ctx context.Context, streamID domain.StreamID, active bool) error {
	return s.update("update_status", streamID, func(stream *domain.StreamSession) {
		// An ended stream never becomes active again.
		stream.IsActive = stream.IsActive && active
	})
}

func (s *SessionStore) UpdateBans(ctx context.Context, streamID domain.StreamID, banned []domain.ParticipantID) error {
	return s.update("update_bans", streamID, func(stream *domain.StreamSession) {
		stream.BannedIDs = append([]domain.ParticipantID(nil), banned...)
	})
}

func (s *SessionStore) ListActiveStreams(ctx context.Context) ([]*domain.StreamSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeLocked(), nil
}

// Restore loads previously persisted sessions, keeping their timestamps.
// Streams already present are left untouched. It returns how many were
// loaded.
func (s *SessionStore) Restore(ctx context.Context, streams []*domain.StreamSession) (int, error) {
	s.mu.Lock()
	restored := 0
	for _, stream := range streams {
		if stream == nil || stream.ID == "" {
			continue
		}
		if _, exists := s.streams[stream.ID]; exists {
			continue
		}
		s.streams[stream.ID] = stream.Clone()
		restored++
	}
	var active []*domain.StreamSession
	if restored > 0 && s.hub.HasActiveListeners() {
		active = s.activeLocked()
	}
	s.mu.Unlock()

	if active != nil {
		s.hub.PublishActive(active)
	}
	return restored, nil
}

func (s *SessionStore) OnActiveStreamsUpdate(cb func([]*domain.StreamSession)) ports.Unsubscribe {
	return s.hub.OnActive(cb)
}

func (s *SessionStore) OnStreamUpdate(streamID domain.StreamID, cb func(*domain.StreamSession)) ports.Unsubscribe {
	return s.hub.OnStream(streamID, cb)
}

func (s *SessionStore) update(op string, streamID domain.StreamID, mutate func(*domain.StreamSession)) error {
	s.mu.Lock()
	stream, ok := s.streams[streamID]
	if !ok {
		s.mu.Unlock()
		return apperrors.WrapStoreError(op, string(streamID), domain.NewStreamNotFoundError(streamID))
	}
	mutate(stream)
	now := s.now()
	if !now.After(stream.UpdatedAt) {
		now = stream.UpdatedAt.Add(time.Nanosecond)
	}
	stream.UpdatedAt = now
	out := stream.Clone()
	s.mu.Unlock()

	s.publish(out)
	return nil
}

func (s *SessionStore) publish(stream *domain.StreamSession) {
	s.hub.PublishStream(stream)
	if s.hub.HasActiveListeners() {
		s.mu.RLock()
		active := s.activeLocked()
		s.mu.RUnlock()
		s.hub.PublishActive(active)
	}
}

func (s *SessionStore) activeLocked() []*domain.StreamSession {
	active := make([]*domain.StreamSession, 0, len(s.streams))
	for _, stream := range s.streams {
		if stream.IsActive {
			active = append(active, stream.Clone())
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].StartedAt.After(active[j].StartedAt)
	})
	return active
}

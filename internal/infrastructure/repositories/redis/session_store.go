package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/internal/infrastructure/repositories/notify"
	apperrors "livecast/pkg/errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const maxTxRetries = 5

// Hash fields of a stream record.
const (
	fieldID           = "id"
	fieldTitle        = "title"
	fieldHostID       = "host_id"
	fieldParticipants = "participants"
	fieldStartedAt    = "started_at"
	fieldUpdatedAt    = "updated_at"
	fieldIsActive     = "is_active"
	fieldViewerCount  = "viewer_count"
	fieldBannedIDs    = "banned_ids"
)

// SessionStore keeps each stream in a hash so concurrent single-field
// updates never overwrite each other. Timestamps come from the Redis TIME
// command.
type SessionStore struct {
	client *redis.Client
	bus    *EventBus
	hub    *notify.Hub
	logger *zap.SugaredLogger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewSessionStore(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *SessionStore {
	return &SessionStore{
		client: client,
		bus:    NewEventBus(client, instanceID, logger),
		hub:    notify.NewHub(),
		logger: logger,
	}
}

var _ ports.SessionStore = (*SessionStore)(nil)

// Start follows changes made by other instances until Close.
func (s *SessionStore) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		for {
			err := s.bus.Subscribe(ctx, s.handleEvent)
			if ctx.Err() != nil {
				return
			}
			s.logger.Warnw("stream event subscription ended, resubscribing", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()
}

// Close stops following remote changes.
func (s *SessionStore) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

func (s *SessionStore) serverTime(ctx context.Context, cmd redis.Cmdable) (time.Time, error) {
	now, err := cmd.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read server time: %w", err)
	}
	return now.UTC(), nil
}

func (s *SessionStore) ValidateStreamAccess(ctx context.Context, streamID domain.StreamID, userID domain.ParticipantID) (domain.AccessResult, error) {
	stream, err := s.GetStream(ctx, streamID)
	if apperrors.IsNotFound(err) {
		return domain.EvaluateAccess(nil, userID), nil
	}
	if err != nil {
		return domain.AccessResult{}, err
	}
	return domain.EvaluateAccess(stream, userID), nil
}

func (s *SessionStore) CreateStream(ctx context.Context, stream *domain.StreamSession) (*domain.StreamSession, error) {
	const op = "create_stream"
	if stream == nil || stream.ID == "" {
		return nil, apperrors.WrapStoreError(op, "", apperrors.NewInvalidInputError("stream id is required"))
	}

	key := streamKey(stream.ID)
	var created *domain.StreamSession
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return apperrors.NewInvalidInputError("stream already exists")
		}

		now, err := s.serverTime(ctx, tx)
		if err != nil {
			return err
		}
		created = stream.Clone()
		created.StartedAt = now
		created.UpdatedAt = now

		fields, err := encodeSession(created)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			if created.IsActive {
				pipe.SAdd(ctx, activeKey(), string(created.ID))
			}
			return nil
		})
		return err
	})
	if err != nil {
		return nil, apperrors.WrapStoreError(op, string(stream.ID), err)
	}

	s.announce(ctx, EventStreamCreated, created)
	return created.Clone(), nil
}

func (s *SessionStore) GetStream(ctx context.Context, streamID domain.StreamID) (*domain.StreamSession, error) {
	stream, err := s.load(ctx, s.client, streamID)
	if err != nil {
		return nil, apperrors.WrapStoreError("get_stream", string(streamID), err)
	}
	return stream, nil
}

func (s *SessionStore) load(ctx context.Context, cmd redis.Cmdable, streamID domain.StreamID) (*domain.StreamSession, error) {
	fields, err := cmd.HGetAll(ctx, streamKey(streamID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get stream from Redis: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.NewStreamNotFoundError(streamID)
	}
	return decodeSession(streamID, fields)
}

func (s *SessionStore) UpdateParticipants(ctx context.Context, streamID domain.StreamID, participants []domain.Participant) error {
	if participants == nil {
		participants = []domain.Participant{}
	}
	data, err := json.Marshal(participants)
	if err != nil {
		return apperrors.WrapStoreError("update_participants", string(streamID), err)
	}
	return s.update(ctx, "update_participants", streamID, func(tx *redis.Tx, pipe redis.Pipeliner, key string) error {
		pipe.HSet(ctx, key, fieldParticipants, string(data))
		return nil
	})
}

func (s *SessionStore) UpdateViewerCount(ctx context.Context, streamID domain.StreamID, count int) error {
	return s.update(ctx, "update_viewer_count", streamID, func(tx *redis.Tx, pipe redis.Pipeliner, key string) error {
		pipe.HSet(ctx, key, fieldViewerCount, count)
		return nil
	})
}

func (s *SessionStore) UpdateStatus(ctx context.Context, streamID domain.StreamID, active bool) error {
	return s.update(ctx, "update_status", streamID, func(tx *redis.Tx, pipe redis.Pipeliner, key string) error {
		current, err := tx.HGet(ctx, key, fieldIsActive).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		// An ended stream never becomes active again.
		if active && current != "1" {
			return nil
		}
		if active {
			pipe.SAdd(ctx, activeKey(), string(streamID))
		} else {
			pipe.HSet(ctx, key, fieldIsActive, "0")
			pipe.SRem(ctx, activeKey(), string(streamID))
		}
		return nil
	})
}

func (s *SessionStore) UpdateBans(ctx context.Context, streamID domain.StreamID, banned []domain.ParticipantID) error {
	if banned == nil {
		banned = []domain.ParticipantID{}
	}
	data, err := json.Marshal(banned)
	if err != nil {
		return apperrors.WrapStoreError("update_bans", string(streamID), err)
	}
	return s.update(ctx, "update_bans", streamID, func(tx *redis.Tx, pipe redis.Pipeliner, key string) error {
		pipe.HSet(ctx, key, fieldBannedIDs, string(data))
		return nil
	})
}

// update applies one field change plus a fresh updated_at inside an
// optimistic transaction on the stream key.
func (s *SessionStore) update(ctx context.Context, op string, streamID domain.StreamID, apply func(tx *redis.Tx, pipe redis.Pipeliner, key string) error) error {
	key := streamKey(streamID)
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return domain.NewStreamNotFoundError(streamID)
		}

		now, err := s.serverTime(ctx, tx)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := apply(tx, pipe, key); err != nil {
				return err
			}
			pipe.HSet(ctx, key, fieldUpdatedAt, formatTime(now))
			return nil
		})
		return err
	})
	if err != nil {
		return apperrors.WrapStoreError(op, string(streamID), err)
	}

	stream, err := s.load(ctx, s.client, streamID)
	if err != nil {
		s.logger.Warnw("failed to reload stream after update", "stream_id", streamID, "error", err)
		return nil
	}
	eventType := EventStreamUpdated
	if !stream.IsActive {
		eventType = EventStreamEnded
	}
	s.announce(ctx, eventType, stream)
	return nil
}

func (s *SessionStore) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	var err error
	for i := 0; i < maxTxRetries; i++ {
		err = s.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (s *SessionStore) ListActiveStreams(ctx context.Context) ([]*domain.StreamSession, error) {
	ids, err := s.client.SMembers(ctx, activeKey()).Result()
	if err != nil {
		return nil, apperrors.WrapStoreError("list_active_streams", "", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, streamKey(domain.StreamID(id)))
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.WrapStoreError("list_active_streams", "", err)
	}

	streams := make([]*domain.StreamSession, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		stream, err := decodeSession(domain.StreamID(ids[i]), fields)
		if err != nil {
			s.logger.Warnw("skipping undecodable stream", "stream_id", ids[i], "error", err)
			continue
		}
		if stream.IsActive {
			streams = append(streams, stream)
		}
	}
	sort.Slice(streams, func(i, j int) bool {
		return streams[i].StartedAt.After(streams[j].StartedAt)
	})
	return streams, nil
}

func (s *SessionStore) OnActiveStreamsUpdate(cb func([]*domain.StreamSession)) ports.Unsubscribe {
	return s.hub.OnActive(cb)
}

func (s *SessionStore) OnStreamUpdate(streamID domain.StreamID, cb func(*domain.StreamSession)) ports.Unsubscribe {
	return s.hub.OnStream(streamID, cb)
}

// announce notifies local listeners and other instances.
func (s *SessionStore) announce(ctx context.Context, eventType EventType, stream *domain.StreamSession) {
	if err := s.bus.Publish(ctx, eventType, stream.ID); err != nil {
		s.logger.Warnw("failed to publish stream event", "stream_id", stream.ID, "error", err)
	}
	s.deliver(ctx, stream)
}

func (s *SessionStore) handleEvent(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var stream *domain.StreamSession
	if s.hub.HasStreamListeners(event.StreamID) {
		loaded, err := s.load(ctx, s.client, event.StreamID)
		if err != nil {
			s.logger.Warnw("failed to load stream for event", "stream_id", event.StreamID, "error", err)
			return
		}
		stream = loaded
	}
	s.deliver(ctx, stream)
}

func (s *SessionStore) deliver(ctx context.Context, stream *domain.StreamSession) {
	if stream != nil {
		s.hub.PublishStream(stream)
	}
	if !s.hub.HasActiveListeners() {
		return
	}
	active, err := s.ListActiveStreams(ctx)
	if err != nil {
		s.logger.Warnw("failed to list active streams for subscribers", "error", err)
		return
	}
	s.hub.PublishActive(active)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func encodeSession(s *domain.StreamSession) (map[string]interface{}, error) {
	participants := s.Participants
	if participants == nil {
		participants = []domain.Participant{}
	}
	participantsJSON, err := json.Marshal(participants)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal participants: %w", err)
	}
	banned := s.BannedIDs
	if banned == nil {
		banned = []domain.ParticipantID{}
	}
	bannedJSON, err := json.Marshal(banned)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal banned ids: %w", err)
	}

	active := "0"
	if s.IsActive {
		active = "1"
	}

	return map[string]interface{}{
		fieldID:           string(s.ID),
		fieldTitle:        s.Title,
		fieldHostID:       string(s.HostID),
		fieldParticipants: string(participantsJSON),
		fieldStartedAt:    formatTime(s.StartedAt),
		fieldUpdatedAt:    formatTime(s.UpdatedAt),
		fieldIsActive:     active,
		fieldViewerCount:  s.ViewerCount,
		fieldBannedIDs:    string(bannedJSON),
	}, nil
}

func decodeSession(id domain.StreamID, fields map[string]string) (*domain.StreamSession, error) {
	s := &domain.StreamSession{
		ID:       id,
		Title:    fields[fieldTitle],
		HostID:   domain.ParticipantID(fields[fieldHostID]),
		IsActive: fields[fieldIsActive] == "1",
	}

	if raw := fields[fieldParticipants]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.Participants); err != nil {
			return nil, fmt.Errorf("failed to unmarshal participants: %w", err)
		}
	}
	if raw := fields[fieldBannedIDs]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.BannedIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal banned ids: %w", err)
		}
	}
	if raw := fields[fieldViewerCount]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid viewer count %q: %w", raw, err)
		}
		s.ViewerCount = n
	}

	var err error
	if s.StartedAt, err = parseTime(fields[fieldStartedAt]); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTime(fields[fieldUpdatedAt]); err != nil {
		return nil, err
	}
	return s, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", raw, err)
	}
	return t, nil
}

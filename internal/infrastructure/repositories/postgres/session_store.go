package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/internal/infrastructure/repositories/notify"
	apperrors "livecast/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const notifyChannel = "livecast_stream_events"

const sessionColumns = `id, title, host_id, participants, banned_ids, started_at, updated_at, is_active, viewer_count`

// DB is the subset of pgxpool.Pool the store needs.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// SessionStore persists sessions in the stream_sessions table. now() on the
// database is the server clock; changes are announced with NOTIFY.
type SessionStore struct {
	db         DB
	instanceID string
	hub        *notify.Hub
	logger     *zap.SugaredLogger

	cancel context.CancelFunc
	done   chan struct{}
}

type changeNotice struct {
	InstanceID string          `json:"instance_id"`
	StreamID   domain.StreamID `json:"stream_id"`
}

func NewSessionStore(db DB, instanceID string, logger *zap.SugaredLogger) *SessionStore {
	return &SessionStore{
		db:         db,
		instanceID: instanceID,
		hub:        notify.NewHub(),
		logger:     logger,
	}
}

var _ ports.SessionStore = (*SessionStore)(nil)

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

	participants, banned, err := encodeLists(stream.Participants, stream.BannedIDs)
	if err != nil {
		return nil, apperrors.WrapStoreError(op, string(stream.ID), err)
	}

	const q = `
insert into stream_sessions (id, title, host_id, participants, banned_ids, started_at, updated_at, is_active, viewer_count)
values ($1, $2, $3, $4::jsonb, $5::jsonb, now(), now(), $6, $7)
on conflict (id) do nothing
returning ` + sessionColumns

	created, err := scanSession(s.db.QueryRow(ctx, q,
		string(stream.ID), stream.Title, string(stream.HostID), participants, banned, stream.IsActive, stream.ViewerCount,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		err = apperrors.NewInvalidInputError("stream already exists")
	}
	if err != nil {
		return nil, apperrors.WrapStoreError(op, string(stream.ID), err)
	}

	s.announce(ctx, created)
	return created.Clone(), nil
}

func (s *SessionStore) GetStream(ctx context.Context, streamID domain.StreamID) (*domain.StreamSession, error) {
	stream, err := scanSession(s.db.QueryRow(ctx,
		`select `+sessionColumns+` from stream_sessions where id = $1`, string(streamID)))
	if errors.Is(err, pgx.ErrNoRows) {
		err = domain.NewStreamNotFoundError(streamID)
	}
	if err != nil {
		return nil, apperrors.WrapStoreError("get_stream", string(streamID), err)
	}
	return stream, nil
}

func (s *SessionStore) UpdateParticipants(ctx context.Context, streamID domain.StreamID, participants []domain.Participant) error {
	data, _, err := encodeLists(participants, nil)
	if err != nil {
		return apperrors.WrapStoreError("update_participants", string(streamID), err)
	}
	return s.update(ctx, "update_participants", streamID, `participants = $2::jsonb`, data)
}

func (s *SessionStore) UpdateViewerCount(ctx context.Context, streamID domain.StreamID, count int) error {
	return s.update(ctx, "update_viewer_count", streamID, `viewer_count = $2`, count)
}

// UpdateStatus can end a stream but never reactivate one.
func (s *SessionStore) UpdateStatus(ctx context.Context, streamID domain.StreamID, active bool) error {
	return s.update(ctx, "update_status", streamID, `is_active = is_active and $2`, active)
}

func (s *SessionStore) UpdateBans(ctx context.Context, streamID domain.StreamID, banned []domain.ParticipantID) error {
	_, data, err := encodeLists(nil, banned)
	if err != nil {
		return apperrors.WrapStoreError("update_bans", string(streamID), err)
	}
	return s.update(ctx, "update_bans", streamID, `banned_ids = $2::jsonb`, data)
}

func (s *SessionStore) update(ctx context.Context, op string, streamID domain.StreamID, assignment string, value any) error {
	q := `
update stream_sessions
set ` + assignment + `, updated_at = greatest(now(), updated_at)
where id = $1
returning ` + sessionColumns

	updated, err := scanSession(s.db.QueryRow(ctx, q, string(streamID), value))
	if errors.Is(err, pgx.ErrNoRows) {
		err = domain.NewStreamNotFoundError(streamID)
	}
	if err != nil {
		return apperrors.WrapStoreError(op, string(streamID), err)
	}

	s.announce(ctx, updated)
	return nil
}

func (s *SessionStore) ListActiveStreams(ctx context.Context) ([]*domain.StreamSession, error) {
	rows, err := s.db.Query(ctx,
		`select `+sessionColumns+` from stream_sessions where is_active order by started_at desc`)
	if err != nil {
		return nil, apperrors.WrapStoreError("list_active_streams", "", err)
	}
	defer rows.Close()

	var streams []*domain.StreamSession
	for rows.Next() {
		stream, err := scanSession(rows)
		if err != nil {
			return nil, apperrors.WrapStoreError("list_active_streams", "", err)
		}
		streams = append(streams, stream)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.WrapStoreError("list_active_streams", "", err)
	}
	if streams == nil {
		streams = []*domain.StreamSession{}
	}
	return streams, nil
}

func (s *SessionStore) OnActiveStreamsUpdate(cb func([]*domain.StreamSession)) ports.Unsubscribe {
	return s.hub.OnActive(cb)
}

func (s *SessionStore) OnStreamUpdate(streamID domain.StreamID, cb func(*domain.StreamSession)) ports.Unsubscribe {
	return s.hub.OnStream(streamID, cb)
}

func (s *SessionStore) announce(ctx context.Context, stream *domain.StreamSession) {
	payload, err := json.Marshal(changeNotice{InstanceID: s.instanceID, StreamID: stream.ID})
	if err == nil {
		_, err = s.db.Exec(ctx, `select pg_notify($1, $2)`, notifyChannel, string(payload))
	}
	if err != nil {
		s.logger.Warnw("failed to notify stream change", "stream_id", stream.ID, "error", err)
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

// Start listens for changes made by other instances until Close. LISTEN
// needs a dedicated connection, so it takes the pool directly.
func (s *SessionStore) Start(ctx context.Context, pool *pgxpool.Pool) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		for {
			err := s.listen(ctx, pool)
			if ctx.Err() != nil {
				return
			}
			s.logger.Warnw("stream change listener stopped, reconnecting", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()
}

func (s *SessionStore) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

func (s *SessionStore) listen(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "listen "+notifyChannel); err != nil {
		return fmt.Errorf("listen %s: %w", notifyChannel, err)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.handleNotification(ctx, n.Payload)
	}
}

func (s *SessionStore) handleNotification(ctx context.Context, payload string) {
	var notice changeNotice
	if err := json.Unmarshal([]byte(payload), &notice); err != nil {
		s.logger.Warnw("failed to decode stream change", "payload", payload, "error", err)
		return
	}
	if notice.InstanceID == s.instanceID {
		return
	}

	var stream *domain.StreamSession
	if s.hub.HasStreamListeners(notice.StreamID) {
		loaded, err := s.GetStream(ctx, notice.StreamID)
		if err != nil {
			s.logger.Warnw("failed to load stream for change", "stream_id", notice.StreamID, "error", err)
			return
		}
		stream = loaded
	}
	s.deliver(ctx, stream)
}

func encodeLists(participants []domain.Participant, banned []domain.ParticipantID) (string, string, error) {
	if participants == nil {
		participants = []domain.Participant{}
	}
	if banned == nil {
		banned = []domain.ParticipantID{}
	}
	p, err := json.Marshal(participants)
	if err != nil {
		return "", "", fmt.Errorf("marshal participants: %w", err)
	}
	b, err := json.Marshal(banned)
	if err != nil {
		return "", "", fmt.Errorf("marshal banned ids: %w", err)
	}
	return string(p), string(b), nil
}

func scanSession(row pgx.Row) (*domain.StreamSession, error) {
	var (
		out          domain.StreamSession
		id, hostID   string
		participants []byte
		banned       []byte
	)
	if err := row.Scan(&id, &out.Title, &hostID, &participants, &banned,
		&out.StartedAt, &out.UpdatedAt, &out.IsActive, &out.ViewerCount); err != nil {
		return nil, err
	}
	out.ID = domain.StreamID(id)
	out.HostID = domain.ParticipantID(hostID)

	if len(participants) > 0 {
		if err := json.Unmarshal(participants, &out.Participants); err != nil {
			return nil, fmt.Errorf("decode participants: %w", err)
		}
	}
	if len(banned) > 0 {
		if err := json.Unmarshal(banned, &out.BannedIDs); err != nil {
			return nil, fmt.Errorf("decode banned ids: %w", err)
		}
	}
	return &out, nil
}

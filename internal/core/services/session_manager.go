package services

import (
	"context"
	"net/http"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/config"
	apperrors "livecast/pkg/errors"
	"livecast/pkg/tracing"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultStalenessWindow is how far the server copy may run ahead of the
// cached one before the cache is replaced on join.
const DefaultStalenessWindow = 30 * time.Second

// DefaultJoinTimeout bounds a single RTC join.
const DefaultJoinTimeout = 15 * time.Second

type SessionManagerConfig struct {
	StalenessWindow time.Duration
	BanPolicy       string
	MutePolicy      string
	JoinTimeout     time.Duration
}

func SessionManagerConfigFrom(cfg *config.Config) SessionManagerConfig {
	return SessionManagerConfig{
		StalenessWindow: cfg.Session.StalenessWindow,
		BanPolicy:       cfg.Session.BanPolicy,
		MutePolicy:      cfg.Session.MutePolicy,
		JoinTimeout:     cfg.Recovery.JoinTimeout,
	}
}

// sessionEntry is one cached session. opMu serialises roster operations
// across their persistence calls; mu guards the cached value itself and is
// never held while calling out.
type sessionEntry struct {
	opMu sync.Mutex

	mu          sync.Mutex
	session     *domain.StreamSession
	unsubscribe ports.Unsubscribe
}

func (e *sessionEntry) snapshot() *domain.StreamSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone()
}

func (e *sessionEntry) replace(s *domain.StreamSession) {
	e.mu.Lock()
	e.session = s.Clone()
	e.mu.Unlock()
}

// actorKey names one participant in one stream.
type actorKey struct {
	stream domain.StreamID
	user   domain.ParticipantID
}

// SessionManager owns the local session cache and drives the store and the
// participants' media sessions for roster operations. Each participant has
// its own adapter, so acting for one never disturbs another's media.
type SessionManager struct {
	store   ports.SessionStore
	media   ports.MediaSessions
	tokens  ports.TokenProvider
	metrics ports.MetricsRecorder
	cfg     SessionManagerConfig
	logger  *zap.SugaredLogger

	mu         sync.Mutex
	sessions   map[domain.StreamID]*sessionEntry
	volumeSubs map[actorKey]ports.Unsubscribe
}

// NewSessionManager builds a manager. tokens and metrics may be nil.
func NewSessionManager(
	store ports.SessionStore,
	media ports.MediaSessions,
	tokens ports.TokenProvider,
	metrics ports.MetricsRecorder,
	cfg SessionManagerConfig,
	logger *zap.SugaredLogger,
) *SessionManager {
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = DefaultStalenessWindow
	}
	if cfg.BanPolicy == "" {
		cfg.BanPolicy = config.BanPolicyKickOnly
	}
	if cfg.MutePolicy == "" {
		cfg.MutePolicy = config.MutePolicyAnyone
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}

	return &SessionManager{
		store:      store,
		media:      media,
		tokens:     tokens,
		metrics:    metrics,
		cfg:        cfg,
		logger:     logger,
		sessions:   make(map[domain.StreamID]*sessionEntry),
		volumeSubs: make(map[actorKey]ports.Unsubscribe),
	}
}

var _ ports.SessionService = (*SessionManager)(nil)

func (m *SessionManager) CreateStream(ctx context.Context, title string, hostID domain.ParticipantID, hostName, hostAvatar string) (domain.StreamID, error) {
	if hostID == "" {
		return "", apperrors.NewInvalidInputError("host id is required")
	}

	streamID := domain.StreamID(ulid.Make().String())
	ctx, _ = tracing.TraceSessionOperation(ctx, "create", string(streamID), string(hostID))
	var err error
	defer func() { tracing.End(ctx, err) }()

	session := &domain.StreamSession{
		ID:       streamID,
		Title:    title,
		HostID:   hostID,
		IsActive: true,
		Participants: []domain.Participant{{
			ID:        hostID,
			Name:      hostName,
			Avatar:    hostAvatar,
			IsHost:    true,
			JoinedAt:  time.Now(),
			JoinOrder: 1,
		}},
	}
	session.RecomputeViewerCount()

	created, err := m.store.CreateStream(ctx, session)
	if err != nil {
		m.logger.Errorw("failed to create stream", "stream_id", streamID, "host_id", hostID, "error", err)
		return "", err
	}

	m.track(created)
	m.metrics.RecordJoin(domain.RoleHost)
	m.logger.Infow("stream created", "stream_id", streamID, "host_id", hostID, "title", title)

	m.joinRTC(ctx, streamID, hostID, true)
	return streamID, nil
}

func (m *SessionManager) JoinStream(ctx context.Context, streamID domain.StreamID, userID domain.ParticipantID, userName, userAvatar string) error {
	if streamID == "" || userID == "" {
		return apperrors.NewInvalidInputError("stream id and user id are required")
	}
	ctx, _ = tracing.TraceSessionOperation(ctx, "join", string(streamID), string(userID))
	var err error
	defer func() { tracing.End(ctx, err) }()

	access, err := m.store.ValidateStreamAccess(ctx, streamID, userID)
	if err != nil {
		return err
	}
	if err = access.Err(streamID); err != nil {
		m.logger.Warnw("stream join rejected", "stream_id", streamID, "user_id", userID, "reason", access.Reason)
		return err
	}

	entry := m.entryFor(access.Stream)
	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	entry.mu.Lock()
	local := entry.session
	server := access.Stream
	if server.UpdatedAt.Sub(local.UpdatedAt) > m.cfg.StalenessWindow {
		m.logger.Infow("replacing stale cached session",
			"stream_id", streamID,
			"local_updated_at", local.UpdatedAt,
			"server_updated_at", server.UpdatedAt,
		)
		entry.session = server.Clone()
		local = entry.session
	}
	if _, present := local.Participant(userID); present {
		entry.mu.Unlock()
		m.logger.Debugw("participant already in stream", "stream_id", streamID, "user_id", userID)
		return nil
	}
	local.Participants = append(local.Participants, domain.Participant{
		ID:        userID,
		Name:      userName,
		Avatar:    userAvatar,
		JoinedAt:  time.Now(),
		JoinOrder: local.NextJoinOrder(),
	})
	count := local.RecomputeViewerCount()
	roster := local.Clone().Participants
	entry.mu.Unlock()

	if err = m.persistRoster(ctx, streamID, roster, count); err != nil {
		m.logger.Errorw("failed to persist join", "stream_id", streamID, "user_id", userID, "error", err)
		return err
	}

	m.metrics.RecordJoin(domain.RoleAudience)
	m.logger.Infow("participant joined stream", "stream_id", streamID, "user_id", userID, "viewer_count", count)

	m.joinRTC(ctx, streamID, userID, false)
	return nil
}

// LeaveStream removes userID. Leaving a stream the user is not part of is a no-op.
func (m *SessionManager) LeaveStream(ctx context.Context, streamID domain.StreamID, userID domain.ParticipantID) error {
	ctx, _ = tracing.TraceSessionOperation(ctx, "leave", string(streamID), string(userID))
	var err error
	defer func() { tracing.End(ctx, err) }()

	m.leaveRTC(ctx, streamID, userID)

	entry, err := m.loadEntry(ctx, streamID)
	if err != nil {
		return err
	}
	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	entry.mu.Lock()
	local := entry.session
	if !local.IsActive {
		entry.mu.Unlock()
		return nil
	}
	leaving, ok := local.Participant(userID)
	if !ok {
		entry.mu.Unlock()
		m.logger.Debugw("leave for non-member ignored", "stream_id", streamID, "user_id", userID)
		return nil
	}
	role := roleOf(*leaving)
	before := local.Clone()
	local.RemoveParticipant(userID)
	count := local.RecomputeViewerCount()
	headless := !local.HasHost()
	roster := local.Clone().Participants
	entry.mu.Unlock()

	if headless {
		m.logger.Infow("last host left, ending stream", "stream_id", streamID, "user_id", userID)
		if err = m.endLocked(ctx, streamID, entry); err != nil {
			// Keep the host cached so the leave can be retried.
			entry.replace(before)
			return err
		}
		m.metrics.RecordLeave(role)
		return nil
	}

	if err = m.persistRoster(ctx, streamID, roster, count); err != nil {
		m.logger.Errorw("failed to persist leave", "stream_id", streamID, "user_id", userID, "error", err)
		return err
	}
	m.metrics.RecordLeave(role)
	m.logger.Infow("participant left stream", "stream_id", streamID, "user_id", userID, "viewer_count", count)
	return nil
}

func (m *SessionManager) EndStream(ctx context.Context, streamID domain.StreamID) error {
	ctx, _ = tracing.TraceSessionOperation(ctx, "end", string(streamID), "")
	var err error
	defer func() { tracing.End(ctx, err) }()

	entry, err := m.loadEntry(ctx, streamID)
	if err != nil {
		return err
	}
	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	err = m.endLocked(ctx, streamID, entry)
	return err
}

// endLocked persists the end of the session, then marks the cached copy
// ended and drops local state. A failed write leaves the entry active.
// entry.opMu must be held.
func (m *SessionManager) endLocked(ctx context.Context, streamID domain.StreamID, entry *sessionEntry) error {
	if err := m.store.UpdateStatus(ctx, streamID, false); err != nil {
		m.logger.Errorw("failed to end stream", "stream_id", streamID, "error", err)
		return err
	}

	entry.mu.Lock()
	entry.session.IsActive = false
	entry.mu.Unlock()

	m.releaseStreamMedia(ctx, streamID)
	m.untrack(streamID, entry)
	m.logger.Infow("stream ended", "stream_id", streamID)
	return nil
}

func (m *SessionManager) KickParticipant(ctx context.Context, streamID domain.StreamID, userID, actingUserID domain.ParticipantID) error {
	return m.moderate(ctx, "kick", streamID, userID, actingUserID)
}

// BanParticipant removes userID and, under the blocklist policy, keeps them
// from rejoining. Under kick_only it behaves exactly like a kick.
func (m *SessionManager) BanParticipant(ctx context.Context, streamID domain.StreamID, userID, actingUserID domain.ParticipantID) error {
	return m.moderate(ctx, "ban", streamID, userID, actingUserID)
}

func (m *SessionManager) moderate(ctx context.Context, action string, streamID domain.StreamID, userID, actingUserID domain.ParticipantID) error {
	ctx, _ = tracing.TraceSessionOperation(ctx, action, string(streamID), string(userID))
	tracing.AddSpanAttributes(ctx, tracing.ActingUserKey.String(string(actingUserID)), tracing.ModerationKey.String(action))
	var err error
	defer func() { tracing.End(ctx, err) }()

	entry, err := m.loadEntry(ctx, streamID)
	if err != nil {
		return err
	}
	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	// Permission is decided on the current server roster, never the cache.
	current, err := m.store.GetStream(ctx, streamID)
	if err != nil {
		return err
	}
	if !current.IsActive {
		err = domain.AccessResult{Exists: true, Reason: "stream has ended", Stream: current}.Err(streamID)
		return err
	}

	if err = checkModeration(current, userID, actingUserID); err != nil {
		m.metrics.RecordModeration(action, false)
		m.logger.Warnw("moderation rejected",
			"action", action,
			"stream_id", streamID,
			"user_id", userID,
			"acting_user_id", actingUserID,
			"error", err,
		)
		return err
	}

	current.RemoveParticipant(userID)
	count := current.RecomputeViewerCount()
	banned := action == "ban" && m.cfg.BanPolicy == config.BanPolicyBlocklist
	if banned {
		current.Ban(userID)
	}
	entry.replace(current)

	if err = m.persistRoster(ctx, streamID, current.Participants, count); err != nil {
		m.logger.Errorw("failed to persist moderation", "action", action, "stream_id", streamID, "error", err)
		return err
	}
	if banned {
		if err = m.store.UpdateBans(ctx, streamID, current.BannedIDs); err != nil {
			m.logger.Errorw("failed to persist ban", "stream_id", streamID, "user_id", userID, "error", err)
			return err
		}
	}

	m.leaveRTC(ctx, streamID, userID)
	m.metrics.RecordModeration(action, true)
	m.logger.Infow("participant removed",
		"action", action,
		"stream_id", streamID,
		"user_id", userID,
		"acting_user_id", actingUserID,
		"banned", banned,
	)
	return nil
}

func checkModeration(s *domain.StreamSession, userID, actingUserID domain.ParticipantID) error {
	if userID == actingUserID {
		return moderationDenied(domain.ErrSelfModeration, "participants cannot moderate themselves")
	}
	actor, ok := s.Participant(actingUserID)
	if !ok || !actor.IsHost {
		return moderationDenied(domain.ErrNotHost, "only hosts can moderate participants")
	}
	target, ok := s.Participant(userID)
	if !ok {
		return apperrors.WrapError(domain.ErrParticipantNotFound, apperrors.ErrCodeNotFound,
			"participant not found", http.StatusNotFound).WithContext("user_id", string(userID))
	}
	if target.IsHost && !actor.JoinedBefore(*target) {
		return moderationDenied(domain.ErrHostSeniority, "hosts can only moderate hosts who joined after them")
	}
	return nil
}

func moderationDenied(cause error, msg string) error {
	return apperrors.WrapError(cause, apperrors.ErrCodeModerationDenied, msg, http.StatusForbidden)
}

func (m *SessionManager) ToggleParticipantMute(ctx context.Context, streamID domain.StreamID, userID, actingUserID domain.ParticipantID) error {
	ctx, _ = tracing.TraceSessionOperation(ctx, "mute", string(streamID), string(userID))
	var err error
	defer func() { tracing.End(ctx, err) }()

	entry, err := m.loadEntry(ctx, streamID)
	if err != nil {
		return err
	}
	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	if m.cfg.MutePolicy == config.MutePolicyHostOrSelf && userID != actingUserID {
		var current *domain.StreamSession
		if current, err = m.store.GetStream(ctx, streamID); err != nil {
			return err
		}
		if actor, ok := current.Participant(actingUserID); !ok || !actor.IsHost {
			m.metrics.RecordModeration("mute", false)
			err = moderationDenied(domain.ErrNotHost, "only hosts can mute other participants")
			return err
		}
	}

	entry.mu.Lock()
	p, ok := entry.session.Participant(userID)
	if !ok {
		entry.mu.Unlock()
		err = apperrors.WrapError(domain.ErrParticipantNotFound, apperrors.ErrCodeNotFound,
			"participant not found", http.StatusNotFound).WithContext("user_id", string(userID))
		return err
	}
	p.IsMuted = !p.IsMuted
	muted := p.IsMuted
	roster := entry.session.Clone().Participants
	entry.mu.Unlock()

	if err = m.store.UpdateParticipants(ctx, streamID, roster); err != nil {
		m.logger.Errorw("failed to persist mute", "stream_id", streamID, "user_id", userID, "error", err)
		return err
	}

	if adapter, ok := m.media.Lookup(streamID, userID); ok {
		adapter.MuteLocalAudio(muted)
	}

	m.metrics.RecordModeration("mute", true)
	m.logger.Infow("participant mute toggled", "stream_id", streamID, "user_id", userID, "muted", muted)
	return nil
}

func (m *SessionManager) GetActiveStreams(ctx context.Context) ([]*domain.StreamSession, error) {
	return m.store.ListActiveStreams(ctx)
}

func (m *SessionManager) OnActiveStreamsUpdate(cb func([]*domain.StreamSession)) ports.Unsubscribe {
	return m.store.OnActiveStreamsUpdate(cb)
}

// GetStream returns the cached session when this node tracks it and the
// stored one otherwise.
func (m *SessionManager) GetStream(ctx context.Context, streamID domain.StreamID) (*domain.StreamSession, error) {
	m.mu.Lock()
	entry, ok := m.sessions[streamID]
	m.mu.Unlock()
	if ok {
		return entry.snapshot(), nil
	}
	return m.store.GetStream(ctx, streamID)
}

// GetSession returns a copy of the cached session.
func (m *SessionManager) GetSession(streamID domain.StreamID) (domain.StreamSession, bool) {
	m.mu.Lock()
	entry, ok := m.sessions[streamID]
	m.mu.Unlock()
	if !ok {
		return domain.StreamSession{}, false
	}
	return *entry.snapshot(), true
}

// Close drops every subscription and RTC listener. Persistent state and
// media sessions are untouched.
func (m *SessionManager) Close() {
	m.mu.Lock()
	entries := m.sessions
	m.sessions = make(map[domain.StreamID]*sessionEntry)
	subs := m.volumeSubs
	m.volumeSubs = make(map[actorKey]ports.Unsubscribe)
	m.mu.Unlock()

	for _, entry := range entries {
		if entry.unsubscribe != nil {
			entry.unsubscribe()
		}
	}
	for _, unsubscribe := range subs {
		unsubscribe()
	}
	m.metrics.SetActiveSessions(0)
}

// persistRoster writes the roster and viewer count concurrently.
func (m *SessionManager) persistRoster(ctx context.Context, streamID domain.StreamID, roster []domain.Participant, count int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.store.UpdateParticipants(gctx, streamID, roster)
	})
	g.Go(func() error {
		return m.store.UpdateViewerCount(gctx, streamID, count)
	})
	return g.Wait()
}

// entryFor returns the cached entry for s, creating and subscribing one from
// s when none exists.
func (m *SessionManager) entryFor(s *domain.StreamSession) *sessionEntry {
	m.mu.Lock()
	entry, ok := m.sessions[s.ID]
	m.mu.Unlock()
	if ok {
		return entry
	}
	return m.track(s)
}

// loadEntry returns the cached entry, fetching the session from the store
// when it is not cached.
func (m *SessionManager) loadEntry(ctx context.Context, streamID domain.StreamID) (*sessionEntry, error) {
	m.mu.Lock()
	entry, ok := m.sessions[streamID]
	m.mu.Unlock()
	if ok {
		return entry, nil
	}

	s, err := m.store.GetStream(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if !s.IsActive {
		return nil, domain.AccessResult{Exists: true, Reason: "stream has ended", Stream: s}.Err(streamID)
	}
	return m.track(s), nil
}

func (m *SessionManager) track(s *domain.StreamSession) *sessionEntry {
	m.mu.Lock()
	if existing, ok := m.sessions[s.ID]; ok {
		m.mu.Unlock()
		return existing
	}
	entry := &sessionEntry{session: s.Clone()}
	m.sessions[s.ID] = entry
	active := len(m.sessions)
	m.mu.Unlock()

	unsubscribe := m.store.OnStreamUpdate(s.ID, func(server *domain.StreamSession) {
		m.handleRemoteUpdate(entry, server)
	})
	entry.mu.Lock()
	entry.unsubscribe = unsubscribe
	entry.mu.Unlock()

	m.metrics.SetActiveSessions(active)
	return entry
}

func (m *SessionManager) untrack(streamID domain.StreamID, entry *sessionEntry) {
	m.mu.Lock()
	if m.sessions[streamID] == entry {
		delete(m.sessions, streamID)
	}
	active := len(m.sessions)
	m.mu.Unlock()

	entry.mu.Lock()
	unsubscribe := entry.unsubscribe
	entry.unsubscribe = nil
	entry.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	m.metrics.SetActiveSessions(active)
}

func (m *SessionManager) handleRemoteUpdate(entry *sessionEntry, server *domain.StreamSession) {
	if !server.IsActive {
		m.logger.Infow("stream ended remotely", "stream_id", server.ID)
		m.untrack(server.ID, entry)
		m.releaseStreamMedia(context.Background(), server.ID)
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if server.UpdatedAt.After(entry.session.UpdatedAt) {
		speaking := speakingSet(entry.session)
		entry.session = server.Clone()
		// Speaking state is local only.
		for i := range entry.session.Participants {
			entry.session.Participants[i].IsSpeaking = speaking[entry.session.Participants[i].ID]
		}
	}
}

func speakingSet(s *domain.StreamSession) map[domain.ParticipantID]bool {
	out := make(map[domain.ParticipantID]bool)
	for _, p := range s.Participants {
		if p.IsSpeaking {
			out[p.ID] = true
		}
	}
	return out
}

func (m *SessionManager) handleVolume(streamID domain.StreamID, speakers []domain.Speaker) {
	m.mu.Lock()
	entry, ok := m.sessions[streamID]
	m.mu.Unlock()
	if !ok {
		return
	}

	speaking := make(map[uint32]bool, len(speakers))
	for _, sp := range speakers {
		speaking[sp.UID] = sp.Speaking
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	for i := range entry.session.Participants {
		p := &entry.session.Participants[i]
		p.IsSpeaking = speaking[p.ID.UID()]
	}
}

// joinRTC joins the channel for streamID on userID's own adapter. Failures
// leave the participant in persistence-only mode.
func (m *SessionManager) joinRTC(ctx context.Context, streamID domain.StreamID, userID domain.ParticipantID, isHost bool) {
	role := domain.RoleAudience
	if isHost {
		role = domain.RoleHost
	}

	var token string
	if m.tokens != nil {
		t, err := m.tokens.RTCToken(ctx, string(streamID), userID, role)
		if err != nil {
			m.metrics.RecordRTCJoin(false)
			m.logger.Warnw("failed to issue rtc token, continuing without real-time media",
				"stream_id", streamID,
				"user_id", userID,
				"error", err,
			)
			return
		}
		token = t
	}

	adapter := m.media.Adapter(streamID, userID)
	m.watchVolume(streamID, userID, adapter)

	joinCtx, cancel := context.WithTimeout(ctx, m.cfg.JoinTimeout)
	defer cancel()
	if err := adapter.JoinChannel(joinCtx, string(streamID), userID, isHost, token); err != nil {
		m.metrics.RecordRTCJoin(false)
		m.logger.Warnw("rtc join failed, continuing without real-time media",
			"stream_id", streamID,
			"user_id", userID,
			"role", role,
			"error", err,
		)
		return
	}
	m.metrics.RecordRTCJoin(true)
}

// watchVolume feeds the adapter's level reports into the stream's speaking
// flags, once per participant.
func (m *SessionManager) watchVolume(streamID domain.StreamID, userID domain.ParticipantID, adapter ports.RTCAdapter) {
	key := actorKey{stream: streamID, user: userID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.volumeSubs[key]; ok {
		return
	}
	m.volumeSubs[key] = adapter.OnVolumeIndication(func(speakers []domain.Speaker) {
		m.handleVolume(streamID, speakers)
	})
}

// leaveRTC tears down userID's media in streamID, if this process holds any.
func (m *SessionManager) leaveRTC(ctx context.Context, streamID domain.StreamID, userID domain.ParticipantID) {
	if _, ok := m.media.Lookup(streamID, userID); !ok {
		return
	}
	m.media.Release(ctx, streamID, userID)
}

func (m *SessionManager) releaseStreamMedia(ctx context.Context, streamID domain.StreamID) {
	m.mu.Lock()
	var subs []ports.Unsubscribe
	for key, unsubscribe := range m.volumeSubs {
		if key.stream == streamID {
			subs = append(subs, unsubscribe)
			delete(m.volumeSubs, key)
		}
	}
	m.mu.Unlock()

	for _, unsubscribe := range subs {
		unsubscribe()
	}
	m.media.ReleaseStream(ctx, streamID)
}

func roleOf(p domain.Participant) domain.ClientRole {
	if p.IsHost {
		return domain.RoleHost
	}
	return domain.RoleAudience
}

type nopMetrics struct{}

func (nopMetrics) SetActiveSessions(int)                                 {}
func (nopMetrics) RecordJoin(domain.ClientRole)                          {}
func (nopMetrics) RecordLeave(domain.ClientRole)                         {}
func (nopMetrics) RecordModeration(string, bool)                         {}
func (nopMetrics) RecordRTCJoin(bool)                                    {}
func (nopMetrics) RecordRecoveryAttempt(domain.RecoveryStrategy, string) {}
func (nopMetrics) SetBreakerState(string, int)                           {}

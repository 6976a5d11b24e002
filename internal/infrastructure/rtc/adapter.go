package rtc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/circuitbreaker"
	apperrors "livecast/pkg/errors"

	"go.uber.org/zap"
)

// DefaultSpeakingThreshold is the level above which a speaker counts as
// speaking, on a 0-255 scale.
const DefaultSpeakingThreshold = 10

// Config configures the adapter.
type Config struct {
	SpeakingThreshold int
}

// Adapter wraps an RTC engine, tracks local connection state and fans engine
// callbacks out to subscribers.
type Adapter struct {
	factory   ports.EngineFactory
	breakers  *circuitbreaker.Registry
	threshold int
	logger    *zap.SugaredLogger

	initMu sync.Mutex

	mu      sync.Mutex
	engine  ports.RTCEngine
	state   domain.StreamState
	joinSeq uint64

	joined     listeners[uint32]
	left       listeners[uint32]
	volume     listeners[[]domain.Speaker]
	connection listeners[domain.ConnectionState]
	errorsL    listeners[error]
	warnings   listeners[domain.EngineWarning]
}

// NewAdapter creates an adapter. The engine is built lazily on Initialize.
func NewAdapter(factory ports.EngineFactory, breakers *circuitbreaker.Registry, cfg Config, logger *zap.SugaredLogger) *Adapter {
	if cfg.SpeakingThreshold <= 0 {
		cfg.SpeakingThreshold = DefaultSpeakingThreshold
	}
	return &Adapter{
		factory:   factory,
		breakers:  breakers,
		threshold: cfg.SpeakingThreshold,
		logger:    logger,
		state:     domain.InitialStreamState(),
	}
}

var _ ports.RTCAdapter = (*Adapter)(nil)

// Initialize creates and initializes the engine. It is a no-op when an
// engine already exists.
func (a *Adapter) Initialize(ctx context.Context) error {
	a.initMu.Lock()
	defer a.initMu.Unlock()

	a.mu.Lock()
	if a.engine != nil {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	if a.factory == nil {
		return apperrors.NewTransientError("rtc engine is not configured", domain.ErrEngineUnavailable)
	}

	var engine ports.RTCEngine
	err := safeCall(func() error {
		var err error
		engine, err = a.factory()
		return err
	})
	if err != nil {
		return apperrors.NewTransientError("failed to create rtc engine", errors.Join(domain.ErrEngineUnavailable, err))
	}

	engine.SetEventHandler(&engineEvents{adapter: a})
	if err := safeCall(func() error { return engine.Initialize(ctx) }); err != nil {
		if releaseErr := safeCall(engine.Release); releaseErr != nil {
			a.logger.Warnw("failed to release engine after init failure", "error", releaseErr)
		}
		return apperrors.NewTransientError("failed to initialize rtc engine", errors.Join(domain.ErrEngineUnavailable, err))
	}

	a.mu.Lock()
	a.engine = engine
	a.mu.Unlock()

	a.logger.Infow("rtc engine initialized")
	return nil
}

// JoinChannel joins channelID as participantID. ctx bounds the join: when it
// expires first the engine result is discarded and the engine is asked to
// leave once it eventually completes.
func (a *Adapter) JoinChannel(ctx context.Context, channelID string, participantID domain.ParticipantID, isHost bool, token string) error {
	if channelID == "" {
		return apperrors.NewInvalidInputError("channel id is required")
	}
	if participantID == "" {
		return apperrors.NewInvalidInputError("participant id is required")
	}

	uid := participantID.UID()

	a.mu.Lock()
	if a.state.IsJoined && a.state.ChannelID == channelID && a.state.UID == uid {
		a.mu.Unlock()
		return nil
	}
	switchChannel := a.state.IsJoined
	a.mu.Unlock()

	if switchChannel {
		if err := a.LeaveChannel(ctx); err != nil {
			a.logger.Warnw("failed to leave previous channel", "error", err)
		}
	}

	if err := a.Initialize(ctx); err != nil {
		a.setConnectionState(domain.ConnectionFailed)
		return err
	}

	a.mu.Lock()
	engine := a.engine
	a.joinSeq++
	seq := a.joinSeq
	a.mu.Unlock()

	a.setConnectionState(domain.ConnectionConnecting)

	role := domain.RoleAudience
	if isHost {
		role = domain.RoleHost
	}

	err := a.breakers.Get(circuitbreaker.ClassChannelJoin).Execute(ctx, func() error {
		return a.joinWithDeadline(ctx, engine, seq, token, channelID, uid, role)
	})
	if err != nil {
		a.setConnectionState(domain.ConnectionFailed)
		a.logger.Warnw("failed to join channel",
			"channel_id", channelID,
			"uid", uid,
			"role", role,
			"error", err,
		)
		if apperrors.IsAppError(err) {
			return err
		}
		return apperrors.NewTransientError("failed to join channel", err).WithContext("channel_id", channelID)
	}

	a.mu.Lock()
	if a.joinSeq != seq {
		// Destroyed or superseded while joining.
		a.mu.Unlock()
		return apperrors.NewTransientError("join superseded", context.Canceled)
	}
	a.state.IsJoined = true
	a.state.ChannelID = channelID
	a.state.UID = uid
	a.state.IsHost = isHost
	a.state.IsAudioMuted = false
	a.state.IsVideoEnabled = isHost
	a.state.ConnectionState = domain.ConnectionConnected
	a.mu.Unlock()

	a.connection.emit(domain.ConnectionConnected)
	a.logger.Infow("joined channel",
		"channel_id", channelID,
		"uid", uid,
		"role", role,
	)
	return nil
}

func (a *Adapter) joinWithDeadline(ctx context.Context, engine ports.RTCEngine, seq uint64, token, channelID string, uid uint32, role domain.ClientRole) error {
	result := make(chan error, 1)
	go func() {
		result <- safeCall(func() error {
			return engine.JoinChannel(ctx, token, channelID, uid, role)
		})
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		go a.discardLateJoin(engine, seq, result)
		return apperrors.WrapError(ctx.Err(), apperrors.ErrCodeTimeout, "join channel timed out", 504).
			WithContext("channel_id", channelID)
	}
}

// discardLateJoin waits for an abandoned join and undoes it if it succeeded
// and no newer join has started since.
func (a *Adapter) discardLateJoin(engine ports.RTCEngine, seq uint64, result <-chan error) {
	if err := <-result; err != nil {
		return
	}

	a.mu.Lock()
	stale := a.joinSeq == seq && !a.state.IsJoined
	a.mu.Unlock()
	if !stale {
		return
	}

	if err := safeCall(func() error { return engine.LeaveChannel(context.Background()) }); err != nil {
		a.logger.Warnw("failed to leave after timed out join", "error", err)
	}
}

// LeaveChannel leaves the current channel. It is a no-op when not joined.
func (a *Adapter) LeaveChannel(ctx context.Context) error {
	a.mu.Lock()
	if !a.state.IsJoined || a.engine == nil {
		a.mu.Unlock()
		return nil
	}
	engine := a.engine
	channelID := a.state.ChannelID
	a.mu.Unlock()

	err := safeCall(func() error { return engine.LeaveChannel(ctx) })

	a.mu.Lock()
	a.state.IsJoined = false
	a.state.ChannelID = ""
	a.state.UID = 0
	a.state.IsHost = false
	a.state.RemoteUsers = nil
	a.state.ConnectionState = domain.ConnectionDisconnected
	a.mu.Unlock()
	a.connection.emit(domain.ConnectionDisconnected)

	if err != nil {
		return apperrors.NewTransientError("failed to leave channel", err).WithContext("channel_id", channelID)
	}
	a.logger.Infow("left channel", "channel_id", channelID)
	return nil
}

func (a *Adapter) MuteLocalAudio(muted bool) {
	a.mu.Lock()
	a.state.IsAudioMuted = muted
	engine := a.engine
	a.mu.Unlock()

	if engine == nil {
		return
	}
	if err := safeCall(func() error { return engine.MuteLocalAudioStream(muted) }); err != nil {
		a.logger.Warnw("failed to mute local audio", "muted", muted, "error", err)
	}
}

func (a *Adapter) EnableLocalVideo(enabled bool) {
	a.mu.Lock()
	a.state.IsVideoEnabled = enabled
	engine := a.engine
	a.mu.Unlock()

	if engine == nil {
		return
	}
	if err := safeCall(func() error { return engine.EnableLocalVideo(enabled) }); err != nil {
		a.logger.Warnw("failed to toggle local video", "enabled", enabled, "error", err)
	}
}

// Destroy leaves the channel, releases the engine and resets local state.
// Failures are logged; Destroy never panics and always ends disconnected.
func (a *Adapter) Destroy(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Errorw("panic while destroying rtc engine", "panic", r)
		}
		a.reset()
	}()

	if err := a.LeaveChannel(ctx); err != nil {
		a.logger.Warnw("failed to leave channel during destroy", "error", err)
	}

	a.mu.Lock()
	engine := a.engine
	a.mu.Unlock()
	if engine == nil {
		return
	}

	err := a.breakers.Get(circuitbreaker.ClassEngineCleanup).Execute(ctx, func() error {
		return safeCall(engine.Release)
	})
	if err != nil {
		a.logger.Warnw("failed to release rtc engine", "error", err)
		return
	}
	a.logger.Infow("rtc engine released")
}

func (a *Adapter) reset() {
	a.mu.Lock()
	changed := a.state.ConnectionState != domain.ConnectionDisconnected
	a.engine = nil
	a.state = domain.InitialStreamState()
	a.joinSeq++
	a.mu.Unlock()

	if changed {
		a.connection.emit(domain.ConnectionDisconnected)
	}
}

// StreamState returns a copy of the current connection state.
func (a *Adapter) StreamState() domain.StreamState {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := a.state
	out.RemoteUsers = append([]uint32(nil), a.state.RemoteUsers...)
	return out
}

func (a *Adapter) OnParticipantJoined(cb func(uid uint32)) ports.Unsubscribe {
	return a.joined.add(cb)
}

func (a *Adapter) OnParticipantLeft(cb func(uid uint32)) ports.Unsubscribe {
	return a.left.add(cb)
}

func (a *Adapter) OnVolumeIndication(cb func(speakers []domain.Speaker)) ports.Unsubscribe {
	return a.volume.add(cb)
}

func (a *Adapter) OnConnectionStateChanged(cb func(state domain.ConnectionState)) ports.Unsubscribe {
	return a.connection.add(cb)
}

func (a *Adapter) OnError(cb func(err error)) ports.Unsubscribe {
	return a.errorsL.add(cb)
}

func (a *Adapter) OnWarning(cb func(warning domain.EngineWarning)) ports.Unsubscribe {
	return a.warnings.add(cb)
}

func (a *Adapter) setConnectionState(state domain.ConnectionState) {
	a.mu.Lock()
	if a.state.ConnectionState == state {
		a.mu.Unlock()
		return
	}
	a.state.ConnectionState = state
	a.mu.Unlock()

	a.connection.emit(state)
}

// engineEvents translates engine callbacks into adapter state and events.
type engineEvents struct {
	adapter *Adapter
}

func (e *engineEvents) OnJoinChannelSuccess(channel string, uid uint32) {
	e.adapter.logger.Debugw("engine joined channel", "channel_id", channel, "uid", uid)
}

func (e *engineEvents) OnLeaveChannel() {
	e.adapter.logger.Debugw("engine left channel")
}

func (e *engineEvents) OnUserJoined(uid uint32) {
	a := e.adapter
	a.mu.Lock()
	present := false
	for _, existing := range a.state.RemoteUsers {
		if existing == uid {
			present = true
			break
		}
	}
	if !present {
		a.state.RemoteUsers = append(a.state.RemoteUsers, uid)
	}
	a.mu.Unlock()

	a.joined.emit(uid)
}

func (e *engineEvents) OnUserOffline(uid uint32) {
	a := e.adapter
	a.mu.Lock()
	for i, existing := range a.state.RemoteUsers {
		if existing == uid {
			a.state.RemoteUsers = append(a.state.RemoteUsers[:i], a.state.RemoteUsers[i+1:]...)
			break
		}
	}
	a.mu.Unlock()

	a.left.emit(uid)
}

func (e *engineEvents) OnAudioVolumeIndication(levels map[uint32]int) {
	if len(levels) == 0 {
		return
	}
	speakers := make([]domain.Speaker, 0, len(levels))
	for uid, level := range levels {
		speakers = append(speakers, domain.Speaker{
			UID:      uid,
			Level:    level,
			Speaking: level > e.adapter.threshold,
		})
	}
	sort.Slice(speakers, func(i, j int) bool { return speakers[i].UID < speakers[j].UID })

	e.adapter.volume.emit(speakers)
}

func (e *engineEvents) OnConnectionStateChanged(state domain.ConnectionState) {
	e.adapter.setConnectionState(state)
}

func (e *engineEvents) OnError(err error) {
	e.adapter.logger.Warnw("rtc engine error", "error", err)
	e.adapter.errorsL.emit(err)
}

func (e *engineEvents) OnWarning(warning domain.EngineWarning) {
	e.adapter.logger.Debugw("rtc engine warning", "code", warning.Code, "message", warning.Message)
	e.adapter.warnings.emit(warning)
}

// safeCall turns a panic inside an engine call into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rtc engine panic: %v", r)
		}
	}()
	return fn()
}

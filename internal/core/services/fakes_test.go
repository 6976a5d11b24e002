package services

import (
	"context"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/internal/infrastructure/repositories/memory"
)

// fakeRTC records adapter calls and lets tests inject failures.
type fakeRTC struct {
	mu sync.Mutex

	initErrs []error
	joinErrs []error

	state    domain.StreamState
	inits    int
	joins    []fakeJoin
	leaves   int
	destroys int
	muted    []bool

	volumeCB func([]domain.Speaker)

	// When set, JoinChannel signals entered and waits for release.
	joinEntered chan struct{}
	joinRelease chan struct{}
}

type fakeJoin struct {
	channel  string
	user     domain.ParticipantID
	isHost   bool
	token    string
	deadline time.Time
}

func newFakeRTC() *fakeRTC {
	return &fakeRTC{state: domain.InitialStreamState()}
}

func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakeRTC) failJoins(errs ...error) {
	f.mu.Lock()
	f.joinErrs = append(f.joinErrs, errs...)
	f.mu.Unlock()
}

func (f *fakeRTC) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	return popErr(&f.initErrs)
}

func (f *fakeRTC) JoinChannel(ctx context.Context, channelID string, participantID domain.ParticipantID, isHost bool, token string) error {
	f.mu.Lock()
	entered, release := f.joinEntered, f.joinRelease
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
		<-release
	}

	deadline, _ := ctx.Deadline()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, fakeJoin{channel: channelID, user: participantID, isHost: isHost, token: token, deadline: deadline})
	if err := popErr(&f.joinErrs); err != nil {
		f.state.ConnectionState = domain.ConnectionFailed
		return err
	}
	f.state.IsJoined = true
	f.state.ChannelID = channelID
	f.state.UID = participantID.UID()
	f.state.IsHost = isHost
	f.state.ConnectionState = domain.ConnectionConnected
	return nil
}

func (f *fakeRTC) LeaveChannel(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
	f.state = domain.InitialStreamState()
	return nil
}

func (f *fakeRTC) MuteLocalAudio(muted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = append(f.muted, muted)
	f.state.IsAudioMuted = muted
}

func (f *fakeRTC) EnableLocalVideo(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.IsVideoEnabled = enabled
}

func (f *fakeRTC) Destroy(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroys++
	f.state = domain.InitialStreamState()
}

func (f *fakeRTC) StreamState() domain.StreamState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeRTC) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.joins)
}

func (f *fakeRTC) speak(speakers ...domain.Speaker) {
	f.mu.Lock()
	cb := f.volumeCB
	f.mu.Unlock()
	if cb != nil {
		cb(speakers)
	}
}

func nop() {}

func (f *fakeRTC) OnParticipantJoined(cb func(uid uint32)) ports.Unsubscribe { return nop }
func (f *fakeRTC) OnParticipantLeft(cb func(uid uint32)) ports.Unsubscribe { return nop }
func (f *fakeRTC) OnConnectionStateChanged(cb func(state domain.ConnectionState)) ports.Unsubscribe {
	return nop
}
func (f *fakeRTC) OnError(cb func(err error)) ports.Unsubscribe { return nop }
func (f *fakeRTC) OnWarning(cb func(warning domain.EngineWarning)) ports.Unsubscribe { return nop }

func (f *fakeRTC) OnVolumeIndication(cb func(speakers []domain.Speaker)) ports.Unsubscribe {
	f.mu.Lock()
	f.volumeCB = cb
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.volumeCB = nil
		f.mu.Unlock()
	}
}

// fakeMedia hands out one fakeRTC per (stream, participant).
type fakeMedia struct {
	mu       sync.Mutex
	adapters map[actorKey]*fakeRTC
	created  []actorKey
	released []actorKey
	ended    []domain.StreamID

	// Seeded into the next adapter created.
	nextJoinErrs []error
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{adapters: make(map[actorKey]*fakeRTC)}
}

func (m *fakeMedia) failNextJoins(errs ...error) {
	m.mu.Lock()
	m.nextJoinErrs = append(m.nextJoinErrs, errs...)
	m.mu.Unlock()
}

func (m *fakeMedia) Adapter(streamID domain.StreamID, participantID domain.ParticipantID) ports.RTCAdapter {
	return m.adapterFor(streamID, participantID)
}

func (m *fakeMedia) adapterFor(streamID domain.StreamID, participantID domain.ParticipantID) *fakeRTC {
	key := actorKey{stream: streamID, user: participantID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.adapters[key]; ok {
		return a
	}
	a := newFakeRTC()
	a.joinErrs = m.nextJoinErrs
	m.nextJoinErrs = nil
	m.adapters[key] = a
	m.created = append(m.created, key)
	return a
}

func (m *fakeMedia) Lookup(streamID domain.StreamID, participantID domain.ParticipantID) (ports.RTCAdapter, bool) {
	a, ok := m.of(streamID, participantID)
	if !ok {
		return nil, false
	}
	return a, true
}

// of returns the fake behind a pair without creating one.
func (m *fakeMedia) of(streamID domain.StreamID, participantID domain.ParticipantID) (*fakeRTC, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.adapters[actorKey{stream: streamID, user: participantID}]
	return a, ok
}

func (m *fakeMedia) Release(ctx context.Context, streamID domain.StreamID, participantID domain.ParticipantID) {
	a, ok := m.of(streamID, participantID)
	if !ok {
		return
	}
	a.Destroy(ctx)
	m.mu.Lock()
	m.released = append(m.released, actorKey{stream: streamID, user: participantID})
	m.mu.Unlock()
}

func (m *fakeMedia) ReleaseStream(ctx context.Context, streamID domain.StreamID) {
	m.mu.Lock()
	var gone []*fakeRTC
	for key, a := range m.adapters {
		if key.stream == streamID {
			gone = append(gone, a)
			delete(m.adapters, key)
		}
	}
	m.ended = append(m.ended, streamID)
	m.mu.Unlock()

	for _, a := range gone {
		a.Destroy(ctx)
	}
}

func (m *fakeMedia) createdCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.created)
}

// stepClock is a manually advanced clock.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// silentStore never delivers change notifications, so the cache only learns
// about server changes through explicit reads.
type silentStore struct {
	*memory.SessionStore
}

func (silentStore) OnStreamUpdate(domain.StreamID, func(*domain.StreamSession)) ports.Unsubscribe {
	return nop
}

type fakeTokens struct {
	err    error
	issued []domain.ClientRole
}

func (f *fakeTokens) RTCToken(ctx context.Context, channel string, participantID domain.ParticipantID, role domain.ClientRole) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.issued = append(f.issued, role)
	return "token-" + string(participantID), nil
}

type recordingMetrics struct {
	nopMetrics
	mu         sync.Mutex
	moderation map[string]int
	rtcFail    int
	recoveries []string
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{moderation: make(map[string]int)}
}

func (r *recordingMetrics) RecordModeration(action string, allowed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := action + ":denied"
	if allowed {
		key = action + ":allowed"
	}
	r.moderation[key]++
}

func (r *recordingMetrics) RecordRTCJoin(success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !success {
		r.rtcFail++
	}
}

func (r *recordingMetrics) RecordRecoveryAttempt(strategy domain.RecoveryStrategy, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recoveries = append(r.recoveries, string(strategy)+":"+outcome)
}

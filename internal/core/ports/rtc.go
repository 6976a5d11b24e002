package ports

import (
	"context"

	"livecast/internal/core/domain"
)

// RTCEngine is the contract of the external real-time media transport.
type RTCEngine interface {
	Initialize(ctx context.Context) error
	JoinChannel(ctx context.Context, token, channel string, uid uint32, role domain.ClientRole) error
	LeaveChannel(ctx context.Context) error
	MuteLocalAudioStream(muted bool) error
	EnableLocalVideo(enabled bool) error
	Release() error
	SetEventHandler(handler EngineEventHandler)
}

// EngineEventHandler receives engine callbacks. Implementations must not block.
type EngineEventHandler interface {
	OnJoinChannelSuccess(channel string, uid uint32)
	OnLeaveChannel()
	OnUserJoined(uid uint32)
	OnUserOffline(uid uint32)
	// OnAudioVolumeIndication carries levels on a 0-255 scale keyed by uid.
	OnAudioVolumeIndication(levels map[uint32]int)
	OnConnectionStateChanged(state domain.ConnectionState)
	OnError(err error)
	OnWarning(warning domain.EngineWarning)
}

// EngineFactory builds a fresh engine instance.
type EngineFactory func() (RTCEngine, error)

// TokenProvider issues the credential an engine presents when joining a channel.
type TokenProvider interface {
	RTCToken(ctx context.Context, channel string, participantID domain.ParticipantID, role domain.ClientRole) (string, error)
}

// RTCAdapter is the state-tracking facade the core uses instead of the raw engine.
type RTCAdapter interface {
	Initialize(ctx context.Context) error
	JoinChannel(ctx context.Context, channelID string, participantID domain.ParticipantID, isHost bool, token string) error
	LeaveChannel(ctx context.Context) error
	MuteLocalAudio(muted bool)
	EnableLocalVideo(enabled bool)
	Destroy(ctx context.Context)
	StreamState() domain.StreamState

	OnParticipantJoined(cb func(uid uint32)) Unsubscribe
	OnParticipantLeft(cb func(uid uint32)) Unsubscribe
	OnVolumeIndication(cb func(speakers []domain.Speaker)) Unsubscribe
	OnConnectionStateChanged(cb func(state domain.ConnectionState)) Unsubscribe
	OnError(cb func(err error)) Unsubscribe
	OnWarning(cb func(warning domain.EngineWarning)) Unsubscribe
}

// MediaSessions hands out one RTCAdapter per (stream, participant) so one
// participant's join, leave or recovery never touches another's media.
type MediaSessions interface {
	// Adapter returns the adapter for the pair, creating it on first use.
	Adapter(streamID domain.StreamID, participantID domain.ParticipantID) RTCAdapter
	// Lookup returns the adapter only when one was created for the pair.
	Lookup(streamID domain.StreamID, participantID domain.ParticipantID) (RTCAdapter, bool)
	// Release tears the pair's media down. The adapter stays registered
	// until its stream is released.
	Release(ctx context.Context, streamID domain.StreamID, participantID domain.ParticipantID)
	// ReleaseStream destroys and forgets every adapter of streamID.
	ReleaseStream(ctx context.Context, streamID domain.StreamID)
}

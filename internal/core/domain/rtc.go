package domain

type ClientRole string

const (
	RoleHost     ClientRole = "host"
	RoleAudience ClientRole = "audience"
)

// StreamState is a snapshot of the local RTC connection.
type StreamState struct {
	IsJoined        bool            `json:"is_joined"`
	ChannelID       string          `json:"channel_id,omitempty"`
	UID             uint32          `json:"uid,omitempty"`
	IsHost          bool            `json:"is_host"`
	ConnectionState ConnectionState `json:"connection_state"`
	IsAudioMuted    bool            `json:"is_audio_muted"`
	IsVideoEnabled  bool            `json:"is_video_enabled"`
	RemoteUsers     []uint32        `json:"remote_users"`
}

func InitialStreamState() StreamState {
	return StreamState{ConnectionState: ConnectionDisconnected}
}

// Speaker is one entry of a volume indication. Level is on a 0-255 scale.
type Speaker struct {
	UID      uint32
	Level    int
	Speaking bool
}

// EngineWarning is a non-fatal condition reported by the engine.
type EngineWarning struct {
	Code    int
	Message string
}

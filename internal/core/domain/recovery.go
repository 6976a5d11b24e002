package domain

type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionFailed       ConnectionState = "failed"
)

type RecoveryStrategy string

const (
	StrategyNone         RecoveryStrategy = "none"
	StrategyReconnect    RecoveryStrategy = "reconnect"
	StrategyReinitialize RecoveryStrategy = "reinitialize"
	StrategyFallback     RecoveryStrategy = "fallback"
)

// RecoveryState is the client-local view of an ongoing or finished recovery.
type RecoveryState struct {
	IsRecovering     bool             `json:"is_recovering"`
	RecoveryAttempts int              `json:"recovery_attempts"`
	LastError        string           `json:"last_error,omitempty"`
	ConnectionState  ConnectionState  `json:"connection_state"`
	RecoveryStrategy RecoveryStrategy `json:"recovery_strategy"`
	// Exhausted distinguishes giving up after retries from an initial fatal error.
	Exhausted bool `json:"exhausted"`
}

func InitialRecoveryState() RecoveryState {
	return RecoveryState{
		ConnectionState:  ConnectionDisconnected,
		RecoveryStrategy: StrategyNone,
	}
}

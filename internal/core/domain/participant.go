package domain

import (
	"time"

	"github.com/cespare/xxhash/v2"
)

type Participant struct {
	ID         ParticipantID `json:"id"`
	Name       string        `json:"name"`
	Avatar     string        `json:"avatar,omitempty"`
	IsHost     bool          `json:"is_host"`
	IsSpeaking bool          `json:"is_speaking"`
	IsMuted    bool          `json:"is_muted"`
	JoinedAt   time.Time     `json:"joined_at"`
	JoinOrder  int64         `json:"join_order"`
}

// JoinedBefore reports whether p joined strictly earlier than other.
func (p Participant) JoinedBefore(other Participant) bool {
	if p.JoinOrder != other.JoinOrder {
		return p.JoinOrder < other.JoinOrder
	}
	return p.JoinedAt.Before(other.JoinedAt)
}

const maxUID = 1<<31 - 1

// UID maps the participant onto the numeric identity RTC engines expect.
// The result is stable across processes and always within [1, 2^31-1].
func (id ParticipantID) UID() uint32 {
	return uint32(xxhash.Sum64String(string(id))%maxUID) + 1
}

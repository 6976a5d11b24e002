package domain

import (
	"time"
)

type StreamID string
type ParticipantID string

type StreamSession struct {
	ID           StreamID        `json:"id"`
	Title        string          `json:"title"`
	HostID       ParticipantID   `json:"host_id"`
	Participants []Participant   `json:"participants"`
	StartedAt    time.Time       `json:"started_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	IsActive     bool            `json:"is_active"`
	ViewerCount  int             `json:"viewer_count"`
	BannedIDs    []ParticipantID `json:"banned_ids,omitempty"`
}

// Clone returns a deep copy so callers can mutate the roster without
// touching shared state.
func (s *StreamSession) Clone() *StreamSession {
	if s == nil {
		return nil
	}
	out := *s
	out.Participants = append([]Participant(nil), s.Participants...)
	out.BannedIDs = append([]ParticipantID(nil), s.BannedIDs...)
	return &out
}

// IndexOf returns the roster position of id, or -1.
func (s *StreamSession) IndexOf(id ParticipantID) int {
	for i := range s.Participants {
		if s.Participants[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *StreamSession) Participant(id ParticipantID) (*Participant, bool) {
	i := s.IndexOf(id)
	if i < 0 {
		return nil, false
	}
	return &s.Participants[i], true
}

// RemoveParticipant drops id from the roster and reports whether it was present.
func (s *StreamSession) RemoveParticipant(id ParticipantID) bool {
	i := s.IndexOf(id)
	if i < 0 {
		return false
	}
	s.Participants = append(s.Participants[:i], s.Participants[i+1:]...)
	return true
}

func (s *StreamSession) HasHost() bool {
	for i := range s.Participants {
		if s.Participants[i].IsHost {
			return true
		}
	}
	return false
}

// RecomputeViewerCount sets ViewerCount to the number of non-host participants.
func (s *StreamSession) RecomputeViewerCount() int {
	n := 0
	for i := range s.Participants {
		if !s.Participants[i].IsHost {
			n++
		}
	}
	s.ViewerCount = n
	return n
}

// NextJoinOrder is one past the highest join order in the roster.
func (s *StreamSession) NextJoinOrder() int64 {
	var max int64
	for i := range s.Participants {
		if s.Participants[i].JoinOrder > max {
			max = s.Participants[i].JoinOrder
		}
	}
	return max + 1
}

func (s *StreamSession) IsBanned(id ParticipantID) bool {
	for _, banned := range s.BannedIDs {
		if banned == id {
			return true
		}
	}
	return false
}

// Ban appends id to the exclusion list once.
func (s *StreamSession) Ban(id ParticipantID) {
	if !s.IsBanned(id) {
		s.BannedIDs = append(s.BannedIDs, id)
	}
}

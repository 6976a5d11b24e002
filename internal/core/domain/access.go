package domain

import (
	"net/http"

	apperrors "livecast/pkg/errors"
)

// AccessResult is the outcome of checking whether a user may enter a stream.
type AccessResult struct {
	Exists     bool
	Accessible bool
	Reason     string
	Stream     *StreamSession
}

// Err converts a negative result into a typed error. It returns nil when the
// stream is accessible.
func (r AccessResult) Err(streamID StreamID) error {
	switch {
	case !r.Exists:
		return NewStreamNotFoundError(streamID)
	case !r.Accessible:
		cause := ErrStreamEnded
		if r.Stream != nil && r.Stream.IsActive {
			cause = ErrParticipantBanned
		}
		return apperrors.WrapError(cause, apperrors.ErrCodeAccessDenied, r.Reason, http.StatusForbidden).
			WithContext("stream_id", string(streamID))
	default:
		return nil
	}
}

// EvaluateAccess applies the access rules to a fetched stream record.
// A nil stream means the record does not exist.
func EvaluateAccess(stream *StreamSession, userID ParticipantID) AccessResult {
	if stream == nil {
		return AccessResult{Reason: "stream not found"}
	}
	if !stream.IsActive {
		return AccessResult{Exists: true, Reason: "stream has ended", Stream: stream}
	}
	if userID != "" && stream.IsBanned(userID) {
		return AccessResult{Exists: true, Reason: "user is banned from this stream", Stream: stream}
	}
	return AccessResult{Exists: true, Accessible: true, Stream: stream}
}

// NewStreamNotFoundError is the typed error for a missing stream record.
func NewStreamNotFoundError(streamID StreamID) error {
	return apperrors.WrapError(ErrStreamNotFound, apperrors.ErrCodeNotFound, "stream not found", http.StatusNotFound).
		WithContext("stream_id", string(streamID))
}

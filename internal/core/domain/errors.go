package domain

import "errors"

var (
	ErrStreamNotFound      = errors.New("stream not found")
	ErrStreamEnded         = errors.New("stream has ended")
	ErrParticipantBanned   = errors.New("participant is banned from this stream")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrNotHost             = errors.New("acting user is not a host")
	ErrSelfModeration      = errors.New("cannot moderate yourself")
	ErrHostSeniority       = errors.New("only an earlier host can moderate another host")
	ErrEngineUnavailable   = errors.New("rtc engine unavailable")
)

package reliability

import (
	"context"
	"errors"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/circuitbreaker"
	apperrors "livecast/pkg/errors"
	"livecast/pkg/retry"

	"go.uber.org/zap"
)

// GuardedStore wraps a SessionStore with the stream_access circuit breaker.
// Writes are additionally retried with backoff.
type GuardedStore struct {
	store   ports.SessionStore
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger

	retryConfig retry.Config
}

// NewGuardedStore wraps store. Only transient failures are retried.
func NewGuardedStore(
	store ports.SessionStore,
	breakers *circuitbreaker.Registry,
	retryConfig retry.Config,
	logger *zap.SugaredLogger,
) *GuardedStore {
	retryConfig.ShouldRetry = isRetryable
	return &GuardedStore{
		store:       store,
		breaker:     breakers.Get(circuitbreaker.ClassStreamAccess),
		logger:      logger,
		retryConfig: retryConfig,
	}
}

var _ ports.SessionStore = (*GuardedStore)(nil)

func isRetryable(err error) bool {
	return !apperrors.IsFatal(err) &&
		!apperrors.IsCircuitOpen(err) &&
		!apperrors.HasCode(err, apperrors.ErrCodeInvalidInput)
}

// isAnswer reports whether err is a definite answer from the backend rather
// than a failure of it.
func isAnswer(err error) bool {
	return apperrors.IsNotFound(err) ||
		apperrors.IsAccessDenied(err) ||
		apperrors.HasCode(err, apperrors.ErrCodeInvalidInput)
}

// guard runs fn through the breaker. Answers pass through without counting
// as breaker failures.
func (g *GuardedStore) guard(ctx context.Context, fn func() error) error {
	var answer error
	err := g.breaker.Execute(ctx, func() error {
		err := fn()
		if err != nil && isAnswer(err) {
			answer = err
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	return answer
}

func (g *GuardedStore) write(ctx context.Context, op string, streamID domain.StreamID, fn func() error) error {
	err := retry.Retry(ctx, g.retryConfig, func() error {
		return g.guard(ctx, fn)
	})

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		g.logger.Warnw("store write failed after retries",
			"operation", op,
			"stream_id", streamID,
			"attempts", exhausted.Attempts,
			"error", exhausted.Last,
		)
		return exhausted.Last
	}
	return err
}

func (g *GuardedStore) ValidateStreamAccess(ctx context.Context, streamID domain.StreamID, userID domain.ParticipantID) (domain.AccessResult, error) {
	var result domain.AccessResult
	err := g.guard(ctx, func() error {
		var err error
		result, err = g.store.ValidateStreamAccess(ctx, streamID, userID)
		return err
	})
	return result, err
}

func (g *GuardedStore) CreateStream(ctx context.Context, stream *domain.StreamSession) (*domain.StreamSession, error) {
	var id domain.StreamID
	if stream != nil {
		id = stream.ID
	}
	var created *domain.StreamSession
	err := g.write(ctx, "create_stream", id, func() error {
		var err error
		created, err = g.store.CreateStream(ctx, stream)
		return err
	})
	return created, err
}

func (g *GuardedStore) GetStream(ctx context.Context, streamID domain.StreamID) (*domain.StreamSession, error) {
	var stream *domain.StreamSession
	err := g.guard(ctx, func() error {
		var err error
		stream, err = g.store.GetStream(ctx, streamID)
		return err
	})
	return stream, err
}

func (g *GuardedStore) UpdateParticipants(ctx context.Context, streamID domain.StreamID, participants []domain.Participant) error {
	return g.write(ctx, "update_participants", streamID, func() error {
		return g.store.UpdateParticipants(ctx, streamID, participants)
	})
}

func (g *GuardedStore) UpdateViewerCount(ctx context.Context, streamID domain.StreamID, count int) error {
	return g.write(ctx, "update_viewer_count", streamID, func() error {
		return g.store.UpdateViewerCount(ctx, streamID, count)
	})
}

func (g *GuardedStore) UpdateStatus(ctx context.Context, streamID domain.StreamID, active bool) error {
	return g.write(ctx, "update_status", streamID, func() error {
		return g.store.UpdateStatus(ctx, streamID, active)
	})
}

func (g *GuardedStore) UpdateBans(ctx context.Context, streamID domain.StreamID, banned []domain.ParticipantID) error {
	return g.write(ctx, "update_bans", streamID, func() error {
		return g.store.UpdateBans(ctx, streamID, banned)
	})
}

func (g *GuardedStore) ListActiveStreams(ctx context.Context) ([]*domain.StreamSession, error) {
	var streams []*domain.StreamSession
	err := g.guard(ctx, func() error {
		var err error
		streams, err = g.store.ListActiveStreams(ctx)
		return err
	})
	return streams, err
}

func (g *GuardedStore) OnActiveStreamsUpdate(cb func([]*domain.StreamSession)) ports.Unsubscribe {
	return g.store.OnActiveStreamsUpdate(cb)
}

func (g *GuardedStore) OnStreamUpdate(streamID domain.StreamID, cb func(*domain.StreamSession)) ports.Unsubscribe {
	return g.store.OnStreamUpdate(streamID, cb)
}

// BreakerStats returns the stream_access breaker statistics.
func (g *GuardedStore) BreakerStats() circuitbreaker.Stats {
	return g.breaker.GetStats()
}

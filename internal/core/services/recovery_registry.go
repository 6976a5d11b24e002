package services

import (
	"context"
	"sync"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// RecoveryRegistry keeps one RecoveryController per (stream, participant),
// each bound to that participant's own media session. Controllers are
// created on the first reported error and closed once their stream leaves
// the active list.
type RecoveryRegistry struct {
	store    ports.SessionStore
	media    ports.MediaSessions
	breakers *circuitbreaker.Registry
	cfg      RecoveryConfig
	opts     []RecoveryOption
	logger   *zap.SugaredLogger

	mu          sync.Mutex
	controllers map[actorKey]*RecoveryController
	closed      bool
	unsubscribe ports.Unsubscribe
}

func NewRecoveryRegistry(
	store ports.SessionStore,
	media ports.MediaSessions,
	breakers *circuitbreaker.Registry,
	cfg RecoveryConfig,
	logger *zap.SugaredLogger,
	opts ...RecoveryOption,
) *RecoveryRegistry {
	r := &RecoveryRegistry{
		store:       store,
		media:       media,
		breakers:    breakers,
		cfg:         cfg,
		opts:        opts,
		logger:      logger,
		controllers: make(map[actorKey]*RecoveryController),
	}
	r.unsubscribe = store.OnActiveStreamsUpdate(r.prune)
	return r
}

var _ ports.RecoveryRegistry = (*RecoveryRegistry)(nil)

// For returns the controller of userID in streamID, creating it on first use.
// It returns nil once the registry is closed.
func (r *RecoveryRegistry) For(streamID domain.StreamID, userID domain.ParticipantID) *RecoveryController {
	key := actorKey{stream: streamID, user: userID}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if c, ok := r.controllers[key]; ok {
		return c
	}
	c := NewRecoveryController(r.store, r.media.Adapter(streamID, userID), r.breakers, r.cfg,
		r.logger.With("stream_id", streamID, "user_id", userID), r.opts...)
	r.controllers[key] = c
	return c
}

func (r *RecoveryRegistry) lookup(streamID domain.StreamID, userID domain.ParticipantID) (*RecoveryController, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.controllers[actorKey{stream: streamID, user: userID}]
	return c, ok
}

func (r *RecoveryRegistry) HandleStreamingError(ctx context.Context, err error, streamID domain.StreamID, userID domain.ParticipantID, isHost bool) bool {
	c := r.For(streamID, userID)
	if c == nil {
		return false
	}
	return c.HandleStreamingError(ctx, err, streamID, userID, isHost)
}

// State returns the participant's recovery state, or the initial state when
// nothing was ever reported for them.
func (r *RecoveryRegistry) State(streamID domain.StreamID, userID domain.ParticipantID) domain.RecoveryState {
	if c, ok := r.lookup(streamID, userID); ok {
		return c.State()
	}
	return domain.InitialRecoveryState()
}

func (r *RecoveryRegistry) ResetRecovery(streamID domain.StreamID, userID domain.ParticipantID) {
	if c, ok := r.lookup(streamID, userID); ok {
		c.ResetRecovery()
	}
}

// Release closes every controller of streamID.
func (r *RecoveryRegistry) Release(streamID domain.StreamID) {
	r.mu.Lock()
	var released []*RecoveryController
	for key, c := range r.controllers {
		if key.stream == streamID {
			released = append(released, c)
			delete(r.controllers, key)
		}
	}
	r.mu.Unlock()

	for _, c := range released {
		c.Close()
	}
	if len(released) > 0 {
		r.logger.Debugw("released recovery controllers", "stream_id", streamID, "count", len(released))
	}
}

// prune releases streams that are no longer active.
func (r *RecoveryRegistry) prune(active []*domain.StreamSession) {
	live := make(map[domain.StreamID]bool, len(active))
	for _, s := range active {
		live[s.ID] = true
	}

	r.mu.Lock()
	ended := make(map[domain.StreamID]bool)
	for key := range r.controllers {
		if !live[key.stream] {
			ended[key.stream] = true
		}
	}
	r.mu.Unlock()

	for streamID := range ended {
		r.Release(streamID)
	}
}

// Len reports how many controllers are live.
func (r *RecoveryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.controllers)
}

// Close stops watching the store and closes every controller.
func (r *RecoveryRegistry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	all := r.controllers
	r.controllers = make(map[actorKey]*RecoveryController)
	r.mu.Unlock()

	r.unsubscribe()
	for _, c := range all {
		c.Close()
	}
}

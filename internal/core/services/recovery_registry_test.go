package services

import (
	"context"
	"errors"
	"testing"

	"livecast/internal/core/domain"
	"livecast/internal/infrastructure/repositories/memory"
	"livecast/pkg/circuitbreaker"
	"livecast/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type registryFixture struct {
	registry  *RecoveryRegistry
	store     *memory.SessionStore
	media     *fakeMedia
	scheduler *manualScheduler
	s1, s2    domain.StreamID
}

func newRegistryFixture(t *testing.T) *registryFixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewSessionStore()
	s1, err := store.CreateStream(ctx, &domain.StreamSession{
		ID:           "s1",
		HostID:       "h1",
		IsActive:     true,
		Participants: []domain.Participant{{ID: "h1", IsHost: true, JoinOrder: 1}, {ID: "u1", JoinOrder: 2}},
	})
	require.NoError(t, err)
	s2, err := store.CreateStream(ctx, &domain.StreamSession{
		ID:           "s2",
		HostID:       "h2",
		IsActive:     true,
		Participants: []domain.Participant{{ID: "h2", IsHost: true, JoinOrder: 1}},
	})
	require.NoError(t, err)

	f := &registryFixture{
		store:     store,
		media:     newFakeMedia(),
		scheduler: &manualScheduler{},
		s1:        s1.ID,
		s2:        s2.ID,
	}
	breakers := circuitbreaker.NewRegistry(map[string]circuitbreaker.Config{
		circuitbreaker.ClassStreamingRecovery: lenientBreaker,
	}, circuitbreaker.DefaultConfig())
	f.registry = NewRecoveryRegistry(store, f.media, breakers, testRecoveryConfig(), logger.NewNop(), WithScheduler(f.scheduler))
	t.Cleanup(f.registry.Close)
	return f
}

func TestRecoveryRegistry_ActorsRecoverIndependently(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	f.media.failNextJoins(errors.New("join timed out"))

	assert.False(t, f.registry.HandleStreamingError(ctx, errDropped, f.s1, "u1", false))
	require.Equal(t, 1, f.scheduler.pendingCount(), "u1 waits for its retry")

	assert.True(t, f.registry.HandleStreamingError(ctx, errDropped, f.s2, "h2", true),
		"another participant's error is handled while u1 is pending")

	host, ok := f.media.of(f.s2, "h2")
	require.True(t, ok)
	require.Len(t, host.joins, 1)
	assert.Equal(t, string(f.s2), host.joins[0].channel)
	assert.True(t, host.joins[0].isHost)

	viewer, ok := f.media.of(f.s1, "u1")
	require.True(t, ok)
	assert.Equal(t, 1, viewer.joinCount())

	pending := f.registry.State(f.s1, "u1")
	assert.True(t, pending.IsRecovering)
	assert.Equal(t, 1, pending.RecoveryAttempts)

	recovered := f.registry.State(f.s2, "h2")
	assert.Equal(t, domain.ConnectionConnected, recovered.ConnectionState)
	assert.False(t, recovered.IsRecovering)
	assert.Equal(t, 2, f.registry.Len())
}

func TestRecoveryRegistry_StateAndResetAreScoped(t *testing.T) {
	f := newRegistryFixture(t)
	f.media.failNextJoins(errors.New("join timed out"))

	f.registry.HandleStreamingError(context.Background(), errDropped, f.s1, "u1", false)

	assert.Equal(t, domain.InitialRecoveryState(), f.registry.State(f.s1, "h1"))
	assert.Equal(t, 1, f.registry.Len(), "reading state creates nothing")

	f.registry.ResetRecovery(f.s1, "h1")
	assert.True(t, f.registry.State(f.s1, "u1").IsRecovering)

	f.registry.ResetRecovery(f.s1, "u1")
	assert.Equal(t, domain.InitialRecoveryState(), f.registry.State(f.s1, "u1"))
	assert.True(t, f.scheduler.pending[0].stopped)
}

func TestRecoveryRegistry_EndedStreamReleasesControllers(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	f.media.failNextJoins(errors.New("join timed out"))

	f.registry.HandleStreamingError(ctx, errDropped, f.s1, "u1", false)
	f.registry.HandleStreamingError(ctx, errDropped, f.s2, "h2", true)
	require.Equal(t, 2, f.registry.Len())

	require.NoError(t, f.store.UpdateStatus(ctx, f.s1, false))

	assert.Equal(t, 1, f.registry.Len())
	assert.True(t, f.scheduler.pending[0].stopped, "the ended stream's retry is cancelled")
	assert.Equal(t, domain.InitialRecoveryState(), f.registry.State(f.s1, "u1"))
	assert.Equal(t, domain.ConnectionConnected, f.registry.State(f.s2, "h2").ConnectionState)
}

func TestRecoveryRegistry_ClosedIgnoresErrors(t *testing.T) {
	f := newRegistryFixture(t)

	f.registry.Close()

	assert.False(t, f.registry.HandleStreamingError(context.Background(), errDropped, f.s2, "h2", true))
	assert.Zero(t, f.registry.Len())
	assert.Zero(t, f.media.createdCount())
}

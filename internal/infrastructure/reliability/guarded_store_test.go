package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/circuitbreaker"
	apperrors "livecast/pkg/errors"
	"livecast/pkg/logger"
	"livecast/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) ValidateStreamAccess(ctx context.Context, streamID domain.StreamID, userID domain.ParticipantID) (domain.AccessResult, error) {
	args := m.Called(streamID, userID)
	return args.Get(0).(domain.AccessResult), args.Error(1)
}

func (m *mockStore) CreateStream(ctx context.Context, stream *domain.StreamSession) (*domain.StreamSession, error) {
	args := m.Called(stream)
	s, _ := args.Get(0).(*domain.StreamSession)
	return s, args.Error(1)
}

func (m *mockStore) GetStream(ctx context.Context, streamID domain.StreamID) (*domain.StreamSession, error) {
	args := m.Called(streamID)
	s, _ := args.Get(0).(*domain.StreamSession)
	return s, args.Error(1)
}

func (m *mockStore) UpdateParticipants(ctx context.Context, streamID domain.StreamID, participants []domain.Participant) error {
	return m.Called(streamID, participants).Error(0)
}

func (m *mockStore) UpdateViewerCount(ctx context.Context, streamID domain.StreamID, count int) error {
	return m.Called(streamID, count).Error(0)
}

func (m *mockStore) UpdateStatus(ctx context.Context, streamID domain.StreamID, active bool) error {
	return m.Called(streamID, active).Error(0)
}

func (m *mockStore) UpdateBans(ctx context.Context, streamID domain.StreamID, banned []domain.ParticipantID) error {
	return m.Called(streamID, banned).Error(0)
}

func (m *mockStore) ListActiveStreams(ctx context.Context) ([]*domain.StreamSession, error) {
	args := m.Called()
	s, _ := args.Get(0).([]*domain.StreamSession)
	return s, args.Error(1)
}

func (m *mockStore) OnActiveStreamsUpdate(cb func([]*domain.StreamSession)) ports.Unsubscribe {
	return func() {}
}

func (m *mockStore) OnStreamUpdate(streamID domain.StreamID, cb func(*domain.StreamSession)) ports.Unsubscribe {
	return func() {}
}

var errBackend = apperrors.WrapStoreError("update_viewer_count", "s1", errors.New("connection reset"))

func newGuarded(store ports.SessionStore, threshold int) *GuardedStore {
	breakers := circuitbreaker.NewRegistry(map[string]circuitbreaker.Config{
		circuitbreaker.ClassStreamAccess: {FailureThreshold: threshold, ResetTimeout: time.Minute},
	}, circuitbreaker.DefaultConfig())
	return NewGuardedStore(store, breakers, retry.Config{
		Enabled:      true,
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		Multiplier:   1,
	}, logger.NewNop())
}

func TestGuardedStore_WriteRetriesTransientFailures(t *testing.T) {
	store := &mockStore{}
	store.On("UpdateViewerCount", domain.StreamID("s1"), 2).Return(errBackend).Twice()
	store.On("UpdateViewerCount", domain.StreamID("s1"), 2).Return(nil).Once()

	guarded := newGuarded(store, 10)

	require.NoError(t, guarded.UpdateViewerCount(context.Background(), "s1", 2))
	store.AssertNumberOfCalls(t, "UpdateViewerCount", 3)
}

func TestGuardedStore_WriteExhaustionReturnsLastError(t *testing.T) {
	store := &mockStore{}
	store.On("UpdateStatus", domain.StreamID("s1"), false).Return(errBackend)

	guarded := newGuarded(store, 10)

	err := guarded.UpdateStatus(context.Background(), "s1", false)

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTransient))
	assert.False(t, apperrors.IsFatal(err), "store exhaustion stays recoverable")
	store.AssertNumberOfCalls(t, "UpdateStatus", 3)
}

func TestGuardedStore_NotFoundIsNotRetriedOrCounted(t *testing.T) {
	store := &mockStore{}
	notFound := apperrors.WrapStoreError("update_participants", "gone", domain.NewStreamNotFoundError("gone"))
	store.On("UpdateParticipants", domain.StreamID("gone"), mock.Anything).Return(notFound)

	guarded := newGuarded(store, 1)

	for i := 0; i < 3; i++ {
		err := guarded.UpdateParticipants(context.Background(), "gone", nil)
		assert.True(t, apperrors.IsNotFound(err))
	}
	store.AssertNumberOfCalls(t, "UpdateParticipants", 3)
	assert.Equal(t, circuitbreaker.StateClosed, guarded.BreakerStats().State)
}

func TestGuardedStore_ReadsOpenBreakerAndFailFast(t *testing.T) {
	store := &mockStore{}
	store.On("GetStream", domain.StreamID("s1")).Return(nil, errBackend)

	guarded := newGuarded(store, 2)

	for i := 0; i < 2; i++ {
		_, err := guarded.GetStream(context.Background(), "s1")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTransient))
	}

	_, err := guarded.GetStream(context.Background(), "s1")

	assert.True(t, apperrors.IsCircuitOpen(err))
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	store.AssertNumberOfCalls(t, "GetStream", 2)
}

func TestGuardedStore_CircuitOpenWritesAreNotRetried(t *testing.T) {
	store := &mockStore{}
	store.On("GetStream", domain.StreamID("s1")).Return(nil, errBackend)

	guarded := newGuarded(store, 1)
	_, _ = guarded.GetStream(context.Background(), "s1")

	err := guarded.UpdateBans(context.Background(), "s1", []domain.ParticipantID{"x"})

	assert.True(t, apperrors.IsCircuitOpen(err))
	store.AssertNotCalled(t, "UpdateBans", mock.Anything, mock.Anything)
}

func TestGuardedStore_ValidateStreamAccessPassesResult(t *testing.T) {
	store := &mockStore{}
	stream := &domain.StreamSession{ID: "s1", IsActive: true}
	store.On("ValidateStreamAccess", domain.StreamID("s1"), domain.ParticipantID("u1")).
		Return(domain.EvaluateAccess(stream, "u1"), nil)
	store.On("ListActiveStreams").Return([]*domain.StreamSession{stream}, nil)

	guarded := newGuarded(store, 1)

	result, err := guarded.ValidateStreamAccess(context.Background(), "s1", "u1")
	require.NoError(t, err)
	assert.True(t, result.Accessible)

	active, err := guarded.ListActiveStreams(context.Background())
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestGuardedStore_CreateStreamDuplicateIsAnswer(t *testing.T) {
	store := &mockStore{}
	dup := apperrors.WrapStoreError("create_stream", "s1", apperrors.NewInvalidInputError("stream already exists"))
	store.On("CreateStream", mock.Anything).Return(nil, dup)

	guarded := newGuarded(store, 1)

	_, err := guarded.CreateStream(context.Background(), &domain.StreamSession{ID: "s1"})

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
	store.AssertNumberOfCalls(t, "CreateStream", 1)
	assert.Equal(t, circuitbreaker.StateClosed, guarded.BreakerStats().State)
}

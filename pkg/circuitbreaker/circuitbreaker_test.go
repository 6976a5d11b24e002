package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "livecast/pkg/errors"
)

var errTestError = errors.New("test error")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func tripped(t *testing.T, cb *CircuitBreaker, failures int) {
	t.Helper()
	for i := 0; i < failures; i++ {
		_ = cb.Execute(context.Background(), func() error {
			return errTestError
		})
	}
}

func TestCircuitBreaker_ClosedState_Success(t *testing.T) {
	cb := New(DefaultConfig())

	err := cb.Execute(context.Background(), func() error {
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected state Closed, got: %v", cb.GetState())
	}
}

func TestCircuitBreaker_ClosedState_FailurePassesThrough(t *testing.T) {
	cb := New(DefaultConfig())

	err := cb.Execute(context.Background(), func() error {
		return errTestError
	})

	if !errors.Is(err, errTestError) {
		t.Errorf("Expected wrapped operation error, got: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected state Closed, got: %v", cb.GetState())
	}
	if stats := cb.GetStats(); stats.FailureCount != 1 {
		t.Errorf("Expected failure count 1, got: %d", stats.FailureCount)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{FailureThreshold: 3, ResetTimeout: time.Second})

	tripped(t, cb, 2)
	_ = cb.Execute(context.Background(), func() error { return nil })
	tripped(t, cb, 2)

	if cb.GetState() != StateClosed {
		t.Errorf("non-consecutive failures must not trip the breaker, got %v", cb.GetState())
	}
}

func TestCircuitBreaker_TripsAtThresholdAndFailsFast(t *testing.T) {
	clock := newFakeClock()
	cb := New(Config{FailureThreshold: 3, ResetTimeout: 10 * time.Second}, WithClock(clock.Now), WithName("channel_join"))

	tripped(t, cb, 3)
	if cb.GetState() != StateOpen {
		t.Fatalf("Expected state Open, got: %v", cb.GetState())
	}

	var calls int32
	err := cb.Execute(context.Background(), func() error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got: %v", err)
	}
	if !apperrors.IsCircuitOpen(err) {
		t.Errorf("Expected CIRCUIT_OPEN code, got: %v", apperrors.CodeOf(err))
	}
	if calls != 0 {
		t.Errorf("wrapped operation must not run while open, ran %d times", calls)
	}

	clock.Advance(9 * time.Second)
	if cb.RemainingCooldown() != time.Second {
		t.Errorf("RemainingCooldown() = %v, want 1s", cb.RemainingCooldown())
	}
	if err := cb.Execute(context.Background(), func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("call before cooldown should fail fast, got: %v", err)
	}
}

func TestCircuitBreaker_HalfOpenTrialSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	cb := New(Config{FailureThreshold: 3, ResetTimeout: 10 * time.Second}, WithClock(clock.Now))

	tripped(t, cb, 3)
	clock.Advance(10 * time.Second)

	err := cb.Execute(context.Background(), func() error {
		if cb.GetState() != StateHalfOpen {
			t.Errorf("trial should run in half-open, got %v", cb.GetState())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected trial to pass, got: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected state Closed after trial success, got: %v", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := New(Config{FailureThreshold: 3, ResetTimeout: 10 * time.Second}, WithClock(clock.Now))

	tripped(t, cb, 3)
	clock.Advance(11 * time.Second)

	_ = cb.Execute(context.Background(), func() error { return errTestError })

	if cb.GetState() != StateOpen {
		t.Fatalf("Expected state Open after trial failure, got: %v", cb.GetState())
	}
	if cb.RemainingCooldown() != 10*time.Second {
		t.Errorf("reopening should restart the cooldown, remaining %v", cb.RemainingCooldown())
	}
}

func TestCircuitBreaker_SingleTrialUnderConcurrency(t *testing.T) {
	clock := newFakeClock()
	cb := New(Config{FailureThreshold: 1, ResetTimeout: time.Second}, WithClock(clock.Now))

	tripped(t, cb, 1)
	clock.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	var trialCalls int32

	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(context.Background(), func() error {
			atomic.AddInt32(&trialCalls, 1)
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var rejected int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := cb.Execute(context.Background(), func() error {
				atomic.AddInt32(&trialCalls, 1)
				return nil
			})
			if errors.Is(err, ErrCircuitOpen) {
				atomic.AddInt32(&rejected, 1)
			}
		}()
	}
	wg.Wait()
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("trial failed: %v", err)
	}
	if trialCalls != 1 {
		t.Errorf("exactly one trial call expected, got %d", trialCalls)
	}
	if rejected != 10 {
		t.Errorf("concurrent callers during the trial should fail fast, rejected %d", rejected)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected state Closed, got: %v", cb.GetState())
	}
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	cb := New(Config{FailureThreshold: 1, ResetTimeout: time.Minute})

	changes := make(chan [2]State, 4)
	cb.OnStateChange(func(from, to State) {
		changes <- [2]State{from, to}
	})

	tripped(t, cb, 1)

	select {
	case change := <-changes:
		if change[0] != StateClosed || change[1] != StateOpen {
			t.Errorf("unexpected transition %v -> %v", change[0], change[1])
		}
	case <-time.After(time.Second):
		t.Fatal("state change callback was not invoked")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := New(Config{FailureThreshold: 1, ResetTimeout: time.Hour})
	tripped(t, cb, 1)

	cb.Reset()

	if cb.GetState() != StateClosed {
		t.Errorf("Expected state Closed after reset, got: %v", cb.GetState())
	}
	if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Errorf("Expected calls to pass after reset, got: %v", err)
	}
}

func TestExecuteWithResult(t *testing.T) {
	cb := New(DefaultConfig())

	got, err := ExecuteWithResult(context.Background(), cb, func() (int, error) {
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Errorf("ExecuteWithResult() = %d, %v; want 42, nil", got, err)
	}
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(99):     "unknown",
	} {
		if state.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", state, state.String(), want)
		}
	}
}

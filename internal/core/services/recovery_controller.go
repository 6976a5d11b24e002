package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/circuitbreaker"
	"livecast/pkg/config"
	apperrors "livecast/pkg/errors"
	"livecast/pkg/retry"
	"livecast/pkg/tracing"

	"go.uber.org/zap"
)

type RecoveryConfig struct {
	MaxRecoveryAttempts       int
	RecoveryDelay             time.Duration
	BackoffMultiplier         float64
	EnableAutoRecovery        bool
	FallbackToPersistenceOnly bool
	JoinTimeout               time.Duration
	TeardownWait              time.Duration
}

func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		MaxRecoveryAttempts:       3,
		RecoveryDelay:             2 * time.Second,
		BackoffMultiplier:         1.5,
		EnableAutoRecovery:        true,
		FallbackToPersistenceOnly: true,
		JoinTimeout:               15 * time.Second,
		TeardownWait:              500 * time.Millisecond,
	}
}

func RecoveryConfigFrom(cfg *config.Config) RecoveryConfig {
	r := cfg.Recovery
	return RecoveryConfig{
		MaxRecoveryAttempts:       r.MaxRecoveryAttempts,
		RecoveryDelay:             r.RecoveryDelay,
		BackoffMultiplier:         r.BackoffMultiplier,
		EnableAutoRecovery:        r.EnableAutoRecovery,
		FallbackToPersistenceOnly: r.FallbackToPersistenceOnly,
		JoinTimeout:               r.JoinTimeout,
		TeardownWait:              r.TeardownWait,
	}
}

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler runs fn once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// RecoveryOption customizes a RecoveryController.
type RecoveryOption func(*RecoveryController)

// WithScheduler replaces the timer used for backoff retries.
func WithScheduler(s Scheduler) RecoveryOption {
	return func(c *RecoveryController) { c.scheduler = s }
}

// WithRecoveryMetrics records attempts and outcomes.
func WithRecoveryMetrics(m ports.MetricsRecorder) RecoveryOption {
	return func(c *RecoveryController) { c.metrics = m }
}

// WithTokenProvider supplies the credential used when rejoining.
func WithTokenProvider(t ports.TokenProvider) RecoveryOption {
	return func(c *RecoveryController) { c.tokens = t }
}

var errRecoveryCancelled = errors.New("recovery cancelled")

type recoveryRequest struct {
	cause    error
	streamID domain.StreamID
	userID   domain.ParticipantID
	isHost   bool
}

// RecoveryController restores a streaming connection after recoverable
// failures by escalating through reconnect, reinitialize and fallback.
// At most one recovery runs at a time.
type RecoveryController struct {
	store     ports.SessionStore
	rtc       ports.RTCAdapter
	tokens    ports.TokenProvider
	breaker   *circuitbreaker.CircuitBreaker
	metrics   ports.MetricsRecorder
	scheduler Scheduler
	cfg       RecoveryConfig
	logger    *zap.SugaredLogger

	mu        sync.Mutex
	state     domain.RecoveryState
	busy      bool
	epoch     uint64
	pending   Timer
	closed    bool
	listeners map[uint64]func(domain.RecoveryState)
	nextID    uint64
}

func NewRecoveryController(
	store ports.SessionStore,
	rtc ports.RTCAdapter,
	breakers *circuitbreaker.Registry,
	cfg RecoveryConfig,
	logger *zap.SugaredLogger,
	opts ...RecoveryOption,
) *RecoveryController {
	if cfg.MaxRecoveryAttempts <= 0 {
		cfg.MaxRecoveryAttempts = 3
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 15 * time.Second
	}
	c := &RecoveryController{
		store:     store,
		rtc:       rtc,
		breaker:   breakers.Get(circuitbreaker.ClassStreamingRecovery),
		metrics:   nopMetrics{},
		scheduler: realScheduler{},
		cfg:       cfg,
		logger:    logger,
		state:     domain.InitialRecoveryState(),
		listeners: make(map[uint64]func(domain.RecoveryState)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ ports.RecoveryService = (*RecoveryController)(nil)

// HandleStreamingError classifies err and, when it is recoverable, runs the
// next recovery strategy. It reports whether the connection was restored by
// this call.
func (c *RecoveryController) HandleStreamingError(ctx context.Context, err error, streamID domain.StreamID, userID domain.ParticipantID, isHost bool) bool {
	if err == nil {
		return false
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}

	if apperrors.IsFatal(err) {
		// A fatal error supersedes any scheduled retry.
		c.cancelPendingLocked()
		c.state.IsRecovering = false
		c.state.ConnectionState = domain.ConnectionFailed
		c.state.LastError = err.Error()
		c.state.Exhausted = false
		snap := c.state
		c.mu.Unlock()

		c.logger.Warnw("streaming error is not recoverable",
			"stream_id", streamID,
			"user_id", userID,
			"error", err,
		)
		c.notify(snap)
		return false
	}

	if c.busy {
		c.mu.Unlock()
		c.logger.Debugw("recovery already in progress, dropping trigger", "stream_id", streamID, "error", err)
		return false
	}

	if c.state.RecoveryAttempts >= c.cfg.MaxRecoveryAttempts {
		c.giveUpLocked(err)
		snap := c.state
		c.mu.Unlock()
		c.notify(snap)
		return false
	}

	c.busy = true
	epoch := c.epoch
	c.mu.Unlock()

	return c.attempt(ctx, epoch, recoveryRequest{cause: err, streamID: streamID, userID: userID, isHost: isHost})
}

// attempt runs one strategy. The caller must have set busy.
func (c *RecoveryController) attempt(ctx context.Context, epoch uint64, req recoveryRequest) bool {
	var (
		strategy domain.RecoveryStrategy
		number   int
	)

	err := c.breaker.Execute(ctx, func() error {
		c.mu.Lock()
		if c.epoch != epoch {
			c.mu.Unlock()
			return errRecoveryCancelled
		}
		c.state.RecoveryAttempts++
		number = c.state.RecoveryAttempts
		strategy = c.strategyFor(number)
		c.state.IsRecovering = true
		c.state.ConnectionState = domain.ConnectionConnecting
		c.state.RecoveryStrategy = strategy
		c.state.LastError = req.cause.Error()
		snap := c.state
		c.mu.Unlock()
		c.notify(snap)

		c.logger.Infow("starting recovery attempt",
			"stream_id", req.streamID,
			"user_id", req.userID,
			"strategy", strategy,
			"attempt", number,
			"cause", req.cause,
		)

		sctx, _ := tracing.TraceRecoveryAttempt(ctx, string(strategy), number, string(req.streamID))
		err := c.runStrategy(sctx, strategy, req)
		tracing.End(sctx, err)
		return err
	})

	if errors.Is(err, errRecoveryCancelled) {
		return false
	}

	c.mu.Lock()
	if c.epoch != epoch {
		// Reset while the attempt was running; its outcome no longer applies.
		c.mu.Unlock()
		return false
	}

	if err == nil {
		// Attempts are kept: the budget spans the whole session.
		c.state.IsRecovering = false
		c.state.ConnectionState = domain.ConnectionConnected
		c.state.RecoveryStrategy = domain.StrategyNone
		c.state.LastError = ""
		c.state.Exhausted = false
		c.busy = false
		snap := c.state
		c.mu.Unlock()

		c.metrics.RecordRecoveryAttempt(strategy, "success")
		c.logger.Infow("recovery succeeded", "stream_id", req.streamID, "strategy", strategy, "attempt", number)
		c.notify(snap)
		return true
	}

	if apperrors.IsCircuitOpen(err) && strategy == "" {
		// Rejected before the attempt started: the budget is untouched.
		c.metrics.RecordRecoveryAttempt(domain.StrategyNone, "circuit_open")
		c.logger.Warnw("recovery circuit open, deferring attempt", "stream_id", req.streamID, "error", err)
		if c.cfg.EnableAutoRecovery {
			c.scheduleLocked(epoch, req)
			c.mu.Unlock()
			return false
		}
		c.giveUpLocked(err)
		snap := c.state
		c.mu.Unlock()
		c.notify(snap)
		return false
	}

	c.metrics.RecordRecoveryAttempt(strategy, "failure")
	c.state.LastError = err.Error()
	c.logger.Warnw("recovery attempt failed",
		"stream_id", req.streamID,
		"strategy", strategy,
		"attempt", number,
		"error", err,
	)

	switch {
	case apperrors.IsFatal(err):
		c.state.IsRecovering = false
		c.state.ConnectionState = domain.ConnectionFailed
		c.state.Exhausted = false
		c.busy = false
	case c.cfg.EnableAutoRecovery && c.state.RecoveryAttempts < c.cfg.MaxRecoveryAttempts:
		req.cause = err
		c.scheduleLocked(epoch, req)
	default:
		c.giveUpLocked(err)
	}
	snap := c.state
	c.mu.Unlock()
	c.notify(snap)
	return false
}

// scheduleLocked arranges the next attempt after the backoff delay. The
// controller stays busy until it fires.
func (c *RecoveryController) scheduleLocked(epoch uint64, req recoveryRequest) {
	delay := retry.Backoff(c.cfg.RecoveryDelay, c.cfg.BackoffMultiplier, c.state.RecoveryAttempts, 0)
	c.logger.Infow("scheduling recovery retry",
		"stream_id", req.streamID,
		"attempt", c.state.RecoveryAttempts+1,
		"delay", delay,
	)
	c.pending = c.scheduler.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.epoch != epoch || c.closed {
			c.mu.Unlock()
			return
		}
		c.pending = nil
		c.mu.Unlock()

		c.attempt(context.Background(), epoch, req)
	})
}

func (c *RecoveryController) giveUpLocked(err error) {
	c.state.IsRecovering = false
	c.state.ConnectionState = domain.ConnectionFailed
	c.state.LastError = err.Error()
	c.state.Exhausted = c.state.RecoveryAttempts >= c.cfg.MaxRecoveryAttempts
	c.busy = false
	c.logger.Errorw("recovery gave up",
		"attempts", c.state.RecoveryAttempts,
		"exhausted", c.state.Exhausted,
		"error", err,
	)
}

func (c *RecoveryController) strategyFor(attempt int) domain.RecoveryStrategy {
	switch {
	case attempt <= 1:
		return domain.StrategyReconnect
	case attempt == 2:
		return domain.StrategyReinitialize
	case c.cfg.FallbackToPersistenceOnly:
		return domain.StrategyFallback
	default:
		return domain.StrategyReinitialize
	}
}

func (c *RecoveryController) runStrategy(ctx context.Context, strategy domain.RecoveryStrategy, req recoveryRequest) error {
	if err := c.validate(ctx, req); err != nil {
		return err
	}

	switch strategy {
	case domain.StrategyReconnect:
		before := c.rtc.StreamState()
		if before.IsJoined {
			if err := c.rtc.LeaveChannel(ctx); err != nil {
				c.logger.Warnw("leave before reconnect failed", "stream_id", req.streamID, "error", err)
			}
			if err := wait(ctx, c.cfg.TeardownWait); err != nil {
				return err
			}
		}
		if before.ConnectionState != domain.ConnectionConnected {
			if err := c.rtc.Initialize(ctx); err != nil {
				return err
			}
		}
		return c.rejoin(ctx, req)

	case domain.StrategyReinitialize:
		c.rtc.Destroy(ctx)
		if err := c.rtc.Initialize(ctx); err != nil {
			return err
		}
		return c.rejoin(ctx, req)

	case domain.StrategyFallback:
		c.rtc.Destroy(ctx)
		c.logger.Warnw("continuing without real-time media", "stream_id", req.streamID, "user_id", req.userID)
		return nil
	}
	return nil
}

func (c *RecoveryController) validate(ctx context.Context, req recoveryRequest) error {
	access, err := c.store.ValidateStreamAccess(ctx, req.streamID, req.userID)
	if err != nil {
		return err
	}
	return access.Err(req.streamID)
}

func (c *RecoveryController) rejoin(ctx context.Context, req recoveryRequest) error {
	role := domain.RoleAudience
	if req.isHost {
		role = domain.RoleHost
	}
	var token string
	if c.tokens != nil {
		t, err := c.tokens.RTCToken(ctx, string(req.streamID), req.userID, role)
		if err != nil {
			return err
		}
		token = t
	}

	joinCtx, cancel := context.WithTimeout(ctx, c.cfg.JoinTimeout)
	defer cancel()
	return c.rtc.JoinChannel(joinCtx, string(req.streamID), req.userID, req.isHost, token)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ResetRecovery cancels any pending retry and restores the initial state.
func (c *RecoveryController) ResetRecovery() {
	c.mu.Lock()
	c.resetLocked()
	snap := c.state
	c.mu.Unlock()
	c.notify(snap)
}

// Close cancels pending work. Later triggers are ignored.
func (c *RecoveryController) Close() {
	c.mu.Lock()
	c.resetLocked()
	c.closed = true
	c.listeners = make(map[uint64]func(domain.RecoveryState))
	c.mu.Unlock()
}

func (c *RecoveryController) resetLocked() {
	c.cancelPendingLocked()
	c.state = domain.InitialRecoveryState()
}

// cancelPendingLocked invalidates the running attempt and any scheduled retry.
func (c *RecoveryController) cancelPendingLocked() {
	c.epoch++
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	c.busy = false
}

func (c *RecoveryController) State() domain.RecoveryState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *RecoveryController) OnStateChange(cb func(domain.RecoveryState)) ports.Unsubscribe {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = cb
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

func (c *RecoveryController) notify(state domain.RecoveryState) {
	c.mu.Lock()
	cbs := make([]func(domain.RecoveryState), 0, len(c.listeners))
	for _, cb := range c.listeners {
		cbs = append(cbs, cb)
	}
	c.mu.Unlock()

	for _, cb := range cbs {
		cb(state)
	}
}

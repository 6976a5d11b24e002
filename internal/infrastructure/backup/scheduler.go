package backup

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"livecast/internal/core/ports"
	"livecast/pkg/backup"

	"go.uber.org/zap"
)

// Config contains scheduler configuration
type Config struct {
	Interval time.Duration
	Keep     int
	Backend  string
}

// Scheduler periodically archives the active streams and rotates old
// snapshots.
type Scheduler struct {
	snapshots *backup.Service
	store     ports.SessionStore
	config    Config
	logger    *zap.SugaredLogger

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

func NewScheduler(snapshots *backup.Service, store ports.SessionStore, cfg Config, logger *zap.SugaredLogger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Keep < 1 {
		cfg.Keep = 1
	}
	return &Scheduler{
		snapshots: snapshots,
		store:     store,
		config:    cfg,
		logger:    logger,
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the scheduler until ctx is cancelled or Stop is called. A
// final snapshot is taken on the way out.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.run(ctx)
		case <-s.stopChan:
			s.run(context.WithoutCancel(ctx))
			return
		case <-ctx.Done():
			s.run(context.WithoutCancel(ctx))
			return
		}
	}
}

// Stop ends the loop and waits for the final snapshot.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	<-s.done
}

func (s *Scheduler) run(ctx context.Context) {
	name, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Errorw("scheduled snapshot failed", "error", err)
		return
	}
	s.logger.Debugw("snapshot created", "name", name)
}

// RunOnce archives the current active streams and prunes old snapshots.
func (s *Scheduler) RunOnce(ctx context.Context) (string, error) {
	streams, err := s.store.ListActiveStreams(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list active streams: %w", err)
	}

	participants := 0
	for _, stream := range streams {
		participants += len(stream.Participants)
	}
	name, err := s.snapshots.Create(ctx, streams, len(streams), map[string]string{
		"backend":      s.config.Backend,
		"participants": strconv.Itoa(participants),
	})
	if err != nil {
		return "", err
	}

	removed, err := s.snapshots.Prune(ctx, s.config.Keep)
	if err != nil {
		s.logger.Warnw("failed to prune old snapshots", "error", err)
	}
	if removed > 0 {
		s.logger.Debugw("pruned old snapshots", "removed", removed)
	}
	return name, nil
}

package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"livecast/internal/core/domain"
	"livecast/pkg/backup"

	"go.uber.org/zap"
)

// StreamRestorer accepts sessions loaded from a snapshot.
type StreamRestorer interface {
	Restore(ctx context.Context, streams []*domain.StreamSession) (int, error)
}

// RestoreOptions contains restore options
type RestoreOptions struct {
	// MaxAge skips snapshots older than this. Zero accepts any age.
	MaxAge time.Duration
	Now    func() time.Time
}

// RestoreLatest loads the newest snapshot into target and returns how many
// streams were restored. A missing or expired snapshot restores nothing.
func RestoreLatest(ctx context.Context, snapshots *backup.Service, target StreamRestorer, opts RestoreOptions, logger *zap.SugaredLogger) (int, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	snapshot, err := snapshots.Latest(ctx)
	if errors.Is(err, backup.ErrNoSnapshot) {
		logger.Info("no snapshot to restore")
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	age := opts.Now().Sub(snapshot.Timestamp)
	if opts.MaxAge > 0 && age > opts.MaxAge {
		logger.Infow("latest snapshot too old, skipping restore", "timestamp", snapshot.Timestamp, "age", age)
		return 0, nil
	}

	var streams []*domain.StreamSession
	if err := snapshot.Decode(&streams); err != nil {
		return 0, err
	}

	active := streams[:0]
	for _, stream := range streams {
		if stream != nil && stream.IsActive {
			active = append(active, stream)
		}
	}

	restored, err := target.Restore(ctx, active)
	if err != nil {
		return restored, fmt.Errorf("failed to restore streams: %w", err)
	}
	logger.Infow("restored streams from snapshot",
		"timestamp", snapshot.Timestamp,
		"restored", restored,
		"in_snapshot", len(streams),
	)
	return restored, nil
}

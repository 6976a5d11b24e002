package postgres

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type migration struct {
	version     int
	description string
	sql         string
}

var migrations = []migration{
	{
		version:     1,
		description: "Create stream_sessions table",
		sql: `
create table if not exists stream_sessions (
	id           text primary key,
	title        text not null,
	host_id      text not null,
	participants jsonb not null default '[]'::jsonb,
	banned_ids   jsonb not null default '[]'::jsonb,
	started_at   timestamptz not null,
	updated_at   timestamptz not null,
	is_active    boolean not null default true,
	viewer_count integer not null default 0
)`,
	},
	{
		version:     2,
		description: "Index active streams by start time",
		sql: `
create index if not exists stream_sessions_active_idx
	on stream_sessions (started_at desc)
	where is_active`,
	},
}

// Migrate brings the schema up to the latest version.
func Migrate(ctx context.Context, db DB, logger *zap.SugaredLogger) error {
	if _, err := db.Exec(ctx, `
create table if not exists livecast_schema_version (
	version integer primary key,
	applied_at timestamptz not null default now()
)`); err != nil {
		return fmt.Errorf("create schema version table: %w", err)
	}

	var current int
	if err := db.QueryRow(ctx, `select coalesce(max(version), 0) from livecast_schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		logger.Infow("Running migration",
			"version", m.version,
			"description", m.description,
		)
		if _, err := db.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
		if _, err := db.Exec(ctx, `insert into livecast_schema_version (version) values ($1)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

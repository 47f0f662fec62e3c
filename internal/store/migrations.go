package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
)

// migration is one entry in the on-disk migration registry (spec.md
// §4.2 "Schema migration"). name doubles as the sort key, so names are
// zero-padded (0001_..., 0002_...) the way sequential SQL migrations
// conventionally are.
type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{
		name: "0001_create_event_tables",
		sql: `
CREATE TABLE IF NOT EXISTS game_events (
	id BIGSERIAL PRIMARY KEY,
	gid TEXT NOT NULL,
	"user" TEXT,
	ts TIMESTAMPTZ NOT NULL,
	insertion_seq BIGINT NOT NULL,
	event_type TEXT NOT NULL,
	event_payload JSONB NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_game_events_gid_ts_seq ON game_events (gid, ts, insertion_seq);
CREATE INDEX IF NOT EXISTS idx_game_events_gid_ts ON game_events (gid, ts);

CREATE TABLE IF NOT EXISTS room_events (
	id BIGSERIAL PRIMARY KEY,
	rid TEXT NOT NULL,
	"user" TEXT,
	ts TIMESTAMPTZ NOT NULL,
	insertion_seq BIGINT NOT NULL,
	event_type TEXT NOT NULL,
	event_payload JSONB NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_room_events_rid_ts_seq ON room_events (rid, ts, insertion_seq);
CREATE INDEX IF NOT EXISTS idx_room_events_rid_ts ON room_events (rid, ts);
`,
	},
	{
		name: "0002_game_events_insertion_seq_sequence",
		sql: `
CREATE SEQUENCE IF NOT EXISTS game_events_insertion_seq;
CREATE SEQUENCE IF NOT EXISTS room_events_insertion_seq;
`,
	},
}

func checksum(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// applyMigrations runs every migration not yet recorded in
// schema_migrations, in lexicographic name order, each inside its own
// transaction (spec.md §4.2). A checksum mismatch against an
// already-applied migration is logged, not fatal — the registry only
// tracks drift, it doesn't enforce immutability of deployed SQL.
func applyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	name TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	checksum TEXT NOT NULL
);
`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[string]string)
	rows, err := db.QueryContext(ctx, `SELECT name, checksum FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var name, sum string
		if err := rows.Scan(&name, &sum); err != nil {
			rows.Close()
			return err
		}
		applied[name] = sum
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	sorted := append([]migration(nil), migrations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].name < sorted[j].name })

	for _, m := range sorted {
		sum := checksum(m.sql)

		if appliedSum, ok := applied[m.name]; ok {
			if appliedSum != sum {
				log.Printf("migration %s: checksum drift (applied=%s current=%s)", m.name, appliedSum, sum)
			}
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", m.name, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name, checksum) VALUES ($1, $2)`, m.name, sum); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.name, err)
		}
		log.Printf("applied migration %s", m.name)
	}

	return nil
}

// Package sqlite stores location records in an embedded SQLite database for
// sites without a PostgreSQL server
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agile-defense/minetrack/pkg/messages"
)

const schema = `
	CREATE TABLE IF NOT EXISTS location_records (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		tag_id      TEXT NOT NULL,
		x           DOUBLE NOT NULL,
		y           DOUBLE NOT NULL,
		z           DOUBLE NOT NULL,
		zone_id     TEXT,
		accuracy_m  DOUBLE,
		recorded_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_location_records_tag_time
		ON location_records (tag_id, recorded_at);
`

// DB is a location record store
type DB struct {
	*sql.DB
}

// Open opens or creates the database at path and applies the schema
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &DB{db}, nil
}

// InsertLocations appends records in one transaction
func (db *DB) InsertLocations(ctx context.Context, records []messages.LocationRecord) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO location_records (tag_id, x, y, z, zone_id, accuracy_m, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.TagID, r.X, r.Y, r.Z, r.ZoneID, r.AccuracyM,
			r.At.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("failed to insert location for %s: %w", r.TagID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit locations: %w", err)
	}
	return nil
}

// CountLocations returns the number of stored records for a tag, or for all
// tags when tagID is empty
func (db *DB) CountLocations(ctx context.Context, tagID string) (int64, error) {
	var n int64
	var err error
	if tagID == "" {
		err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM location_records`).Scan(&n)
	} else {
		err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM location_records WHERE tag_id = ?`, tagID).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count locations: %w", err)
	}
	return n, nil
}

// Health pings the database
func (db *DB) Health(ctx context.Context) error {
	return db.PingContext(ctx)
}

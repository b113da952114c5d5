// Package postgres provides PostgreSQL connection pooling and the location
// record store
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agile-defense/minetrack/pkg/messages"
)

// Pool wraps pgxpool.Pool with the location record queries
type Pool struct {
	*pgxpool.Pool
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string

	// Pool settings
	MaxConns    int32
	MinConns    int32
	MaxConnLife time.Duration
	MaxConnIdle time.Duration
	HealthCheck time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Host:        "localhost",
		Port:        5432,
		Database:    "minetrack",
		User:        "minetrack",
		Password:    "minetrack",
		SSLMode:     "disable",
		MaxConns:    10,
		MinConns:    1,
		MaxConnLife: time.Hour,
		MaxConnIdle: 30 * time.Minute,
		HealthCheck: time.Minute,
	}
}

// ConnectionString builds a PostgreSQL connection string
func (c Config) ConnectionString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// NewPool creates a new PostgreSQL connection pool
func NewPool(ctx context.Context, cfg Config) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLife
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdle
	poolCfg.HealthCheckPeriod = cfg.HealthCheck

	return connect(ctx, poolCfg)
}

// NewPoolFromURL creates a pool from a connection URL
func NewPoolFromURL(ctx context.Context, url string) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection URL: %w", err)
	}
	return connect(ctx, poolCfg)
}

func connect(ctx context.Context, poolCfg *pgxpool.Config) (*Pool, error) {
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

const schema = `
	CREATE TABLE IF NOT EXISTS location_records (
		id          BIGSERIAL PRIMARY KEY,
		tag_id      TEXT NOT NULL,
		x           DOUBLE PRECISION NOT NULL,
		y           DOUBLE PRECISION NOT NULL,
		z           DOUBLE PRECISION NOT NULL,
		zone_id     TEXT,
		accuracy_m  DOUBLE PRECISION,
		recorded_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_location_records_tag_time
		ON location_records (tag_id, recorded_at DESC);
`

// EnsureSchema creates the location table when it does not exist
func (p *Pool) EnsureSchema(ctx context.Context) error {
	if _, err := p.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create location schema: %w", err)
	}
	return nil
}

var locationColumns = []string{"tag_id", "x", "y", "z", "zone_id", "accuracy_m", "recorded_at"}

// locationRows adapts records to pgx.CopyFromSource
func locationRows(records []messages.LocationRecord) pgx.CopyFromSource {
	return pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
		r := records[i]
		var zone any
		if r.ZoneID != "" {
			zone = r.ZoneID
		}
		return []any{r.TagID, r.X, r.Y, r.Z, zone, r.AccuracyM, r.At.UTC()}, nil
	})
}

// InsertLocations appends records with a single COPY
func (p *Pool) InsertLocations(ctx context.Context, records []messages.LocationRecord) error {
	if len(records) == 0 {
		return nil
	}
	n, err := p.CopyFrom(ctx, pgx.Identifier{"location_records"}, locationColumns, locationRows(records))
	if err != nil {
		return fmt.Errorf("failed to insert locations: %w", err)
	}
	if int(n) != len(records) {
		return fmt.Errorf("inserted %d of %d locations", n, len(records))
	}
	return nil
}

// CountLocations returns the number of stored records for a tag, or for all
// tags when tagID is empty
func (p *Pool) CountLocations(ctx context.Context, tagID string) (int64, error) {
	var n int64
	var err error
	if tagID == "" {
		err = p.QueryRow(ctx, `SELECT COUNT(*) FROM location_records`).Scan(&n)
	} else {
		err = p.QueryRow(ctx, `SELECT COUNT(*) FROM location_records WHERE tag_id = $1`, tagID).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count locations: %w", err)
	}
	return n, nil
}

// Health checks database connectivity
func (p *Pool) Health(ctx context.Context) error {
	return p.Ping(ctx)
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// PoolConfig mirrors the teacher's internal/db.Config connection-pool
// settings.
type PoolConfig struct {
	DatabaseURL  string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// PostgresStore implements Store on top of database/sql + the pgx
// stdlib driver, carrying over the teacher's pool-saturation guard
// (warn/reject thresholds against sql.DB.Stats()) so the dispatch loop's
// mark-processing write degrades gracefully under connection pressure
// instead of queueing indefinitely.
type PostgresStore struct {
	db *sql.DB

	mu                  sync.Mutex
	poolWarnThreshold   float64
	poolRejectThreshold float64
}

// NewPostgresStore opens a connection pool against cfg.DatabaseURL and
// applies the given pool limits.
func NewPostgresStore(cfg PoolConfig) (*PostgresStore, error) {
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{
		db:                  db,
		poolWarnThreshold:   parseThresholdEnv("STORE_POOL_WARN_THRESHOLD", 0.80),
		poolRejectThreshold: parseThresholdEnv("STORE_POOL_REJECT_THRESHOLD", 0.90),
	}, nil
}

// NewPostgresStoreFromDB wraps an already-open *sql.DB, primarily for
// tests running against go-sqlmock.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:                  db,
		poolWarnThreshold:   0.80,
		poolRejectThreshold: 0.90,
	}
}

func parseThresholdEnv(key string, def float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 || v > 1 {
		return def
	}
	return v
}

// ensurePoolCapacity rejects new work before the pool is fully
// exhausted, warning at poolWarnThreshold and refusing at
// poolRejectThreshold, exactly the shape of the teacher's DbQueue.
func (s *PostgresStore) ensurePoolCapacity(op string) error {
	stats := s.db.Stats()
	if stats.MaxOpenConnections <= 0 {
		return nil
	}
	used := float64(stats.InUse) / float64(stats.MaxOpenConnections)
	if used >= s.poolRejectThreshold {
		log.Error().Str("op", op).Float64("pool_used", used).Msg("store pool saturated, rejecting")
		return ErrPoolSaturated
	}
	if used >= s.poolWarnThreshold {
		log.Warn().Str("op", op).Float64("pool_used", used).Msg("store pool nearing saturation")
	}
	return nil
}

// Execute runs fn inside a transaction, committing on success and
// rolling back on any error, the same wrapper shape as the teacher's
// DbQueue.Execute.
func (s *PostgresStore) Execute(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	if err := s.ensurePoolCapacity(op); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr(op, err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error().Err(rbErr).Str("op", op).Msg("rollback failed after error")
		}
		return wrapErr(op, err)
	}

	if err := tx.Commit(); err != nil {
		return wrapErr(op, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping reports whether the underlying connection pool can reach
// Postgres, used by the /healthz endpoint.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

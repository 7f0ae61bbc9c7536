// Package database persists every emitted decision to PostgreSQL. The
// engine never reads this back for its own decisions; it is an audit trail
// for operators and post-trade analysis.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"trading-decision-engine/config"
	"trading-decision-engine/internal/decision"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB creates a new database connection
func NewDB(cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logger.With().Str("component", "database").Logger()
	log.Info().Str("database", cfg.Database).Msg("Connected to PostgreSQL")

	return &DB{Pool: pool, logger: log}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("Running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS decisions (
			id UUID PRIMARY KEY,
			instrument VARCHAR(32) NOT NULL,
			action VARCHAR(16) NOT NULL,
			size DOUBLE PRECISION NOT NULL DEFAULT 0,
			stop_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			target_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			reason TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			model_version TEXT NOT NULL DEFAULT '',
			risk_violated BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_instrument ON decisions(instrument, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_created_at ON decisions(created_at DESC)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Msg("Database migrations completed")
	return nil
}

// AuditRecord is one persisted decision row
type AuditRecord struct {
	Decision     decision.Decision `json:"decision"`
	ModelVersion string            `json:"model_version"`
	RiskViolated bool              `json:"risk_violated"`
}

// AuditRepository writes and reads the decision audit trail
type AuditRepository struct {
	db *DB
}

// NewAuditRepository creates an audit repository
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Insert persists one emitted decision. A failure is logged, never
// propagated into the decision path.
func (r *AuditRepository) Insert(ctx context.Context, rec *AuditRecord) error {
	d := rec.Decision
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO decisions
			(id, instrument, action, size, stop_price, target_price, reason, confidence, model_version, risk_violated, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.Instrument, string(d.Action), d.Size, d.StopPrice, d.TargetPrice,
		d.Reason, d.Confidence, rec.ModelVersion, rec.RiskViolated, d.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("inserting decision %s: %w", d.ID, err)
	}
	return nil
}

// Recent returns the latest decisions for an instrument, newest first.
// An empty instrument returns decisions across all instruments.
func (r *AuditRepository) Recent(ctx context.Context, instrument string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, instrument, action, size, stop_price, target_price, reason, confidence, model_version, risk_violated, created_at
		FROM decisions`
	args := []interface{}{}
	if instrument != "" {
		query += ` WHERE instrument = $1`
		args = append(args, instrument)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying decisions: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var action string
		if err := rows.Scan(
			&rec.Decision.ID, &rec.Decision.Instrument, &action,
			&rec.Decision.Size, &rec.Decision.StopPrice, &rec.Decision.TargetPrice,
			&rec.Decision.Reason, &rec.Decision.Confidence,
			&rec.ModelVersion, &rec.RiskViolated, &rec.Decision.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scanning decision row: %w", err)
		}
		rec.Decision.Action = decision.Action(action)
		out = append(out, rec)
	}
	return out, rows.Err()
}

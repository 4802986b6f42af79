// Package repository stores operator-managed indicators in PostgreSQL.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/telhawk-ndr/common/database"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
	"github.com/telhawk-systems/telhawk-ndr/detect/migrations"
)

var ErrIndicatorNotFound = errors.New("indicator not found")

// Migrate applies the embedded schema migrations to the database at
// connString.
func Migrate(connString string) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, connString)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// Ping checks the connection.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// ListIndicators returns every unexpired indicator.
func (r *PostgresRepository) ListIndicators(ctx context.Context) ([]models.Indicator, error) {
	ctx, cancel := database.ReadContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT kind, value, list, feed, confidence, description, expires_at
		FROM ndr_indicators
		WHERE expires_at IS NULL OR expires_at > NOW()
		ORDER BY kind, value`)
	if err != nil {
		return nil, fmt.Errorf("failed to query indicators: %w", err)
	}
	defer rows.Close()

	var out []models.Indicator
	for rows.Next() {
		var (
			kind, value, list, feed, desc string
			confidence                    int16
			expires                       *time.Time
		)
		if err := rows.Scan(&kind, &value, &list, &feed, &confidence, &desc, &expires); err != nil {
			return nil, fmt.Errorf("failed to scan indicator: %w", err)
		}
		ind := models.Indicator{Value: value, Feed: feed, Confidence: int(confidence), Description: desc}
		if ind.Kind, err = models.ParseIndicatorKind(kind); err != nil {
			continue
		}
		if ind.List, err = models.ParseListKind(list); err != nil {
			continue
		}
		if expires != nil {
			ind.Expires = expires.UTC()
		}
		out = append(out, ind)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read indicators: %w", err)
	}
	return out, nil
}

// UpsertIndicators inserts or updates indicators keyed by (kind, value,
// list) in one transaction.
func (r *PostgresRepository) UpsertIndicators(ctx context.Context, inds []models.Indicator) (int, error) {
	if len(inds) == 0 {
		return 0, nil
	}
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, ind := range inds {
		id, err := uuid.NewV7()
		if err != nil {
			return 0, fmt.Errorf("failed to generate id: %w", err)
		}
		var expires *time.Time
		if !ind.Expires.IsZero() {
			e := ind.Expires.UTC()
			expires = &e
		}
		feed := ind.Feed
		if feed == "" {
			feed = "local"
		}
		batch.Queue(`
			INSERT INTO ndr_indicators (id, kind, value, list, feed, confidence, description, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (kind, value, list) DO UPDATE SET
				feed = EXCLUDED.feed,
				confidence = EXCLUDED.confidence,
				description = EXCLUDED.description,
				expires_at = EXCLUDED.expires_at,
				updated_at = NOW()`,
			id, ind.Kind.String(), ind.Value, ind.List.String(), feed, ind.Confidence, ind.Description, expires)
	}

	results := tx.SendBatch(ctx, batch)
	for range inds {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return 0, fmt.Errorf("failed to upsert indicator: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("failed to upsert indicators: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit indicators: %w", err)
	}
	return len(inds), nil
}

// DeleteIndicator removes one entry.
func (r *PostgresRepository) DeleteIndicator(ctx context.Context, kind models.IndicatorKind, value string, list models.ListKind) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tag, err := r.pool.Exec(ctx,
		`DELETE FROM ndr_indicators WHERE kind = $1 AND value = $2 AND list = $3`,
		kind.String(), value, list.String())
	if err != nil {
		return fmt.Errorf("failed to delete indicator: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIndicatorNotFound
	}
	return nil
}

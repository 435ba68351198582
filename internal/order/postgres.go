package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// PostgresStore persists orders in Postgres. Line items are immutable after
// creation and live in a JSONB column beside the aggregate row.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps the pool. Call EnsureSchema once at startup.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the orders table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			items JSONB NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			version BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("ensure orders schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, o *Order) error {
	items, err := sonic.ConfigStd.Marshal(o.Items)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO orders (id, user_id, items, currency, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		o.ID, o.UserID, items, o.Currency, string(o.Status), o.Version, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrExists
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, items, currency, status, version, created_at, updated_at
		FROM orders WHERE id = $1`, id)

	var o Order
	var items []byte
	var status string
	err := row.Scan(&o.ID, &o.UserID, &items, &o.Currency, &status, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if err := sonic.ConfigStd.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("decode order items: %w", err)
	}
	o.Status = Status(status)
	return &o, nil
}

// Update applies the new state only when the persisted version matches
// expectedVersion, so duplicate and stale transitions never land twice.
func (s *PostgresStore) Update(ctx context.Context, o *Order, expectedVersion int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders SET status = $1, version = $2, updated_at = $3
		WHERE id = $4 AND version = $5`,
		string(o.Status), o.Version, o.UpdatedAt, o.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, o.ID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

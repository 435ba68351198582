package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// PostgresSessionStore persists checkout sessions in Postgres. A partial
// unique index on (order_id) over the non-terminal statuses makes the
// one-active-session-per-order rule atomic under concurrent inserts.
type PostgresSessionStore struct {
	pool *pgxpool.Pool
}

// NewPostgresSessionStore wraps the pool. Call EnsureSchema once at startup.
func NewPostgresSessionStore(pool *pgxpool.Pool) *PostgresSessionStore {
	return &PostgresSessionStore{pool: pool}
}

// EnsureSchema creates the checkout_sessions table and its indexes.
func (s *PostgresSessionStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS checkout_sessions (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			provider_ref TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS ux_checkout_sessions_active
			ON checkout_sessions (order_id) WHERE status IN ('Pending', 'Resolving')`)
	if err != nil {
		return fmt.Errorf("ensure checkout_sessions schema: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) Insert(ctx context.Context, sess *Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO checkout_sessions (id, order_id, amount, currency, status, provider_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sess.ID, sess.OrderID, sess.Amount, sess.Currency, string(sess.Status), sess.ProviderRef, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateSession
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, order_id, amount, currency, status, provider_ref, created_at, updated_at
		FROM checkout_sessions WHERE id = $1`, id)

	var sess Session
	var status string
	err := row.Scan(&sess.ID, &sess.OrderID, &sess.Amount, &sess.Currency, &status, &sess.ProviderRef, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.Status = SessionStatus(status)
	return &sess, nil
}

func (s *PostgresSessionStore) Update(ctx context.Context, sess *Session, expected SessionStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE checkout_sessions SET status = $1, provider_ref = $2, updated_at = $3
		WHERE id = $4 AND status = $5`,
		string(sess.Status), sess.ProviderRef, sess.UpdatedAt, sess.ID, string(expected))
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := s.Get(ctx, sess.ID); errors.Is(gerr, ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		return ErrStatusConflict
	}
	return nil
}

func (s *PostgresSessionStore) ExpireOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE checkout_sessions SET status = $1, updated_at = $2
		WHERE status = $3 AND created_at < $4`,
		string(SessionExpired), time.Now().UTC(), string(SessionPending), cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"orderflow/internal/event"
)

// ErrDeadLetterNotFound indicates an unknown dead-letter ID.
var ErrDeadLetterNotFound = errors.New("dead letter not found")

// StoredDeadLetter is a persisted dead letter with its assigned ID.
type StoredDeadLetter struct {
	ID int64
	DeadLetter
}

// DeadLetterStore persists envelopes that exhausted delivery retries so they
// can be inspected and replayed.
type DeadLetterStore interface {
	Save(ctx context.Context, dl DeadLetter) error
	List(ctx context.Context, limit int) ([]StoredDeadLetter, error)
	Get(ctx context.Context, id int64) (StoredDeadLetter, error)
	Delete(ctx context.Context, id int64) error
}

// PostgresDeadLetterStore keeps dead letters in a Postgres table.
type PostgresDeadLetterStore struct {
	pool *pgxpool.Pool
}

// NewPostgresDeadLetterStore wraps the pool. Call EnsureSchema once at startup.
func NewPostgresDeadLetterStore(pool *pgxpool.Pool) *PostgresDeadLetterStore {
	return &PostgresDeadLetterStore{pool: pool}
}

// EnsureSchema creates the dead_letters table when missing.
func (s *PostgresDeadLetterStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS dead_letters (
			id BIGSERIAL PRIMARY KEY,
			origin_topic TEXT NOT NULL,
			consumer_group TEXT NOT NULL,
			attempts INT NOT NULL,
			last_error TEXT NOT NULL,
			envelope JSONB NOT NULL,
			received_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("ensure dead_letters schema: %w", err)
	}
	return nil
}

func (s *PostgresDeadLetterStore) Save(ctx context.Context, dl DeadLetter) error {
	raw, err := event.Marshal(dl.Envelope)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO dead_letters (origin_topic, consumer_group, attempts, last_error, envelope, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		dl.OriginTopic, dl.ConsumerGroup, dl.Attempts, dl.LastError, raw, dl.ReceivedAt)
	if err != nil {
		return fmt.Errorf("save dead letter: %w", err)
	}
	return nil
}

func (s *PostgresDeadLetterStore) List(ctx context.Context, limit int) ([]StoredDeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, origin_topic, consumer_group, attempts, last_error, envelope, received_at
		FROM dead_letters ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []StoredDeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (s *PostgresDeadLetterStore) Get(ctx context.Context, id int64) (StoredDeadLetter, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, origin_topic, consumer_group, attempts, last_error, envelope, received_at
		FROM dead_letters WHERE id = $1`, id)
	dl, err := scanDeadLetter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredDeadLetter{}, ErrDeadLetterNotFound
	}
	return dl, err
}

func (s *PostgresDeadLetterStore) Delete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeadLetterNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(row rowScanner) (StoredDeadLetter, error) {
	var dl StoredDeadLetter
	var raw []byte
	if err := row.Scan(&dl.ID, &dl.OriginTopic, &dl.ConsumerGroup, &dl.Attempts, &dl.LastError, &raw, &dl.ReceivedAt); err != nil {
		return StoredDeadLetter{}, err
	}
	env, err := event.Unmarshal(raw)
	if err != nil {
		return StoredDeadLetter{}, fmt.Errorf("stored envelope corrupt: %w", err)
	}
	dl.Envelope = env
	return dl, nil
}

// MemoryDeadLetterStore is an in-process store for tests and the dev setup.
type MemoryDeadLetterStore struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]StoredDeadLetter
}

func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{items: make(map[int64]StoredDeadLetter)}
}

func (s *MemoryDeadLetterStore) Save(_ context.Context, dl DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.items[s.nextID] = StoredDeadLetter{ID: s.nextID, DeadLetter: dl}
	return nil
}

func (s *MemoryDeadLetterStore) List(_ context.Context, limit int) ([]StoredDeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]StoredDeadLetter, 0, len(s.items))
	for id := int64(1); id <= s.nextID && len(out) < limit; id++ {
		if dl, ok := s.items[id]; ok {
			out = append(out, dl)
		}
	}
	return out, nil
}

func (s *MemoryDeadLetterStore) Get(_ context.Context, id int64) (StoredDeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.items[id]
	if !ok {
		return StoredDeadLetter{}, ErrDeadLetterNotFound
	}
	return dl, nil
}

func (s *MemoryDeadLetterStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrDeadLetterNotFound
	}
	delete(s.items, id)
	return nil
}

// NewDeadLetterSink returns a DeadLetterHandler that persists entries.
func NewDeadLetterSink(store DeadLetterStore) DeadLetterHandler {
	return func(ctx context.Context, dl DeadLetter) error {
		return store.Save(ctx, dl)
	}
}

// Replayer republishes persisted dead letters to their origin topic. The
// original event ID travels with the envelope, so consumer-side dedup still
// applies if the entry was already handled elsewhere.
type Replayer struct {
	store DeadLetterStore
	pub   Publisher
}

func NewReplayer(store DeadLetterStore, pub Publisher) *Replayer {
	return &Replayer{store: store, pub: pub}
}

// Replay publishes the stored envelope back to its origin topic and removes
// the entry on success.
func (r *Replayer) Replay(ctx context.Context, id int64) error {
	dl, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	env := dl.Envelope
	if env.Topic == "" {
		env.Topic = dl.OriginTopic
	}
	if err := r.pub.Publish(ctx, env); err != nil {
		return err
	}
	return r.store.Delete(ctx, id)
}

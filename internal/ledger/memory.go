package ledger

import (
	"context"
	"sync"
	"time"
)

type memoryRecord struct {
	committed bool
	expiresAt time.Time
}

// MemoryLedger is an in-process Ledger for tests and single-node development.
// It honors the same reserve/commit/release semantics as the Redis ledger.
type MemoryLedger struct {
	mu         sync.Mutex
	records    map[string]memoryRecord
	reserveTTL time.Duration
}

// NewMemoryLedger creates an empty in-process ledger.
func NewMemoryLedger(reserveTTL time.Duration) *MemoryLedger {
	return &MemoryLedger{records: make(map[string]memoryRecord), reserveTTL: reserveTTL}
}

func (l *MemoryLedger) CheckAndReserve(_ context.Context, group, eventID string) (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := group + ":" + eventID
	rec, ok := l.records[key]
	if ok && (rec.committed || time.Now().Before(rec.expiresAt)) {
		return AlreadyProcessed, nil
	}
	l.records[key] = memoryRecord{expiresAt: time.Now().Add(l.reserveTTL)}
	return Fresh, nil
}

func (l *MemoryLedger) Commit(_ context.Context, group, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[group+":"+eventID] = memoryRecord{committed: true}
	return nil
}

func (l *MemoryLedger) Release(_ context.Context, group, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, group+":"+eventID)
	return nil
}

package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix    = "idem"
	pendingValue = "pending"
	doneValue    = "done"
)

// RedisLedger stores reservations in Redis so every worker of a consumer
// group shares one ledger. Reservations use a short TTL so a worker that
// crashes between reserve and commit does not block redelivery forever;
// committed records keep the long retention TTL matching broker retention.
type RedisLedger struct {
	client     *redis.Client
	reserveTTL time.Duration
	retention  time.Duration
}

// NewRedisLedger creates a ledger on the provided client. reserveTTL bounds
// how long a crashed worker blocks a retry; retention must cover the broker's
// maximum redelivery horizon (records older than it are assumed gone for good).
func NewRedisLedger(client *redis.Client, reserveTTL, retention time.Duration) *RedisLedger {
	return &RedisLedger{client: client, reserveTTL: reserveTTL, retention: retention}
}

func (l *RedisLedger) key(group, eventID string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, group, eventID)
}

// CheckAndReserve attempts to claim the (group, eventID) pair. SetNX makes the
// check-then-insert atomic across all workers.
func (l *RedisLedger) CheckAndReserve(ctx context.Context, group, eventID string) (Status, error) {
	ok, err := l.client.SetNX(ctx, l.key(group, eventID), pendingValue, l.reserveTTL).Result()
	if err != nil {
		return AlreadyProcessed, fmt.Errorf("ledger reserve: %w", err)
	}
	if !ok {
		return AlreadyProcessed, nil
	}
	return Fresh, nil
}

// Commit marks the event processed and extends the record to the retention
// window. Insert of the done marker is the commit point for the side effect.
func (l *RedisLedger) Commit(ctx context.Context, group, eventID string) error {
	if err := l.client.Set(ctx, l.key(group, eventID), doneValue, l.retention).Err(); err != nil {
		return fmt.Errorf("ledger commit: %w", err)
	}
	return nil
}

// Release drops a reservation after a failed side effect so the broker's
// redelivery is not permanently blocked.
func (l *RedisLedger) Release(ctx context.Context, group, eventID string) error {
	if err := l.client.Del(ctx, l.key(group, eventID)).Err(); err != nil {
		return fmt.Errorf("ledger release: %w", err)
	}
	return nil
}

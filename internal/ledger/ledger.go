// Package ledger provides the durable idempotency ledger consumers use to
// make side effects effectively-once under at-least-once delivery.
package ledger

import "context"

// Status is the result of a reservation attempt.
type Status int

const (
	// Fresh means the caller holds the reservation and must Commit after the
	// side effect succeeds, or Release so a redelivery can retry.
	Fresh Status = iota
	// AlreadyProcessed means another delivery committed, or currently holds,
	// this event. The caller must skip the side effect.
	AlreadyProcessed
)

// Ledger records processed event IDs per consumer group. CheckAndReserve is
// atomic: of N concurrent callers for the same (group, eventID), exactly one
// sees Fresh. The reservation is the commit point for acknowledgement; no
// envelope may be acked without a committed record or explicit dead-lettering.
type Ledger interface {
	CheckAndReserve(ctx context.Context, group, eventID string) (Status, error)
	Commit(ctx context.Context, group, eventID string) error
	Release(ctx context.Context, group, eventID string) error
}

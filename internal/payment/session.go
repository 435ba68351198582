// Package payment orchestrates checkout sessions against the external
// payment provider: it creates sessions, verifies provider webhooks, and
// emits the payment events the rest of the platform consumes.
package payment

import "time"

// SessionStatus is the checkout session lifecycle state.
type SessionStatus string

const (
	SessionPending SessionStatus = "Pending"
	// Resolving marks a session claimed by a verified webhook. The claim is a
	// status CAS, so the expiry sweep and the webhook cannot both win.
	SessionResolving SessionStatus = "Resolving"
	SessionSucceeded SessionStatus = "Succeeded"
	SessionFailed    SessionStatus = "Failed"
	SessionExpired   SessionStatus = "Expired"
)

// Terminal reports whether the status accepts no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionSucceeded || s == SessionFailed || s == SessionExpired
}

// Session is the mutable checkout session aggregate, owned exclusively by
// this package. It references the order by ID only.
type Session struct {
	ID          string
	OrderID     string
	Amount      int64
	Currency    string
	Status      SessionStatus
	ProviderRef string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (s *Session) clone() *Session {
	cpy := *s
	return &cpy
}

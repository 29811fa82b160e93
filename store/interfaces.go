package store

import (
	"context"
	"time"
)

// SubscriptionStore persists subscriptions keyed by owning user.
type SubscriptionStore interface {
	// GetSubscription returns the user's subscription or ErrNotFound.
	GetSubscription(ctx context.Context, userID string) (*Subscription, error)
	// UpdateSubscription applies patch to the user's subscription, creating
	// the row on first write.
	UpdateSubscription(ctx context.Context, userID string, patch SubscriptionPatch) error
}

// UserStore persists the billing view of users.
type UserStore interface {
	// GetUser returns the user or ErrNotFound.
	GetUser(ctx context.Context, userID string) (*User, error)
	// UpdateUser applies patch to an existing user. Returns ErrNotFound when
	// the user does not exist.
	UpdateUser(ctx context.Context, userID string, patch UserPatch) error
}

// BillingStore combines subscription and user persistence with the atomic
// multi-write used by the downgrade path.
type BillingStore interface {
	SubscriptionStore
	UserStore
	// Downgrade applies both patches and enqueues tasks as one atomic unit.
	Downgrade(ctx context.Context, userID string, sub SubscriptionPatch, user UserPatch, tasks ...*Task) error
}

// TaskStore persists durable delayed tasks.
type TaskStore interface {
	// Enqueue stores a new pending task.
	Enqueue(ctx context.Context, task *Task) error
	// ClaimDue leases up to limit tasks that are due at now. Tasks whose
	// lease expired while running are claimed again.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Task, error)
	// Complete marks a claimed task done.
	Complete(ctx context.Context, id string) error
	// Fail records a failed attempt. A non-nil retryAt reschedules the task,
	// otherwise it is marked failed permanently.
	Fail(ctx context.Context, id, lastErr string, retryAt *time.Time) error
	// GetTask returns a task by id or ErrNotFound.
	GetTask(ctx context.Context, id string) (*Task, error)
}

// ProcessedEventStore is the ledger of provider event ids already accepted.
type ProcessedEventStore interface {
	// Claim records eventID. Returns ErrDuplicate if it was already claimed
	// and has not expired.
	Claim(ctx context.Context, eventID, eventType string, ttl time.Duration) error
	// Cleanup removes expired entries.
	Cleanup(ctx context.Context) (int64, error)
}

package store

import (
	"encoding/json"
	"time"
)

// Tier is the plan level a user is billed on.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// Status is the lifecycle status of a subscription.
type Status string

const (
	StatusTrialing   Status = "trialing"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
	StatusIncomplete Status = "incomplete"
)

// ValidStatuses is the set of valid subscription status values.
var ValidStatuses = map[Status]bool{
	StatusTrialing:   true,
	StatusActive:     true,
	StatusPastDue:    true,
	StatusCanceled:   true,
	StatusIncomplete: true,
}

// AccountStatus is the security status of a user account.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
)

// Subscription is the billing record owned by a single user.
type Subscription struct {
	ID                     string     `json:"id"`
	UserID                 string     `json:"user_id"`
	Tier                   Tier       `json:"tier"`
	Status                 Status     `json:"status"`
	ExternalSubscriptionID *string    `json:"external_subscription_id"`
	ExternalCustomerID     string     `json:"external_customer_id"`
	TrialEnd               *time.Time `json:"trial_end"`
	CurrentPeriodStart     *time.Time `json:"current_period_start"`
	CurrentPeriodEnd       *time.Time `json:"current_period_end"`
	CancelAtPeriodEnd      bool       `json:"cancel_at_period_end"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// User is the billing view of an application user.
type User struct {
	ID               string        `json:"id"`
	Email            string        `json:"email"`
	Tier             Tier          `json:"tier"`
	Onboarded        bool          `json:"onboarded"`
	AccountStatus    AccountStatus `json:"account_status"`
	SuspensionReason *string       `json:"suspension_reason"`
	SuspendedAt      *time.Time    `json:"suspended_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// TaskKind identifies the handler a scheduled task is routed to.
type TaskKind string

const (
	TaskUpgradeReminder            TaskKind = "upgrade_reminder"
	TaskCancelUpstreamSubscription TaskKind = "cancel_upstream_subscription"
	TaskPurgeProcessedEvents       TaskKind = "purge_processed_events"
)

// TaskStatus is the execution state of a scheduled task.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// Task is a durable unit of delayed work.
type Task struct {
	ID          string          `json:"id"`
	Kind        TaskKind        `json:"kind"`
	UserID      string          `json:"user_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	RunAt       time.Time       `json:"run_at"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Status      TaskStatus      `json:"status"`
	LastError   string          `json:"last_error,omitempty"`
	LockedUntil *time.Time      `json:"locked_until,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ProcessedEvent records a provider event id that has already been accepted.
type ProcessedEvent struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	ProcessedAt time.Time `json:"processed_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

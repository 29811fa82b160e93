package billing

import (
	"time"

	"github.com/GoCodeAlone/billing-webhooks/store"
)

// ProviderSubscription is the payment provider's view of a subscription.
type ProviderSubscription struct {
	ID                 string            `json:"id"`
	CustomerID         string            `json:"customer_id"`
	Status             string            `json:"status"`
	TrialEnd           *time.Time        `json:"trial_end,omitempty"`
	CurrentPeriodStart *time.Time        `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time        `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// Trialing reports whether the subscription is in a trial with a known end.
func (s *ProviderSubscription) Trialing() bool {
	return s.Status == "trialing" && s.TrialEnd != nil
}

// Provider subscription statuses, as sent by Stripe.
const (
	providerIncomplete        = "incomplete"
	providerIncompleteExpired = "incomplete_expired"
	providerTrialing          = "trialing"
	providerActive            = "active"
	providerPastDue           = "past_due"
	providerCanceled          = "canceled"
	providerUnpaid            = "unpaid"
	providerPaused            = "paused"
)

// MapStatus maps a provider subscription status onto the stored status set.
// Statuses the store has no equivalent for collapse onto the closest
// behavior: unpaid and paused subscriptions are treated as past due, expired
// incomplete ones as canceled.
func MapStatus(providerStatus string) (store.Status, bool) {
	switch providerStatus {
	case providerTrialing:
		return store.StatusTrialing, true
	case providerActive:
		return store.StatusActive, true
	case providerPastDue, providerUnpaid, providerPaused:
		return store.StatusPastDue, true
	case providerCanceled, providerIncompleteExpired:
		return store.StatusCanceled, true
	case providerIncomplete:
		return store.StatusIncomplete, true
	default:
		return "", false
	}
}

// ShouldDowngradeImmediately is the single-strike downgrade policy: a failed
// payment downgrades at once while the subscription is still in trial or on
// the first collection attempt. Later attempts only mark the subscription
// past due.
func ShouldDowngradeImmediately(status store.Status, attemptCount int64) bool {
	return status == store.StatusTrialing || attemptCount == 1
}

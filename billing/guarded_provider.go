package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/GoCodeAlone/billing-webhooks/middleware"
)

// GuardedProvider wraps a PaymentProvider in a circuit breaker so a provider
// outage fails handlers fast instead of stacking up timeouts. Rejected calls
// return an error wrapping middleware.ErrCircuitOpen.
type GuardedProvider struct {
	next PaymentProvider
	cb   *middleware.CircuitBreaker
}

// NewGuardedProvider wraps next. cb should be built with IsProviderFailure
// so that client errors do not trip it.
func NewGuardedProvider(next PaymentProvider, cb *middleware.CircuitBreaker) *GuardedProvider {
	return &GuardedProvider{next: next, cb: cb}
}

// IsProviderFailure reports whether err indicates the provider itself is
// unhealthy. Rejections of the request (4xx other than 429) and caller
// cancellation do not count.
func IsProviderFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode != 0 {
		code := stripeErr.HTTPStatusCode
		return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests
	}
	return true
}

func guard[T any](ctx context.Context, cb *middleware.CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	if errors.Is(err, middleware.ErrCircuitOpen) {
		return out, fmt.Errorf("billing: provider %s unavailable: %w", cb.Name(), err)
	}
	return out, err
}

func (g *GuardedProvider) GetSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	return guard(ctx, g.cb, func(ctx context.Context) (*ProviderSubscription, error) {
		return g.next.GetSubscription(ctx, subscriptionID)
	})
}

func (g *GuardedProvider) GetCharge(ctx context.Context, chargeID string) (*Charge, error) {
	return guard(ctx, g.cb, func(ctx context.Context) (*Charge, error) {
		return g.next.GetCharge(ctx, chargeID)
	})
}

func (g *GuardedProvider) GetPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error) {
	return guard(ctx, g.cb, func(ctx context.Context) (*PaymentIntent, error) {
		return g.next.GetPaymentIntent(ctx, paymentIntentID)
	})
}

func (g *GuardedProvider) ListCustomerSubscriptions(ctx context.Context, customerID string) ([]ProviderSubscription, error) {
	return guard(ctx, g.cb, func(ctx context.Context) ([]ProviderSubscription, error) {
		return g.next.ListCustomerSubscriptions(ctx, customerID)
	})
}

func (g *GuardedProvider) CancelSubscription(ctx context.Context, subscriptionID string) error {
	_, err := guard(ctx, g.cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.next.CancelSubscription(ctx, subscriptionID)
	})
	return err
}

var _ PaymentProvider = (*GuardedProvider)(nil)

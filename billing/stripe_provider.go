package billing

import (
	"context"
	"errors"
	"fmt"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/charge"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/subscription"
)

// StripeProvider implements PaymentProvider using the Stripe API.
type StripeProvider struct {
	apiKey string
}

// NewStripeProvider creates a StripeProvider with the given secret API key.
func NewStripeProvider(apiKey string) *StripeProvider {
	stripe.Key = apiKey
	return &StripeProvider{apiKey: apiKey}
}

// GetSubscription retrieves a Stripe subscription.
func (p *StripeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := subscription.Get(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("billing: get stripe subscription %s: %w", subscriptionID, err)
	}
	if sub.LastResponse == nil || len(sub.LastResponse.RawJSON) == 0 {
		return fromStripeSubscription(sub), nil
	}
	out, err := decodeSubscription(sub.LastResponse.RawJSON)
	if err != nil {
		return nil, fmt.Errorf("billing: decode stripe subscription %s: %w", subscriptionID, err)
	}
	return out, nil
}

// GetCharge retrieves a Stripe charge with its Radar outcome.
func (p *StripeProvider) GetCharge(ctx context.Context, chargeID string) (*Charge, error) {
	params := &stripe.ChargeParams{}
	params.Context = ctx
	ch, err := charge.Get(chargeID, params)
	if err != nil {
		return nil, fmt.Errorf("billing: get stripe charge %s: %w", chargeID, err)
	}
	if ch.LastResponse == nil || len(ch.LastResponse.RawJSON) == 0 {
		return &Charge{ID: ch.ID, Metadata: ch.Metadata}, nil
	}
	out, err := decodeCharge(ch.LastResponse.RawJSON)
	if err != nil {
		return nil, fmt.Errorf("billing: decode stripe charge %s: %w", chargeID, err)
	}
	return out, nil
}

// GetPaymentIntent retrieves a Stripe payment intent.
func (p *StripeProvider) GetPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := paymentintent.Get(paymentIntentID, params)
	if err != nil {
		return nil, fmt.Errorf("billing: get stripe payment intent %s: %w", paymentIntentID, err)
	}
	if pi.LastResponse == nil || len(pi.LastResponse.RawJSON) == 0 {
		return &PaymentIntent{ID: pi.ID, Metadata: pi.Metadata}, nil
	}
	out, err := decodePaymentIntent(pi.LastResponse.RawJSON)
	if err != nil {
		return nil, fmt.Errorf("billing: decode stripe payment intent %s: %w", paymentIntentID, err)
	}
	return out, nil
}

// ListCustomerSubscriptions pages through every subscription of the
// customer, including canceled ones.
func (p *StripeProvider) ListCustomerSubscriptions(ctx context.Context, customerID string) ([]ProviderSubscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(100)

	var out []ProviderSubscription
	it := subscription.List(params)
	for it.Next() {
		out = append(out, *fromStripeSubscription(it.Subscription()))
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("billing: list stripe subscriptions for %s: %w", customerID, err)
	}
	return out, nil
}

// CancelSubscription cancels a Stripe subscription immediately. A
// subscription Stripe no longer knows about counts as canceled.
func (p *StripeProvider) CancelSubscription(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	_, err := subscription.Cancel(subscriptionID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeResourceMissing {
			return nil
		}
		return fmt.Errorf("billing: cancel stripe subscription %s: %w", subscriptionID, err)
	}
	return nil
}

// fromStripeSubscription maps the fields that are stable across API
// versions; period and trial fields come from the raw payload instead.
func fromStripeSubscription(s *stripe.Subscription) *ProviderSubscription {
	out := &ProviderSubscription{
		ID:                s.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		Metadata:          s.Metadata,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.TrialEnd > 0 {
		out.TrialEnd = unixTime(&s.TrialEnd)
	}
	return out
}

var _ PaymentProvider = (*StripeProvider)(nil)

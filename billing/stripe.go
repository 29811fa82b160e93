package billing

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/GoCodeAlone/billing-webhooks/risk"
)

// PaymentProvider is the read-mostly payment provider client used to enrich
// events while handling them.
type PaymentProvider interface {
	// GetSubscription retrieves a subscription by id.
	GetSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error)
	// GetCharge retrieves a charge, including its risk outcome.
	GetCharge(ctx context.Context, chargeID string) (*Charge, error)
	// GetPaymentIntent retrieves a payment intent.
	GetPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error)
	// ListCustomerSubscriptions returns every subscription the customer has
	// had, in any status.
	ListCustomerSubscriptions(ctx context.Context, customerID string) ([]ProviderSubscription, error)
	// CancelSubscription cancels immediately. Canceling a subscription that
	// is already gone succeeds.
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// Charge is the provider's record of a single payment.
type Charge struct {
	ID              string
	CustomerID      string
	PaymentIntentID string
	Metadata        map[string]string
	RiskLevel       string
	RiskScore       *int
	SellerMessage   string
	OutcomeType     string
	BillingCountry  string
	CardCountry     string
}

// PaymentIntent is the provider's record of a payment flow.
type PaymentIntent struct {
	ID             string
	CustomerID     string
	LatestChargeID string
	Metadata       map[string]string
}

// ---------- Risk adapter ----------

// RiskSource adapts a PaymentProvider to the risk package's lookups.
type RiskSource struct {
	Provider PaymentProvider
}

// ChargeSignals loads risk signals for a charge id, or for the latest charge
// of a payment intent id.
func (r RiskSource) ChargeSignals(ctx context.Context, paymentID string) (risk.Signals, error) {
	chargeID := paymentID
	if strings.HasPrefix(paymentID, "pi_") {
		pi, err := r.Provider.GetPaymentIntent(ctx, paymentID)
		if err != nil {
			return risk.Signals{}, err
		}
		if pi.LatestChargeID == "" {
			return risk.Signals{}, nil
		}
		chargeID = pi.LatestChargeID
	}
	ch, err := r.Provider.GetCharge(ctx, chargeID)
	if err != nil {
		return risk.Signals{}, err
	}
	return risk.Signals{
		RiskLevel:      ch.RiskLevel,
		RiskScore:      ch.RiskScore,
		SellerMessage:  ch.SellerMessage,
		CardCountry:    ch.CardCountry,
		BillingCountry: ch.BillingCountry,
	}, nil
}

// CustomerSubscriptions lists the customer's subscription history.
func (r RiskSource) CustomerSubscriptions(ctx context.Context, customerID string) ([]risk.SubscriptionSummary, error) {
	subs, err := r.Provider.ListCustomerSubscriptions(ctx, customerID)
	if err != nil {
		return nil, err
	}
	out := make([]risk.SubscriptionSummary, 0, len(subs))
	for _, s := range subs {
		out = append(out, risk.SubscriptionSummary{ID: s.ID, Status: s.Status})
	}
	return out, nil
}

var (
	_ risk.ChargeSource  = RiskSource{}
	_ risk.HistorySource = RiskSource{}
)

// ---------- Mock implementation ----------

// MockProvider is a test double that serves canned provider objects and
// records cancellations.
type MockProvider struct {
	mu sync.Mutex

	// Subscriptions maps subscription id -> subscription.
	Subscriptions map[string]*ProviderSubscription
	// Charges maps charge id -> charge.
	Charges map[string]*Charge
	// PaymentIntents maps payment intent id -> payment intent.
	PaymentIntents map[string]*PaymentIntent
	// Canceled collects every CancelSubscription call, including repeats.
	Canceled []string

	// Error fields allow tests to inject failures.
	GetSubscriptionErr    error
	GetChargeErr          error
	GetPaymentIntentErr   error
	ListSubscriptionsErr  error
	CancelSubscriptionErr error
}

// NewMockProvider creates a MockProvider ready for use.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Subscriptions:  make(map[string]*ProviderSubscription),
		Charges:        make(map[string]*Charge),
		PaymentIntents: make(map[string]*PaymentIntent),
	}
}

// AddSubscription stores a subscription.
func (m *MockProvider) AddSubscription(s *ProviderSubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Subscriptions[s.ID] = s
}

// GetSubscription returns a copy of a stored subscription.
func (m *MockProvider) GetSubscription(_ context.Context, id string) (*ProviderSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetSubscriptionErr != nil {
		return nil, m.GetSubscriptionErr
	}
	s, ok := m.Subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("billing: subscription %s not found", id)
	}
	cp := *s
	return &cp, nil
}

// GetCharge returns a stored charge.
func (m *MockProvider) GetCharge(_ context.Context, id string) (*Charge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetChargeErr != nil {
		return nil, m.GetChargeErr
	}
	c, ok := m.Charges[id]
	if !ok {
		return nil, fmt.Errorf("billing: charge %s not found", id)
	}
	cp := *c
	return &cp, nil
}

// GetPaymentIntent returns a stored payment intent.
func (m *MockProvider) GetPaymentIntent(_ context.Context, id string) (*PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetPaymentIntentErr != nil {
		return nil, m.GetPaymentIntentErr
	}
	pi, ok := m.PaymentIntents[id]
	if !ok {
		return nil, fmt.Errorf("billing: payment intent %s not found", id)
	}
	cp := *pi
	return &cp, nil
}

// ListCustomerSubscriptions returns every stored subscription of the customer.
func (m *MockProvider) ListCustomerSubscriptions(_ context.Context, customerID string) ([]ProviderSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ListSubscriptionsErr != nil {
		return nil, m.ListSubscriptionsErr
	}
	var out []ProviderSubscription
	for _, s := range m.Subscriptions {
		if s.CustomerID == customerID {
			out = append(out, *s)
		}
	}
	return out, nil
}

// CancelSubscription marks a subscription canceled. Repeated calls succeed.
func (m *MockProvider) CancelSubscription(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Canceled = append(m.Canceled, id)
	if m.CancelSubscriptionErr != nil {
		return m.CancelSubscriptionErr
	}
	if s, ok := m.Subscriptions[id]; ok {
		s.Status = providerCanceled
	}
	return nil
}

// CancelCalls returns how many times id was canceled.
func (m *MockProvider) CancelCalls(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Canceled {
		if c == id {
			n++
		}
	}
	return n
}

var _ PaymentProvider = (*MockProvider)(nil)

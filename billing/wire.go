package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Raw provider object shapes. Only the fields the billing core reads are
// declared; everything else in the payload is ignored.

// expandable decodes a provider reference that is either an id string, an
// expanded object carrying an id, or null.
type expandable string

func (e *expandable) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*e = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandable(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("expandable reference: %w", err)
	}
	*e = expandable(obj.ID)
	return nil
}

// unixTime converts an optional unix-seconds timestamp.
func unixTime(sec *int64) *time.Time {
	if sec == nil || *sec == 0 {
		return nil
	}
	t := time.Unix(*sec, 0).UTC()
	return &t
}

type wireCheckoutSession struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          expandable        `json:"customer"`
	CustomerEmail     string            `json:"customer_email"`
	CustomerDetails   *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata      map[string]string `json:"metadata"`
	Mode          string            `json:"mode"`
	PaymentStatus string            `json:"payment_status"`
	Subscription  expandable        `json:"subscription"`
}

type wireSubscriptionDetails struct {
	Subscription expandable        `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

type wirePeriod struct {
	Start *int64 `json:"start"`
	End   *int64 `json:"end"`
}

type wireInvoice struct {
	ID            string     `json:"id"`
	Customer      expandable `json:"customer"`
	CustomerEmail string     `json:"customer_email"`
	// Subscription, Charge and PaymentIntent are top-level on older API
	// versions; newer ones nest the subscription under parent.
	Subscription        expandable               `json:"subscription"`
	SubscriptionDetails *wireSubscriptionDetails `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails *wireSubscriptionDetails `json:"subscription_details"`
	} `json:"parent"`
	Charge             expandable        `json:"charge"`
	PaymentIntent      expandable        `json:"payment_intent"`
	BillingReason      string            `json:"billing_reason"`
	AttemptCount       int64             `json:"attempt_count"`
	AmountPaid         int64             `json:"amount_paid"`
	AmountDue          int64             `json:"amount_due"`
	Currency           string            `json:"currency"`
	NextPaymentAttempt *int64            `json:"next_payment_attempt"`
	Metadata           map[string]string `json:"metadata"`
	Lines              *struct {
		Data []struct {
			Period *wirePeriod `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func (w *wireInvoice) subscriptionID() string {
	if w.Parent != nil && w.Parent.SubscriptionDetails != nil && w.Parent.SubscriptionDetails.Subscription != "" {
		return string(w.Parent.SubscriptionDetails.Subscription)
	}
	return string(w.Subscription)
}

func (w *wireInvoice) subscriptionMetadata() map[string]string {
	if w.Parent != nil && w.Parent.SubscriptionDetails != nil && len(w.Parent.SubscriptionDetails.Metadata) > 0 {
		return w.Parent.SubscriptionDetails.Metadata
	}
	if w.SubscriptionDetails != nil {
		return w.SubscriptionDetails.Metadata
	}
	return nil
}

func (w *wireInvoice) period() (start, end *time.Time) {
	if w.Lines == nil {
		return nil, nil
	}
	for _, line := range w.Lines.Data {
		if line.Period != nil {
			return unixTime(line.Period.Start), unixTime(line.Period.End)
		}
	}
	return nil, nil
}

type wireSubscription struct {
	ID                 string            `json:"id"`
	Customer           expandable        `json:"customer"`
	Status             string            `json:"status"`
	TrialEnd           *int64            `json:"trial_end"`
	CurrentPeriodStart *int64            `json:"current_period_start"`
	CurrentPeriodEnd   *int64            `json:"current_period_end"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	Metadata           map[string]string `json:"metadata"`
	// Newer API versions report billing periods per item.
	Items *struct {
		Data []struct {
			CurrentPeriodStart *int64 `json:"current_period_start"`
			CurrentPeriodEnd   *int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func (w *wireSubscription) toProvider() *ProviderSubscription {
	start, end := w.CurrentPeriodStart, w.CurrentPeriodEnd
	if (start == nil || end == nil) && w.Items != nil && len(w.Items.Data) > 0 {
		start, end = w.Items.Data[0].CurrentPeriodStart, w.Items.Data[0].CurrentPeriodEnd
	}
	return &ProviderSubscription{
		ID:                 w.ID,
		CustomerID:         string(w.Customer),
		Status:             w.Status,
		TrialEnd:           unixTime(w.TrialEnd),
		CurrentPeriodStart: unixTime(start),
		CurrentPeriodEnd:   unixTime(end),
		CancelAtPeriodEnd:  w.CancelAtPeriodEnd,
		Metadata:           w.Metadata,
	}
}

type wirePaymentMethod struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Customer expandable        `json:"customer"`
	Metadata map[string]string `json:"metadata"`
}

type wireSetupIntent struct {
	ID            string            `json:"id"`
	Customer      expandable        `json:"customer"`
	PaymentMethod expandable        `json:"payment_method"`
	Metadata      map[string]string `json:"metadata"`
}

type wireEarlyFraudWarning struct {
	ID            string     `json:"id"`
	Actionable    bool       `json:"actionable"`
	Charge        expandable `json:"charge"`
	PaymentIntent expandable `json:"payment_intent"`
	FraudType     string     `json:"fraud_type"`
}

type wireReview struct {
	ID            string     `json:"id"`
	Charge        expandable `json:"charge"`
	PaymentIntent expandable `json:"payment_intent"`
	Reason        string     `json:"reason"`
	OpenedReason  string     `json:"opened_reason"`
	ClosedReason  string     `json:"closed_reason"`
	Open          bool       `json:"open"`
}

type wirePaymentIntent struct {
	ID           string            `json:"id"`
	Customer     expandable        `json:"customer"`
	LatestCharge expandable        `json:"latest_charge"`
	Metadata     map[string]string `json:"metadata"`
}

type wireCharge struct {
	ID            string            `json:"id"`
	Customer      expandable        `json:"customer"`
	PaymentIntent expandable        `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`
	Outcome       *struct {
		RiskLevel     string `json:"risk_level"`
		RiskScore     *int   `json:"risk_score"`
		SellerMessage string `json:"seller_message"`
		Type          string `json:"type"`
	} `json:"outcome"`
	BillingDetails *struct {
		Address *struct {
			Country string `json:"country"`
		} `json:"address"`
	} `json:"billing_details"`
	PaymentMethodDetails *struct {
		Card *struct {
			Country string `json:"country"`
		} `json:"card"`
	} `json:"payment_method_details"`
}

func (w *wireCharge) toCharge() *Charge {
	c := &Charge{
		ID:              w.ID,
		CustomerID:      string(w.Customer),
		PaymentIntentID: string(w.PaymentIntent),
		Metadata:        w.Metadata,
	}
	if w.Outcome != nil {
		c.RiskLevel = w.Outcome.RiskLevel
		c.RiskScore = w.Outcome.RiskScore
		c.SellerMessage = w.Outcome.SellerMessage
		c.OutcomeType = w.Outcome.Type
	}
	if w.BillingDetails != nil && w.BillingDetails.Address != nil {
		c.BillingCountry = w.BillingDetails.Address.Country
	}
	if w.PaymentMethodDetails != nil && w.PaymentMethodDetails.Card != nil {
		c.CardCountry = w.PaymentMethodDetails.Card.Country
	}
	return c
}

func (w *wirePaymentIntent) toPaymentIntent() *PaymentIntent {
	return &PaymentIntent{
		ID:             w.ID,
		CustomerID:     string(w.Customer),
		LatestChargeID: string(w.LatestCharge),
		Metadata:       w.Metadata,
	}
}

func decodeSubscription(raw []byte) (*ProviderSubscription, error) {
	var w wireSubscription
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	if w.ID == "" {
		return nil, fmt.Errorf("subscription: missing id")
	}
	return w.toProvider(), nil
}

func decodeCharge(raw []byte) (*Charge, error) {
	var w wireCharge
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	if w.ID == "" {
		return nil, fmt.Errorf("charge: missing id")
	}
	return w.toCharge(), nil
}

func decodePaymentIntent(raw []byte) (*PaymentIntent, error) {
	var w wirePaymentIntent
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	if w.ID == "" {
		return nil, fmt.Errorf("payment intent: missing id")
	}
	return w.toPaymentIntent(), nil
}

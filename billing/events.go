package billing

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the provider's event tag.
type EventType string

const (
	EventCheckoutCompleted       EventType = "checkout.session.completed"
	EventInvoicePaymentSucceeded EventType = "invoice.payment_succeeded"
	EventInvoicePaid             EventType = "invoice.paid"
	EventInvoicePaymentFailed    EventType = "invoice.payment_failed"
	EventSubscriptionUpdated     EventType = "customer.subscription.updated"
	EventSubscriptionDeleted     EventType = "customer.subscription.deleted"
	EventPaymentMethodAttached   EventType = "payment_method.attached"
	EventSetupIntentSucceeded    EventType = "setup_intent.succeeded"
	EventFraudWarningCreated     EventType = "radar.early_fraud_warning.created"
	EventReviewOpened            EventType = "review.opened"
	EventReviewClosed            EventType = "review.closed"
)

// Event is a verified, decoded provider event.
type Event interface {
	EventID() string
	Type() EventType
	Created() time.Time
}

// Envelope carries the fields every event shares.
type Envelope struct {
	ID        string    `json:"id"`
	EventType EventType `json:"type"`
	CreatedAt time.Time `json:"created"`
}

func (e Envelope) EventID() string    { return e.ID }
func (e Envelope) Type() EventType    { return e.EventType }
func (e Envelope) Created() time.Time { return e.CreatedAt }

// CheckoutCompleted is a finished checkout session.
type CheckoutCompleted struct {
	Envelope
	SessionID      string
	UserID         string
	CustomerID     string
	CustomerEmail  string
	SubscriptionID string
	Mode           string
}

// InvoicePaymentSucceeded is a collected invoice; invoice.paid decodes to it too.
type InvoicePaymentSucceeded struct {
	Envelope
	InvoiceID       string
	UserID          string
	CustomerID      string
	SubscriptionID  string
	BillingReason   string
	AmountPaid      int64
	Currency        string
	ChargeID        string
	PaymentIntentID string
	// PeriodStart and PeriodEnd come from the first line item and are nil
	// when the payload does not carry them.
	PeriodStart *time.Time
	PeriodEnd   *time.Time
}

// IsRenewal reports whether the invoice was raised by a billing cycle.
func (e *InvoicePaymentSucceeded) IsRenewal() bool {
	return e.BillingReason == "subscription_cycle" || e.BillingReason == "cycle"
}

// PaymentID returns the best available identifier for risk lookups.
func (e *InvoicePaymentSucceeded) PaymentID() string {
	if e.ChargeID != "" {
		return e.ChargeID
	}
	return e.PaymentIntentID
}

// InvoicePaymentFailed is a failed collection attempt.
type InvoicePaymentFailed struct {
	Envelope
	InvoiceID          string
	UserID             string
	CustomerID         string
	SubscriptionID     string
	AttemptCount       int64
	AmountDue          int64
	Currency           string
	NextPaymentAttempt *time.Time
}

// SubscriptionUpdated carries the provider's latest subscription state.
type SubscriptionUpdated struct {
	Envelope
	UserID       string
	Subscription ProviderSubscription
}

// SubscriptionDeleted reports that the provider ended a subscription.
type SubscriptionDeleted struct {
	Envelope
	UserID       string
	Subscription ProviderSubscription
}

// PaymentMethodAttached is informational.
type PaymentMethodAttached struct {
	Envelope
	PaymentMethodID string
	CustomerID      string
	UserID          string
	MethodType      string
}

// SetupIntentSucceeded is informational.
type SetupIntentSucceeded struct {
	Envelope
	SetupIntentID   string
	CustomerID      string
	UserID          string
	PaymentMethodID string
}

// FraudWarningCreated is an early fraud warning from the card network.
type FraudWarningCreated struct {
	Envelope
	WarningID       string
	ChargeID        string
	PaymentIntentID string
	FraudType       string
	Actionable      bool
}

// ReviewOpened is a payment placed in manual review.
type ReviewOpened struct {
	Envelope
	ReviewID        string
	ChargeID        string
	PaymentIntentID string
	Reason          string
}

// ReviewClosed is a manual review that has been resolved.
type ReviewClosed struct {
	Envelope
	ReviewID        string
	ChargeID        string
	PaymentIntentID string
	Reason          string
	ClosedReason    string
}

// Approved reports whether the reviewer let the payment through.
func (e *ReviewClosed) Approved() bool {
	return e.ClosedReason == "approved" || (e.ClosedReason == "" && e.Reason == "approved")
}

// UnknownEvent is any event type without a handler.
type UnknownEvent struct {
	Envelope
	Raw json.RawMessage
}

// ParseEvent decodes the data.object of a verified provider event into its
// typed variant. Unknown types are returned as *UnknownEvent, not as errors.
func ParseEvent(id string, typ EventType, created time.Time, object json.RawMessage) (Event, error) {
	env := Envelope{ID: id, EventType: typ, CreatedAt: created}
	if id == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}
	if len(object) == 0 {
		return nil, fmt.Errorf("%w: %s %s has no data object", ErrMalformedEvent, typ, id)
	}

	ev, err := parseObject(env, object)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrMalformedEvent, typ, id, err)
	}
	return ev, nil
}

func parseObject(env Envelope, object json.RawMessage) (Event, error) {
	switch env.EventType {
	case EventCheckoutCompleted:
		var w wireCheckoutSession
		if err := decodeObject(object, &w, &w.ID); err != nil {
			return nil, err
		}
		email := w.CustomerEmail
		if email == "" && w.CustomerDetails != nil {
			email = w.CustomerDetails.Email
		}
		return &CheckoutCompleted{
			Envelope:       env,
			SessionID:      w.ID,
			UserID:         firstNonEmpty(w.Metadata["user_id"], w.ClientReferenceID),
			CustomerID:     string(w.Customer),
			CustomerEmail:  email,
			SubscriptionID: string(w.Subscription),
			Mode:           w.Mode,
		}, nil

	case EventInvoicePaymentSucceeded, EventInvoicePaid:
		var w wireInvoice
		if err := decodeObject(object, &w, &w.ID); err != nil {
			return nil, err
		}
		start, end := w.period()
		return &InvoicePaymentSucceeded{
			Envelope:        env,
			InvoiceID:       w.ID,
			UserID:          invoiceUserID(&w),
			CustomerID:      string(w.Customer),
			SubscriptionID:  w.subscriptionID(),
			BillingReason:   w.BillingReason,
			AmountPaid:      w.AmountPaid,
			Currency:        w.Currency,
			ChargeID:        string(w.Charge),
			PaymentIntentID: string(w.PaymentIntent),
			PeriodStart:     start,
			PeriodEnd:       end,
		}, nil

	case EventInvoicePaymentFailed:
		var w wireInvoice
		if err := decodeObject(object, &w, &w.ID); err != nil {
			return nil, err
		}
		return &InvoicePaymentFailed{
			Envelope:           env,
			InvoiceID:          w.ID,
			UserID:             invoiceUserID(&w),
			CustomerID:         string(w.Customer),
			SubscriptionID:     w.subscriptionID(),
			AttemptCount:       w.AttemptCount,
			AmountDue:          w.AmountDue,
			Currency:           w.Currency,
			NextPaymentAttempt: unixTime(w.NextPaymentAttempt),
		}, nil

	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		var w wireSubscription
		if err := decodeObject(object, &w, &w.ID); err != nil {
			return nil, err
		}
		sub := *w.toProvider()
		if env.EventType == EventSubscriptionUpdated {
			return &SubscriptionUpdated{Envelope: env, UserID: sub.Metadata["user_id"], Subscription: sub}, nil
		}
		return &SubscriptionDeleted{Envelope: env, UserID: sub.Metadata["user_id"], Subscription: sub}, nil

	case EventPaymentMethodAttached:
		var w wirePaymentMethod
		if err := decodeObject(object, &w, &w.ID); err != nil {
			return nil, err
		}
		return &PaymentMethodAttached{
			Envelope:        env,
			PaymentMethodID: w.ID,
			CustomerID:      string(w.Customer),
			UserID:          w.Metadata["user_id"],
			MethodType:      w.Type,
		}, nil

	case EventSetupIntentSucceeded:
		var w wireSetupIntent
		if err := decodeObject(object, &w, &w.ID); err != nil {
			return nil, err
		}
		return &SetupIntentSucceeded{
			Envelope:        env,
			SetupIntentID:   w.ID,
			CustomerID:      string(w.Customer),
			UserID:          w.Metadata["user_id"],
			PaymentMethodID: string(w.PaymentMethod),
		}, nil

	case EventFraudWarningCreated:
		var w wireEarlyFraudWarning
		if err := decodeObject(object, &w, &w.ID); err != nil {
			return nil, err
		}
		return &FraudWarningCreated{
			Envelope:        env,
			WarningID:       w.ID,
			ChargeID:        string(w.Charge),
			PaymentIntentID: string(w.PaymentIntent),
			FraudType:       w.FraudType,
			Actionable:      w.Actionable,
		}, nil

	case EventReviewOpened:
		var w wireReview
		if err := decodeObject(object, &w, &w.ID); err != nil {
			return nil, err
		}
		return &ReviewOpened{
			Envelope:        env,
			ReviewID:        w.ID,
			ChargeID:        string(w.Charge),
			PaymentIntentID: string(w.PaymentIntent),
			Reason:          firstNonEmpty(w.OpenedReason, w.Reason),
		}, nil

	case EventReviewClosed:
		var w wireReview
		if err := decodeObject(object, &w, &w.ID); err != nil {
			return nil, err
		}
		return &ReviewClosed{
			Envelope:        env,
			ReviewID:        w.ID,
			ChargeID:        string(w.Charge),
			PaymentIntentID: string(w.PaymentIntent),
			Reason:          w.Reason,
			ClosedReason:    w.ClosedReason,
		}, nil

	default:
		return &UnknownEvent{Envelope: env, Raw: object}, nil
	}
}

// decodeObject unmarshals object into dst and requires a non-empty id.
func decodeObject(object json.RawMessage, dst any, id *string) error {
	if err := json.Unmarshal(object, dst); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("object has no id")
	}
	return nil
}

// invoiceUserID resolves the owning user from the invoice metadata, then the
// subscription details metadata.
func invoiceUserID(w *wireInvoice) string {
	if id := w.Metadata["user_id"]; id != "" {
		return id
	}
	return w.subscriptionMetadata()["user_id"]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/GoCodeAlone/billing-webhooks/billing"
)

// SignatureHeader carries the provider's HMAC signature.
const SignatureHeader = "Stripe-Signature"

// DefaultTolerance is how old a signed timestamp may be.
const DefaultTolerance = 300 * time.Second

// ErrVerifierUnavailable means no signing secret is configured.
var ErrVerifierUnavailable = errors.New("webhook: signing secret not configured")

// Verifier authenticates raw webhook payloads before anything is decoded.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a Verifier. A non-positive tolerance uses
// DefaultTolerance.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}
}

// Verify checks the signature header against the exact bytes received and
// only then decodes the envelope.
func (v *Verifier) Verify(payload []byte, header string) (stripe.Event, error) {
	var ev stripe.Event
	if v.secret == "" {
		return ev, ErrVerifierUnavailable
	}
	if header == "" {
		return ev, fmt.Errorf("%w: missing %s header", billing.ErrSignature, SignatureHeader)
	}
	if err := stripewebhook.ValidatePayloadWithTolerance(payload, header, v.secret, v.tolerance); err != nil {
		return ev, fmt.Errorf("%w: %v", billing.ErrSignature, err)
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", billing.ErrMalformedEvent, err)
	}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return ev, fmt.Errorf("%w: event %s has no data object", billing.ErrMalformedEvent, ev.ID)
	}
	return ev, nil
}

// Decode turns a verified envelope into its typed billing event.
func Decode(ev stripe.Event) (billing.Event, error) {
	var raw json.RawMessage
	if ev.Data != nil {
		raw = ev.Data.Raw
	}
	return billing.ParseEvent(ev.ID, billing.EventType(ev.Type), time.Unix(ev.Created, 0).UTC(), raw)
}

// decodePayload parses a stored, already verified payload.
func decodePayload(payload []byte) (billing.Event, error) {
	var ev stripe.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrMalformedEvent, err)
	}
	return Decode(ev)
}

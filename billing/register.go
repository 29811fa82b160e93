package billing

import (
	"context"
	"fmt"
)

// HandlerFunc handles one decoded event.
type HandlerFunc func(ctx context.Context, ev Event) error

// Registrar accepts event handlers by type.
type Registrar interface {
	Register(t EventType, h HandlerFunc)
}

// Register wires every supported event type to the state machine or the
// security responder.
func Register(r Registrar, sm *StateMachine, sec *SecurityResponder) {
	r.Register(EventCheckoutCompleted, typed(sm.HandleCheckoutCompleted))
	r.Register(EventInvoicePaymentSucceeded, typed(sm.HandleInvoicePaymentSucceeded))
	r.Register(EventInvoicePaid, typed(sm.HandleInvoicePaymentSucceeded))
	r.Register(EventInvoicePaymentFailed, typed(sm.HandleInvoicePaymentFailed))
	r.Register(EventSubscriptionUpdated, typed(sm.HandleSubscriptionUpdated))
	r.Register(EventSubscriptionDeleted, typed(sm.HandleSubscriptionDeleted))
	r.Register(EventPaymentMethodAttached, typed(sm.HandlePaymentMethodAttached))
	r.Register(EventSetupIntentSucceeded, typed(sm.HandleSetupIntentSucceeded))
	r.Register(EventFraudWarningCreated, typed(sec.HandleFraudWarning))
	r.Register(EventReviewOpened, typed(sec.HandleReviewOpened))
	r.Register(EventReviewClosed, typed(sec.HandleReviewClosed))
}

// typed adapts a variant-specific handler to HandlerFunc.
func typed[T Event](fn func(context.Context, T) error) HandlerFunc {
	return func(ctx context.Context, ev Event) error {
		v, ok := ev.(T)
		if !ok {
			return fmt.Errorf("%w: %s decoded as %T", ErrMalformedEvent, ev.Type(), ev)
		}
		return fn(ctx, v)
	}
}

package billing

import "errors"

// Handler error taxonomy. Only ErrSignature and ErrMalformedEvent are ever
// surfaced to the webhook caller; the rest are contained in the handler and
// mirrored to the audit and alert sinks.
var (
	// ErrSignature marks an untrusted payload.
	ErrSignature = errors.New("billing: invalid webhook signature")
	// ErrMalformedEvent marks a verified payload that cannot be decoded.
	ErrMalformedEvent = errors.New("billing: malformed event")
	// ErrMissingMetadata marks an event with no correlatable user id.
	ErrMissingMetadata = errors.New("billing: event has no user id")
	// ErrUpstreamLookup marks a failed payment provider enrichment call.
	ErrUpstreamLookup = errors.New("billing: upstream lookup failed")
	// ErrPersistence marks a failed read or write against persistence.
	ErrPersistence = errors.New("billing: persistence failure")
	// ErrNotification marks a failed e-mail send; always swallowed.
	ErrNotification = errors.New("billing: notification failed")
)

package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/billing-webhooks/alert"
	"github.com/GoCodeAlone/billing-webhooks/billing"
	"github.com/GoCodeAlone/billing-webhooks/tracing"
)

// ErrHandlerPanic wraps a recovered handler panic.
var ErrHandlerPanic = errors.New("webhook: handler panicked")

// Dispatch results reported to the Recorder.
const (
	ResultHandled = "handled"
	ResultFailed  = "failed"
	ResultIgnored = "ignored"
)

// Recorder observes webhook traffic, typically for metrics.
type Recorder interface {
	// ObserveRequest counts an inbound request by result, e.g. accepted,
	// duplicate, rejected or error.
	ObserveRequest(result string)
	// ObserveDispatch records one handler run.
	ObserveDispatch(eventType, result string, elapsed time.Duration)
}

// DispatcherDeps are the Dispatcher's optional collaborators.
type DispatcherDeps struct {
	DeadLetters *DeadLetterStore
	Alerts      alert.Sink
	Recorder    Recorder
	Tracer      *tracing.EventTracer
	Logger      *slog.Logger
	Retry       RetryConfig
}

// Dispatcher routes each decoded event to exactly one registered handler
// and contains whatever the handler does.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[billing.EventType]billing.HandlerFunc

	deadLetters *DeadLetterStore
	alerts      alert.Sink
	recorder    Recorder
	tracer      *tracing.EventTracer
	logger      *slog.Logger
	retryCfg    RetryConfig
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	d := &Dispatcher{
		handlers:    make(map[billing.EventType]billing.HandlerFunc),
		deadLetters: deps.DeadLetters,
		alerts:      deps.Alerts,
		recorder:    deps.Recorder,
		tracer:      deps.Tracer,
		logger:      deps.Logger,
		retryCfg:    deps.Retry.withDefaults(),
	}
	if d.alerts == nil {
		d.alerts = alert.Nop{}
	}
	if d.recorder == nil {
		d.recorder = nopRecorder{}
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// Register adds the handler for t. Registering a type twice panics.
func (d *Dispatcher) Register(t billing.EventType, h billing.HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[t]; exists {
		panic(fmt.Sprintf("webhook: handler for %s already registered", t))
	}
	d.handlers[t] = h
}

// Handles reports whether a handler is registered for t.
func (d *Dispatcher) Handles(t billing.EventType) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[t]
	return ok
}

// Dispatch runs the handler for ev. Failures and panics are logged, alerted
// and dead-lettered with payload, then returned for the caller's
// information; they never change the acknowledgment sent to the provider.
func (d *Dispatcher) Dispatch(ctx context.Context, ev billing.Event, payload []byte) error {
	eventType := string(ev.Type())
	if !d.Handles(ev.Type()) {
		d.logger.Info("no handler for event type; acknowledging", "event_id", ev.EventID(), "event_type", eventType)
		d.recorder.ObserveDispatch(eventType, ResultIgnored, 0)
		return nil
	}

	ctx, span := d.tracer.StartDispatch(ctx, ev.EventID(), eventType)
	start := time.Now()
	err := d.run(ctx, ev)
	elapsed := time.Since(start)
	tracing.End(span, err)

	if err == nil {
		d.logger.Info("event handled", "event_id", ev.EventID(), "event_type", eventType, "duration", elapsed)
		d.recorder.ObserveDispatch(eventType, ResultHandled, elapsed)
		return nil
	}

	d.logger.Error("event handler failed", "event_id", ev.EventID(), "event_type", eventType, "error", err)
	d.recorder.ObserveDispatch(eventType, ResultFailed, elapsed)
	fields := map[string]any{"event_id": ev.EventID(), "event_type": eventType}
	if id := d.deadLetter(ev, payload, err); id != "" {
		fields["dead_letter_id"] = id
	}
	d.alerts.CaptureError(ctx, err, fields)
	return err
}

// run calls the handler and converts a panic into an error.
func (d *Dispatcher) run(ctx context.Context, ev billing.Event) (err error) {
	d.mu.RLock()
	h, ok := d.handlers[ev.Type()]
	d.mu.RUnlock()
	if !ok {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic", "event_id", ev.EventID(), "event_type", ev.Type(), "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h(ctx, ev)
}

func (d *Dispatcher) deadLetter(ev billing.Event, payload []byte, err error) string {
	if d.deadLetters == nil || len(payload) == 0 {
		return ""
	}
	now := time.Now().UTC()
	entry := &DeadLetter{
		ID:          uuid.NewString(),
		EventID:     ev.EventID(),
		EventType:   string(ev.Type()),
		Payload:     append([]byte(nil), payload...),
		Status:      StatusDeadLetter,
		Attempts:    1,
		LastError:   err.Error(),
		CreatedAt:   now,
		LastAttempt: &now,
	}
	d.deadLetters.Add(entry)
	return entry.ID
}

type nopRecorder struct{}

func (nopRecorder) ObserveRequest(string)                         {}
func (nopRecorder) ObserveDispatch(string, string, time.Duration) {}

var _ billing.Registrar = (*Dispatcher)(nil)

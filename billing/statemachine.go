package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/billing-webhooks/alert"
	"github.com/GoCodeAlone/billing-webhooks/audit"
	"github.com/GoCodeAlone/billing-webhooks/notify"
	"github.com/GoCodeAlone/billing-webhooks/risk"
	"github.com/GoCodeAlone/billing-webhooks/store"
)

// DefaultUpgradeReminderDelay is how long after a downgrade the upgrade
// reminder is sent.
const DefaultUpgradeReminderDelay = 72 * time.Hour

// cancelRetryDelay is when a failed upstream cancel is first retried.
const cancelRetryDelay = time.Minute

type userGetter interface {
	GetUser(ctx context.Context, userID string) (*store.User, error)
}

// Persistence is the storage the billing core reads and writes.
type Persistence interface {
	store.BillingStore
	Enqueue(ctx context.Context, task *store.Task) error
}

// RiskAssessor scores payments and subscription histories.
type RiskAssessor interface {
	AssessPaymentRisk(ctx context.Context, paymentID, userID string, pc risk.PaymentContext) risk.Assessment
	AnalyzeCustomerPatterns(ctx context.Context, customerID string) risk.PatternAnalysis
}

// Recorder observes handler outcomes, typically for metrics.
type Recorder interface {
	ObserveTransition(eventType, outcome string)
}

// Transition outcomes reported to the Recorder.
const (
	OutcomeApplied = "applied"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Config tunes the state machine.
type Config struct {
	UpgradeReminderDelay time.Duration
	TaskMaxAttempts      int
}

// Deps are the state machine's collaborators.
type Deps struct {
	Store    Persistence
	Provider PaymentProvider
	Risk     RiskAssessor
	Notifier notify.Notifier
	Audit    audit.Sink
	Alerts   alert.Sink
	Recorder Recorder
	Logger   *slog.Logger
}

// StateMachine applies provider lifecycle events to subscriptions and users.
type StateMachine struct {
	cfg      Config
	store    Persistence
	provider PaymentProvider
	risk     RiskAssessor
	mail     *mailer
	audit    audit.Sink
	alerts   alert.Sink
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewStateMachine creates a StateMachine.
func NewStateMachine(cfg Config, deps Deps) *StateMachine {
	if cfg.UpgradeReminderDelay <= 0 {
		cfg.UpgradeReminderDelay = DefaultUpgradeReminderDelay
	}
	if cfg.TaskMaxAttempts <= 0 {
		cfg.TaskMaxAttempts = store.DefaultTaskMaxAttempts
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sm := &StateMachine{
		cfg:      cfg,
		store:    deps.Store,
		provider: deps.Provider,
		risk:     deps.Risk,
		audit:    deps.Audit,
		alerts:   deps.Alerts,
		recorder: deps.Recorder,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if sm.audit == nil {
		sm.audit = nopAudit{}
	}
	if sm.alerts == nil {
		sm.alerts = alert.Nop{}
	}
	sm.mail = &mailer{users: deps.Store, notifier: deps.Notifier, logger: logger}
	return sm
}

// ---------- CheckoutCompleted ----------

// HandleCheckoutCompleted activates the paid tier after a finished checkout.
func (sm *StateMachine) HandleCheckoutCompleted(ctx context.Context, ev *CheckoutCompleted) error {
	if ev.UserID == "" {
		return sm.skipMissingUser(ctx, ev)
	}
	if ev.SubscriptionID == "" {
		sm.logger.Info("checkout without subscription ignored", "event_id", ev.ID, "mode", ev.Mode, "user_id", ev.UserID)
		sm.observe(ev, OutcomeSkipped)
		return nil
	}

	upstream, err := sm.provider.GetSubscription(ctx, ev.SubscriptionID)
	if err != nil {
		return sm.fail(ctx, ev, ev.UserID, fmt.Errorf("%w: %v", ErrUpstreamLookup, err))
	}

	customerID := ev.CustomerID
	if customerID == "" {
		customerID = upstream.CustomerID
	}
	if sm.risk != nil && customerID != "" {
		patterns := sm.risk.AnalyzeCustomerPatterns(ctx, customerID)
		if patterns.Suspicious {
			fields := map[string]any{
				"event_id":     ev.ID,
				"customer_id":  customerID,
				"patterns":     patterns.Patterns,
				"risk_factors": patterns.RiskFactors,
			}
			sm.audit.LogSecurityEvent(ctx, "suspicious_subscription_pattern", ev.UserID, fields)
			sm.alerts.Alert(ctx, alert.SeverityWarning, "suspicious subscription pattern at checkout", fields)
		}
	}

	patch := store.SubscriptionPatch{
		Tier:                   store.Set(store.TierPaid),
		ExternalSubscriptionID: store.Set(upstream.ID),
		ExternalCustomerID:     store.Set(customerID),
		CurrentPeriodStart:     timeField(upstream.CurrentPeriodStart),
		CurrentPeriodEnd:       timeField(upstream.CurrentPeriodEnd),
		CancelAtPeriodEnd:      store.Set(upstream.CancelAtPeriodEnd),
	}
	if upstream.Trialing() {
		patch.Status = store.Set(store.StatusTrialing)
		patch.TrialEnd = store.Set(*upstream.TrialEnd)
	} else {
		patch.Status = store.Set(store.StatusActive)
		patch.TrialEnd = store.Null[time.Time]()
	}

	if err := sm.store.UpdateSubscription(ctx, ev.UserID, patch); err != nil {
		return sm.fail(ctx, ev, ev.UserID, fmt.Errorf("%w: update subscription: %v", ErrPersistence, err))
	}
	if err := sm.store.UpdateUser(ctx, ev.UserID, store.UserPatch{
		Tier:      store.Set(store.TierPaid),
		Onboarded: store.Set(true),
	}); err != nil {
		return sm.fail(ctx, ev, ev.UserID, fmt.Errorf("%w: update user: %v", ErrPersistence, err))
	}

	status, _ := patch.Status.Value()
	sm.succeed(ctx, ev, ev.UserID, map[string]any{
		"subscription_id": upstream.ID,
		"customer_id":     customerID,
		"status":          string(status),
	})
	return nil
}

// ---------- InvoicePaymentSucceeded ----------

// HandleInvoicePaymentSucceeded marks the subscription active and records the
// new billing period.
func (sm *StateMachine) HandleInvoicePaymentSucceeded(ctx context.Context, ev *InvoicePaymentSucceeded) error {
	if ev.UserID == "" {
		return sm.skipMissingUser(ctx, ev)
	}

	var assessment *risk.Assessment
	if sm.risk != nil {
		a := sm.risk.AssessPaymentRisk(ctx, ev.PaymentID(), ev.UserID, risk.PaymentContext{CustomerID: ev.CustomerID})
		assessment = &a
		if !a.Passed {
			sm.logger.Warn("paid invoice failed risk assessment",
				"event_id", ev.ID, "user_id", ev.UserID, "risk_level", a.Level, "risk_score", a.Score, "outcome", a.Outcome)
		}
	}

	current, err := sm.store.GetSubscription(ctx, ev.UserID)
	if errors.Is(err, store.ErrNotFound) {
		sm.logger.Info("invoice paid before checkout was recorded", "event_id", ev.ID, "user_id", ev.UserID)
		sm.observe(ev, OutcomeSkipped)
		return nil
	}
	if err != nil {
		return sm.fail(ctx, ev, ev.UserID, fmt.Errorf("%w: get subscription: %v", ErrPersistence, err))
	}
	if !ownsSubscription(current, ev.SubscriptionID) {
		sm.logger.Info("invoice for a subscription the user no longer holds",
			"event_id", ev.ID, "user_id", ev.UserID, "subscription_id", ev.SubscriptionID)
		sm.observe(ev, OutcomeSkipped)
		return nil
	}
	// A free-tier record keeps null period fields; a one-off invoice must not
	// reactivate it.
	if current.Tier == store.TierFree || current.ExternalSubscriptionID == nil {
		sm.logger.Info("invoice for a user without a paid subscription",
			"event_id", ev.ID, "user_id", ev.UserID, "invoice_id", ev.InvoiceID)
		sm.audit.LogPaymentEvent(ctx, string(ev.Type()), ev.UserID, true, nil, map[string]any{
			"event_id":   ev.ID,
			"invoice_id": ev.InvoiceID,
			"action":     "none_no_paid_subscription",
		})
		sm.observe(ev, OutcomeSkipped)
		return nil
	}

	// Period fields are only taken from invoices that name the stored
	// subscription.
	var start, end *time.Time
	if ev.SubscriptionID != "" {
		start, end = ev.PeriodStart, ev.PeriodEnd
	}
	if (start == nil || end == nil) && ev.SubscriptionID != "" {
		upstream, err := sm.provider.GetSubscription(ctx, ev.SubscriptionID)
		if err != nil {
			sm.logger.Warn("billing period lookup failed; recording status only",
				"event_id", ev.ID, "subscription_id", ev.SubscriptionID, "error", err)
		} else {
			start, end = upstream.CurrentPeriodStart, upstream.CurrentPeriodEnd
		}
	}

	patch := store.SubscriptionPatch{Status: store.Set(store.StatusActive)}
	if start != nil && end != nil {
		patch.CurrentPeriodStart = store.Set(*start)
		patch.CurrentPeriodEnd = store.Set(*end)
	}
	if err := sm.store.UpdateSubscription(ctx, ev.UserID, patch); err != nil {
		return sm.fail(ctx, ev, ev.UserID, fmt.Errorf("%w: update subscription: %v", ErrPersistence, err))
	}

	if ev.IsRenewal() {
		sm.mail.send(ctx, ev.UserID, notify.TemplatePaymentSucceeded, map[string]any{
			"amount":   formatAmount(ev.AmountPaid),
			"currency": ev.Currency,
		})
	}

	meta := map[string]any{
		"invoice_id":     ev.InvoiceID,
		"billing_reason": ev.BillingReason,
		"amount_paid":    ev.AmountPaid,
		"currency":       ev.Currency,
	}
	if assessment != nil {
		meta["risk_level"] = string(assessment.Level)
		meta["risk_score"] = assessment.Score
		meta["risk_passed"] = assessment.Passed
	}
	sm.succeed(ctx, ev, ev.UserID, meta)
	return nil
}

// ---------- InvoicePaymentFailed ----------

// HandleInvoicePaymentFailed applies the single-strike policy: downgrade at
// once, or mark the subscription past due.
func (sm *StateMachine) HandleInvoicePaymentFailed(ctx context.Context, ev *InvoicePaymentFailed) error {
	if ev.UserID == "" {
		return sm.skipMissingUser(ctx, ev)
	}

	var status store.Status
	current, err := sm.store.GetSubscription(ctx, ev.UserID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		current = nil
	case err != nil:
		return sm.fail(ctx, ev, ev.UserID, fmt.Errorf("%w: get subscription: %v", ErrPersistence, err))
	default:
		status = current.Status
	}

	if current != nil && current.Tier == store.TierFree && current.ExternalSubscriptionID == nil {
		sm.logger.Info("payment failure for an already downgraded user", "event_id", ev.ID, "user_id", ev.UserID)
		sm.audit.LogPaymentEvent(ctx, string(ev.Type()), ev.UserID, false, nil, map[string]any{
			"invoice_id":    ev.InvoiceID,
			"attempt_count": ev.AttemptCount,
			"action":        "none_already_free",
		})
		sm.observe(ev, OutcomeSkipped)
		return nil
	}
	// Deliveries arrive out of order: a late failure for a replaced
	// subscription must not downgrade the user or cancel the wrong one.
	if current != nil && !ownsSubscription(current, ev.SubscriptionID) {
		sm.logger.Info("payment failure for a subscription the user no longer holds",
			"event_id", ev.ID, "user_id", ev.UserID, "subscription_id", ev.SubscriptionID)
		sm.audit.LogPaymentEvent(ctx, string(ev.Type()), ev.UserID, false, nil, map[string]any{
			"invoice_id":      ev.InvoiceID,
			"subscription_id": ev.SubscriptionID,
			"attempt_count":   ev.AttemptCount,
			"action":          "none_foreign_subscription",
		})
		sm.observe(ev, OutcomeSkipped)
		return nil
	}

	meta := map[string]any{
		"invoice_id":      ev.InvoiceID,
		"subscription_id": ev.SubscriptionID,
		"attempt_count":   ev.AttemptCount,
		"previous_status": string(status),
	}

	if !ShouldDowngradeImmediately(status, ev.AttemptCount) {
		if err := sm.store.UpdateSubscription(ctx, ev.UserID, store.SubscriptionPatch{
			Status: store.Set(store.StatusPastDue),
		}); err != nil {
			return sm.fail(ctx, ev, ev.UserID, fmt.Errorf("%w: mark past due: %v", ErrPersistence, err))
		}
		meta["action"] = "past_due"
		sm.audit.LogPaymentEvent(ctx, string(ev.Type()), ev.UserID, false, nil, meta)
		sm.observe(ev, OutcomeApplied)
		return nil
	}

	subID := ev.SubscriptionID
	if subID == "" && current != nil && current.ExternalSubscriptionID != nil {
		subID = *current.ExternalSubscriptionID
	}
	if err := sm.downgrade(ctx, ev.UserID, subID, "payment_failed"); err != nil {
		return sm.fail(ctx, ev, ev.UserID, err)
	}

	sm.mail.send(ctx, ev.UserID, notify.TemplateSubscriptionDowngraded, map[string]any{
		"reason": "payment_failed",
	})
	meta["action"] = "downgraded"
	sm.audit.LogPaymentEvent(ctx, string(ev.Type()), ev.UserID, false, nil, meta)
	sm.observe(ev, OutcomeApplied)
	return nil
}

// downgrade moves the user to the free tier atomically with the reminder
// task, then cancels the upstream subscription. A failed cancel is handed to
// a durable retry task.
func (sm *StateMachine) downgrade(ctx context.Context, userID, subscriptionID, reason string) error {
	reminder, err := sm.newTask(store.TaskUpgradeReminder, userID, sm.now().Add(sm.cfg.UpgradeReminderDelay),
		map[string]string{"reason": reason})
	if err != nil {
		return err
	}
	if err := sm.store.Downgrade(ctx, userID, store.FreeTierPatch(),
		store.UserPatch{Tier: store.Set(store.TierFree)}, reminder); err != nil {
		return fmt.Errorf("%w: downgrade: %v", ErrPersistence, err)
	}

	if subscriptionID == "" {
		return nil
	}
	if err := sm.provider.CancelSubscription(ctx, subscriptionID); err != nil {
		sm.logger.Warn("upstream cancel failed; scheduling retry",
			"user_id", userID, "subscription_id", subscriptionID, "error", err)
		sm.scheduleCancel(ctx, userID, subscriptionID)
	}
	return nil
}

func (sm *StateMachine) scheduleCancel(ctx context.Context, userID, subscriptionID string) {
	task, err := sm.newTask(store.TaskCancelUpstreamSubscription, userID, sm.now().Add(cancelRetryDelay),
		CancelPayload{SubscriptionID: subscriptionID})
	if err == nil {
		err = sm.store.Enqueue(ctx, task)
	}
	if err != nil {
		sm.logger.Error("failed to schedule upstream cancel retry",
			"user_id", userID, "subscription_id", subscriptionID, "error", err)
		sm.alerts.CaptureError(ctx, fmt.Errorf("schedule upstream cancel: %w", err), map[string]any{
			"user_id":         userID,
			"subscription_id": subscriptionID,
		})
	}
}

// ---------- SubscriptionUpdated ----------

// HandleSubscriptionUpdated mirrors the provider's authoritative subscription
// fields as a plain overwrite. Three guards skip the write:
//   - a subscription id other than the stored one, so a late update for a
//     replaced subscription cannot overwrite the current record;
//   - a status with no stored equivalent, so the status column only ever
//     holds known values;
//   - a non-canceled status on a canceled record, so an out-of-order update
//     cannot undo a deletion that was already applied.
func (sm *StateMachine) HandleSubscriptionUpdated(ctx context.Context, ev *SubscriptionUpdated) error {
	if ev.UserID == "" {
		return sm.skipMissingUser(ctx, ev)
	}
	sub := ev.Subscription

	current, err := sm.store.GetSubscription(ctx, ev.UserID)
	if errors.Is(err, store.ErrNotFound) {
		sm.logger.Info("subscription update before checkout was recorded", "event_id", ev.ID, "user_id", ev.UserID)
		sm.observe(ev, OutcomeSkipped)
		return nil
	}
	if err != nil {
		return sm.fail(ctx, ev, ev.UserID, fmt.Errorf("%w: get subscription: %v", ErrPersistence, err))
	}
	if current.ExternalSubscriptionID == nil || *current.ExternalSubscriptionID != sub.ID {
		sm.logger.Info("update for a subscription the user no longer holds",
			"event_id", ev.ID, "user_id", ev.UserID, "subscription_id", sub.ID)
		sm.observe(ev, OutcomeSkipped)
		return nil
	}

	status, ok := MapStatus(sub.Status)
	if !ok {
		sm.logger.Warn("unknown subscription status", "event_id", ev.ID, "status", sub.Status)
		sm.observe(ev, OutcomeSkipped)
		return nil
	}
	if current.Status == store.StatusCanceled && status != store.StatusCanceled {
		sm.logger.Info("ignoring update that would revive a canceled subscription",
			"event_id", ev.ID, "user_id", ev.UserID, "status", sub.Status)
		sm.observe(ev, OutcomeSkipped)
		return nil
	}

	patch := store.SubscriptionPatch{
		Status:             store.Set(status),
		TrialEnd:           timeField(sub.TrialEnd),
		CurrentPeriodStart: timeField(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   timeField(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:  store.Set(sub.CancelAtPeriodEnd),
	}
	if err := sm.store.UpdateSubscription(ctx, ev.UserID, patch); err != nil {
		return sm.fail(ctx, ev, ev.UserID, fmt.Errorf("%w: update subscription: %v", ErrPersistence, err))
	}

	sm.succeed(ctx, ev, ev.UserID, map[string]any{
		"subscription_id":      sub.ID,
		"status":               sub.Status,
		"cancel_at_period_end": sub.CancelAtPeriodEnd,
	})
	return nil
}

// ---------- SubscriptionDeleted ----------

// HandleSubscriptionDeleted returns the user to the free tier. Re-applying it
// yields the same state.
func (sm *StateMachine) HandleSubscriptionDeleted(ctx context.Context, ev *SubscriptionDeleted) error {
	if ev.UserID == "" {
		return sm.skipMissingUser(ctx, ev)
	}

	current, err := sm.store.GetSubscription(ctx, ev.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return sm.fail(ctx, ev, ev.UserID, fmt.Errorf("%w: get subscription: %v", ErrPersistence, err))
	}
	if current != nil && current.ExternalSubscriptionID != nil && *current.ExternalSubscriptionID != ev.Subscription.ID {
		sm.logger.Info("deletion of a subscription the user no longer holds",
			"event_id", ev.ID, "user_id", ev.UserID, "subscription_id", ev.Subscription.ID)
		sm.observe(ev, OutcomeSkipped)
		return nil
	}

	if err := sm.store.Downgrade(ctx, ev.UserID, store.FreeTierPatch(),
		store.UserPatch{Tier: store.Set(store.TierFree)}); err != nil {
		return sm.fail(ctx, ev, ev.UserID, fmt.Errorf("%w: downgrade: %v", ErrPersistence, err))
	}
	sm.succeed(ctx, ev, ev.UserID, map[string]any{"subscription_id": ev.Subscription.ID})
	return nil
}

// ---------- Informational events ----------

// HandlePaymentMethodAttached logs the event; no state changes.
func (sm *StateMachine) HandlePaymentMethodAttached(_ context.Context, ev *PaymentMethodAttached) error {
	sm.logger.Info("payment method attached",
		"event_id", ev.ID, "payment_method_id", ev.PaymentMethodID, "customer_id", ev.CustomerID, "user_id", ev.UserID)
	sm.observe(ev, OutcomeSkipped)
	return nil
}

// HandleSetupIntentSucceeded logs the event; no state changes.
func (sm *StateMachine) HandleSetupIntentSucceeded(_ context.Context, ev *SetupIntentSucceeded) error {
	sm.logger.Info("setup intent succeeded",
		"event_id", ev.ID, "setup_intent_id", ev.SetupIntentID, "customer_id", ev.CustomerID, "user_id", ev.UserID)
	sm.observe(ev, OutcomeSkipped)
	return nil
}

// ---------- Durable task handlers ----------

// CancelPayload is the payload of a cancel_upstream_subscription task.
type CancelPayload struct {
	SubscriptionID string `json:"subscription_id"`
}

// RunUpgradeReminder sends the delayed upgrade reminder unless the user has
// upgraded again in the meantime.
func (sm *StateMachine) RunUpgradeReminder(ctx context.Context, task *store.Task) error {
	u, err := sm.store.GetUser(ctx, task.UserID)
	if err != nil {
		return fmt.Errorf("%w: get user %s: %v", ErrPersistence, task.UserID, err)
	}
	if u.Tier == store.TierPaid {
		sm.logger.Info("upgrade reminder skipped: user already paid", "user_id", task.UserID, "task_id", task.ID)
		return nil
	}
	return sm.mail.sendStrict(ctx, task.UserID, notify.TemplateUpgradeReminder, nil)
}

// RunCancelUpstream retries cancellation of a provider subscription.
func (sm *StateMachine) RunCancelUpstream(ctx context.Context, task *store.Task) error {
	var p CancelPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return fmt.Errorf("billing: decode cancel payload: %w", err)
	}
	if p.SubscriptionID == "" {
		return fmt.Errorf("billing: cancel task %s has no subscription id", task.ID)
	}
	if err := sm.provider.CancelSubscription(ctx, p.SubscriptionID); err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamLookup, err)
	}
	sm.logger.Info("upstream subscription canceled on retry", "subscription_id", p.SubscriptionID, "attempt", task.Attempts)
	return nil
}

// ---------- helpers ----------

func (sm *StateMachine) newTask(kind store.TaskKind, userID string, runAt time.Time, payload any) (*store.Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("billing: encode %s payload: %w", kind, err)
	}
	return &store.Task{
		Kind:        kind,
		UserID:      userID,
		Payload:     raw,
		RunAt:       runAt,
		MaxAttempts: sm.cfg.TaskMaxAttempts,
	}, nil
}

func (sm *StateMachine) skipMissingUser(ctx context.Context, ev Event) error {
	sm.logger.Warn("event has no user id; ignoring", "event_id", ev.EventID(), "event_type", ev.Type(), "error", ErrMissingMetadata)
	sm.audit.LogPaymentEvent(ctx, string(ev.Type()), "", false, ErrMissingMetadata, map[string]any{"event_id": ev.EventID()})
	sm.observe(ev, OutcomeSkipped)
	return nil
}

func (sm *StateMachine) fail(ctx context.Context, ev Event, userID string, err error) error {
	sm.audit.LogPaymentEvent(ctx, string(ev.Type()), userID, false, err, map[string]any{"event_id": ev.EventID()})
	sm.observe(ev, OutcomeFailed)
	return err
}

func (sm *StateMachine) succeed(ctx context.Context, ev Event, userID string, meta map[string]any) {
	meta["event_id"] = ev.EventID()
	sm.audit.LogPaymentEvent(ctx, string(ev.Type()), userID, true, nil, meta)
	sm.observe(ev, OutcomeApplied)
}

func (sm *StateMachine) observe(ev Event, outcome string) {
	if sm.recorder != nil {
		sm.recorder.ObserveTransition(string(ev.Type()), outcome)
	}
}

// ownsSubscription reports whether the stored record is linked to subID. An
// invoice with no subscription id is accepted.
func ownsSubscription(current *store.Subscription, subID string) bool {
	if subID == "" {
		return true
	}
	return current.ExternalSubscriptionID != nil && *current.ExternalSubscriptionID == subID
}

// timeField sets a nullable timestamp column from an optional value.
func timeField(t *time.Time) store.Field[time.Time] {
	if t == nil {
		return store.Null[time.Time]()
	}
	return store.Set(*t)
}

func formatAmount(minor int64) string {
	return fmt.Sprintf("%d.%02d", minor/100, minor%100)
}

type nopAudit struct{}

func (nopAudit) LogPaymentEvent(context.Context, string, string, bool, error, map[string]any) {}
func (nopAudit) LogSecurityEvent(context.Context, string, string, map[string]any)             {}

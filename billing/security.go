package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/billing-webhooks/alert"
	"github.com/GoCodeAlone/billing-webhooks/audit"
	"github.com/GoCodeAlone/billing-webhooks/notify"
	"github.com/GoCodeAlone/billing-webhooks/store"
)

// SuspensionReasonFraudWarning is stored on accounts suspended after an
// actionable early fraud warning.
const SuspensionReasonFraudWarning = "fraud_warning"

// SecurityDeps are the SecurityResponder's collaborators.
type SecurityDeps struct {
	Store    store.UserStore
	Provider PaymentProvider
	Notifier notify.Notifier
	Audit    audit.Sink
	Alerts   alert.Sink
	Recorder Recorder
	Logger   *slog.Logger
}

// SecurityResponder reacts to fraud warnings and manual reviews by
// suspending or restoring accounts.
type SecurityResponder struct {
	users    store.UserStore
	provider PaymentProvider
	mail     *mailer
	audit    audit.Sink
	alerts   alert.Sink
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewSecurityResponder creates a SecurityResponder.
func NewSecurityResponder(deps SecurityDeps) *SecurityResponder {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &SecurityResponder{
		users:    deps.Store,
		provider: deps.Provider,
		audit:    deps.Audit,
		alerts:   deps.Alerts,
		recorder: deps.Recorder,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if r.audit == nil {
		r.audit = nopAudit{}
	}
	if r.alerts == nil {
		r.alerts = alert.Nop{}
	}
	r.mail = &mailer{users: deps.Store, notifier: deps.Notifier, logger: logger}
	return r
}

// HandleFraudWarning records the warning and, when it is actionable,
// suspends the paying user. Suspension failures are logged and not returned.
func (r *SecurityResponder) HandleFraudWarning(ctx context.Context, ev *FraudWarningCreated) error {
	userID := r.resolveUser(ctx, ev.PaymentIntentID, ev.ChargeID)
	fields := map[string]any{
		"event_id":          ev.ID,
		"warning_id":        ev.WarningID,
		"charge_id":         ev.ChargeID,
		"payment_intent_id": ev.PaymentIntentID,
		"fraud_type":        ev.FraudType,
		"actionable":        ev.Actionable,
	}
	r.audit.LogSecurityEvent(ctx, string(ev.Type()), userID, fields)

	severity := alert.SeverityWarning
	if ev.Actionable {
		severity = alert.SeverityCritical
	}
	r.alerts.Alert(ctx, severity, "early fraud warning received", withUser(fields, userID))

	if !ev.Actionable || userID == "" {
		r.observe(ev, OutcomeSkipped)
		return nil
	}

	if err := r.users.UpdateUser(ctx, userID, store.UserPatch{
		AccountStatus:    store.Set(store.AccountSuspended),
		SuspensionReason: store.Set(SuspensionReasonFraudWarning),
		SuspendedAt:      store.Set(r.now()),
	}); err != nil {
		r.logger.Error("failed to suspend account after fraud warning",
			"event_id", ev.ID, "user_id", userID, "error", err)
		r.alerts.CaptureError(ctx, fmt.Errorf("%w: suspend %s: %v", ErrPersistence, userID, err), fields)
		r.observe(ev, OutcomeFailed)
		return nil
	}
	r.logger.Warn("account suspended after fraud warning", "event_id", ev.ID, "user_id", userID)
	r.mail.send(ctx, userID, notify.TemplateAccountSuspended, map[string]any{
		"reason": SuspensionReasonFraudWarning,
	})
	r.observe(ev, OutcomeApplied)
	return nil
}

// HandleReviewOpened records that a payment entered manual review.
func (r *SecurityResponder) HandleReviewOpened(ctx context.Context, ev *ReviewOpened) error {
	userID := r.resolveUser(ctx, ev.PaymentIntentID, ev.ChargeID)
	fields := map[string]any{
		"event_id":          ev.ID,
		"review_id":         ev.ReviewID,
		"charge_id":         ev.ChargeID,
		"payment_intent_id": ev.PaymentIntentID,
		"reason":            ev.Reason,
	}
	r.audit.LogSecurityEvent(ctx, string(ev.Type()), userID, fields)
	r.alerts.Alert(ctx, alert.SeverityWarning, "payment placed in manual review", withUser(fields, userID))
	r.observe(ev, OutcomeApplied)
	return nil
}

// HandleReviewClosed restores a suspended account when the review approved
// the payment. Any other resolution is recorded and leaves the account as is.
func (r *SecurityResponder) HandleReviewClosed(ctx context.Context, ev *ReviewClosed) error {
	userID := r.resolveUser(ctx, ev.PaymentIntentID, ev.ChargeID)
	fields := map[string]any{
		"event_id":          ev.ID,
		"review_id":         ev.ReviewID,
		"charge_id":         ev.ChargeID,
		"payment_intent_id": ev.PaymentIntentID,
		"reason":            ev.Reason,
		"closed_reason":     ev.ClosedReason,
	}

	if !ev.Approved() {
		r.audit.LogSecurityEvent(ctx, "review_closed_declined", userID, fields)
		r.alerts.Alert(ctx, alert.SeverityWarning, "manual review closed without approval", withUser(fields, userID))
		r.observe(ev, OutcomeSkipped)
		return nil
	}

	r.audit.LogSecurityEvent(ctx, "review_closed_approved", userID, fields)
	if userID == "" {
		r.observe(ev, OutcomeSkipped)
		return nil
	}
	u, err := r.users.GetUser(ctx, userID)
	if err != nil {
		r.logger.Error("failed to load user for review restore", "event_id", ev.ID, "user_id", userID, "error", err)
		r.observe(ev, OutcomeFailed)
		return nil
	}
	if u.AccountStatus != store.AccountSuspended {
		r.observe(ev, OutcomeSkipped)
		return nil
	}

	if err := r.users.UpdateUser(ctx, userID, store.UserPatch{
		AccountStatus:    store.Set(store.AccountActive),
		SuspensionReason: store.Null[string](),
		SuspendedAt:      store.Null[time.Time](),
	}); err != nil {
		r.logger.Error("failed to restore account after approved review",
			"event_id", ev.ID, "user_id", userID, "error", err)
		r.alerts.CaptureError(ctx, fmt.Errorf("%w: restore %s: %v", ErrPersistence, userID, err), fields)
		r.observe(ev, OutcomeFailed)
		return nil
	}
	r.logger.Info("account restored after approved review", "event_id", ev.ID, "user_id", userID)
	r.mail.send(ctx, userID, notify.TemplateAccountRestored, nil)
	r.observe(ev, OutcomeApplied)
	return nil
}

// resolveUser finds the user behind a payment: the payment intent's metadata
// first, then the charge's. Lookup failures resolve to no user.
func (r *SecurityResponder) resolveUser(ctx context.Context, paymentIntentID, chargeID string) string {
	if r.provider == nil {
		return ""
	}
	if chargeID != "" && paymentIntentID == "" {
		ch, err := r.provider.GetCharge(ctx, chargeID)
		if err != nil {
			r.logger.Warn("charge lookup failed", "charge_id", chargeID, "error", err)
			return ""
		}
		if uid := ch.Metadata["user_id"]; uid != "" {
			return uid
		}
		paymentIntentID = ch.PaymentIntentID
	}
	if paymentIntentID == "" {
		return ""
	}
	pi, err := r.provider.GetPaymentIntent(ctx, paymentIntentID)
	if err != nil {
		r.logger.Warn("payment intent lookup failed", "payment_intent_id", paymentIntentID, "error", err)
		return ""
	}
	if uid := pi.Metadata["user_id"]; uid != "" {
		return uid
	}
	if chargeID != "" {
		if ch, err := r.provider.GetCharge(ctx, chargeID); err == nil {
			return ch.Metadata["user_id"]
		}
	}
	return ""
}

func (r *SecurityResponder) observe(ev Event, outcome string) {
	if r.recorder != nil {
		r.recorder.ObserveTransition(string(ev.Type()), outcome)
	}
}

func withUser(fields map[string]any, userID string) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	if userID != "" {
		out["user_id"] = userID
	}
	return out
}

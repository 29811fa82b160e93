package billing

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/GoCodeAlone/billing-webhooks/alert"
	"github.com/GoCodeAlone/billing-webhooks/notify"
	"github.com/GoCodeAlone/billing-webhooks/risk"
	"github.com/GoCodeAlone/billing-webhooks/store"
)

// ---------------------------------------------------------------------------
// CheckoutCompleted
// ---------------------------------------------------------------------------

func TestCheckoutCompleted_Trialing(t *testing.T) {
	h := newHarness(t)
	h.store.PutUser(&store.User{ID: "u1", Email: "u1@example.com"})
	trialEnd := testNow.Add(14 * 24 * time.Hour)
	h.provider.AddSubscription(&ProviderSubscription{
		ID:                 "sub_1",
		CustomerID:         "cus_1",
		Status:             "trialing",
		TrialEnd:           &trialEnd,
		CurrentPeriodStart: ptrTime(testNow),
		CurrentPeriodEnd:   &trialEnd,
	})

	err := h.sm.HandleCheckoutCompleted(context.Background(), &CheckoutCompleted{
		Envelope:       env(EventCheckoutCompleted),
		UserID:         "u1",
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		Mode:           "subscription",
	})
	if err != nil {
		t.Fatalf("HandleCheckoutCompleted: %v", err)
	}

	sub := h.subscription(t, "u1")
	if sub.Tier != store.TierPaid || sub.Status != store.StatusTrialing {
		t.Errorf("tier/status = %s/%s, want paid/trialing", sub.Tier, sub.Status)
	}
	if sub.TrialEnd == nil || !sub.TrialEnd.Equal(trialEnd) {
		t.Errorf("trial end = %v, want %v", sub.TrialEnd, trialEnd)
	}
	if sub.ExternalSubscriptionID == nil || *sub.ExternalSubscriptionID != "sub_1" || sub.ExternalCustomerID != "cus_1" {
		t.Errorf("external ids not recorded: %+v", sub)
	}
	u := h.user(t, "u1")
	if u.Tier != store.TierPaid || !u.Onboarded {
		t.Errorf("user = %+v, want paid and onboarded", u)
	}
	if e, ok := h.audit.find("payment", string(EventCheckoutCompleted)); !ok || !e.success {
		t.Errorf("expected successful payment audit, got %+v", h.audit.entries)
	}
	if h.recorder.get(EventCheckoutCompleted, OutcomeApplied) != 1 {
		t.Error("expected applied transition to be recorded")
	}
}

func TestCheckoutCompleted_NoTrialClearsTrialEnd(t *testing.T) {
	h := newHarness(t)
	h.store.PutUser(&store.User{ID: "u1", Email: "u1@example.com"})
	stale := testNow.Add(-time.Hour)
	h.store.PutSubscription(&store.Subscription{UserID: "u1", Tier: store.TierFree, Status: store.StatusActive, TrialEnd: &stale})
	h.provider.AddSubscription(&ProviderSubscription{ID: "sub_1", CustomerID: "cus_1", Status: "active"})

	if err := h.sm.HandleCheckoutCompleted(context.Background(), &CheckoutCompleted{
		Envelope: env(EventCheckoutCompleted), UserID: "u1", SubscriptionID: "sub_1",
	}); err != nil {
		t.Fatalf("HandleCheckoutCompleted: %v", err)
	}

	sub := h.subscription(t, "u1")
	if sub.Status != store.StatusActive || sub.Tier != store.TierPaid {
		t.Errorf("tier/status = %s/%s, want paid/active", sub.Tier, sub.Status)
	}
	if sub.TrialEnd != nil {
		t.Errorf("trial end should be cleared, got %v", sub.TrialEnd)
	}
	if sub.ExternalCustomerID != "cus_1" {
		t.Errorf("customer id should fall back to the upstream subscription, got %q", sub.ExternalCustomerID)
	}
}

func TestCheckoutCompleted_SuspiciousPatternDoesNotBlock(t *testing.T) {
	h := newHarness(t)
	h.store.PutUser(&store.User{ID: "u1", Email: "u1@example.com"})
	h.provider.AddSubscription(&ProviderSubscription{ID: "sub_1", CustomerID: "cus_1", Status: "active"})
	h.risk.patterns = risk.PatternAnalysis{Suspicious: true, Patterns: []string{"subscription_abuse"}}

	if err := h.sm.HandleCheckoutCompleted(context.Background(), &CheckoutCompleted{
		Envelope: env(EventCheckoutCompleted), UserID: "u1", CustomerID: "cus_1", SubscriptionID: "sub_1",
	}); err != nil {
		t.Fatalf("HandleCheckoutCompleted: %v", err)
	}

	if h.subscription(t, "u1").Tier != store.TierPaid {
		t.Error("suspicious pattern must not block the upgrade")
	}
	if _, ok := h.audit.find("security", "suspicious_subscription_pattern"); !ok {
		t.Error("expected a security audit record")
	}
	if len(h.alerts.alerts) != 1 || h.alerts.alerts[0].severity != alert.SeverityWarning {
		t.Errorf("expected one warning alert, got %+v", h.alerts.alerts)
	}
	if !reflect.DeepEqual(h.risk.analyzedFor, []string{"cus_1"}) {
		t.Errorf("patterns analyzed for %v", h.risk.analyzedFor)
	}
}

func TestCheckoutCompleted_UpstreamLookupFails(t *testing.T) {
	h := newHarness(t)
	h.store.PutUser(&store.User{ID: "u1", Email: "u1@example.com"})
	h.provider.GetSubscriptionErr = errors.New("api unavailable")

	err := h.sm.HandleCheckoutCompleted(context.Background(), &CheckoutCompleted{
		Envelope: env(EventCheckoutCompleted), UserID: "u1", SubscriptionID: "sub_1",
	})
	if !errors.Is(err, ErrUpstreamLookup) {
		t.Fatalf("expected ErrUpstreamLookup, got %v", err)
	}
	if _, err := h.store.GetSubscription(context.Background(), "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("no subscription should be written when the lookup fails")
	}
	if e, ok := h.audit.find("payment", string(EventCheckoutCompleted)); !ok || e.success {
		t.Errorf("expected failed payment audit, got %+v", h.audit.entries)
	}
}

func TestHandlers_MissingUserIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	calls := []struct {
		name string
		run  func() error
	}{
		{"checkout", func() error {
			return h.sm.HandleCheckoutCompleted(ctx, &CheckoutCompleted{Envelope: env(EventCheckoutCompleted), SubscriptionID: "sub_1"})
		}},
		{"invoice_succeeded", func() error {
			return h.sm.HandleInvoicePaymentSucceeded(ctx, &InvoicePaymentSucceeded{Envelope: env(EventInvoicePaymentSucceeded)})
		}},
		{"invoice_failed", func() error {
			return h.sm.HandleInvoicePaymentFailed(ctx, &InvoicePaymentFailed{Envelope: env(EventInvoicePaymentFailed), AttemptCount: 1})
		}},
		{"subscription_updated", func() error {
			return h.sm.HandleSubscriptionUpdated(ctx, &SubscriptionUpdated{Envelope: env(EventSubscriptionUpdated)})
		}},
		{"subscription_deleted", func() error {
			return h.sm.HandleSubscriptionDeleted(ctx, &SubscriptionDeleted{Envelope: env(EventSubscriptionDeleted)})
		}},
	}
	for _, c := range calls {
		t.Run(c.name, func(t *testing.T) {
			if err := c.run(); err != nil {
				t.Errorf("expected nil, got %v", err)
			}
		})
	}
	if len(h.store.patches) != 0 || len(h.provider.Canceled) != 0 {
		t.Error("events without a user must not mutate anything")
	}
	for _, e := range h.audit.entries {
		if !errors.Is(e.err, ErrMissingMetadata) {
			t.Errorf("audit entry %s should carry ErrMissingMetadata, got %v", e.eventType, e.err)
		}
	}
}

// ---------------------------------------------------------------------------
// InvoicePaymentSucceeded
// ---------------------------------------------------------------------------

func TestInvoicePaymentSucceeded_RenewalActivatesAndEmails(t *testing.T) {
	h := newHarness(t)
	h.seedPaid("u1", "sub_1", store.StatusPastDue)
	start, end := testNow, testNow.Add(30*24*time.Hour)

	err := h.sm.HandleInvoicePaymentSucceeded(context.Background(), &InvoicePaymentSucceeded{
		Envelope:       env(EventInvoicePaymentSucceeded),
		InvoiceID:      "in_1",
		UserID:         "u1",
		SubscriptionID: "sub_1",
		BillingReason:  "subscription_cycle",
		AmountPaid:     1999,
		Currency:       "usd",
		ChargeID:       "ch_1",
		PeriodStart:    &start,
		PeriodEnd:      &end,
	})
	if err != nil {
		t.Fatalf("HandleInvoicePaymentSucceeded: %v", err)
	}

	sub := h.subscription(t, "u1")
	if sub.Status != store.StatusActive {
		t.Errorf("status = %s, want active", sub.Status)
	}
	if !sub.CurrentPeriodStart.Equal(start) || !sub.CurrentPeriodEnd.Equal(end) {
		t.Errorf("period = %v..%v, want %v..%v", sub.CurrentPeriodStart, sub.CurrentPeriodEnd, start, end)
	}
	if !reflect.DeepEqual(h.risk.assessed, []string{"ch_1"}) {
		t.Errorf("risk assessed for %v, want [ch_1]", h.risk.assessed)
	}
	if got := h.notifier.templates(); !reflect.DeepEqual(got, []string{notify.TemplatePaymentSucceeded}) {
		t.Errorf("emails = %v", got)
	}
	if h.notifier.sent[0].Data["amount"] != "19.99" {
		t.Errorf("amount = %v, want 19.99", h.notifier.sent[0].Data["amount"])
	}
}

func TestInvoicePaymentSucceeded_FirstInvoiceSendsNoEmail(t *testing.T) {
	h := newHarness(t)
	h.seedPaid("u1", "sub_1", store.StatusActive)

	if err := h.sm.HandleInvoicePaymentSucceeded(context.Background(), &InvoicePaymentSucceeded{
		Envelope: env(EventInvoicePaid), UserID: "u1", SubscriptionID: "sub_1",
		BillingReason: "subscription_create", PaymentIntentID: "pi_1",
		PeriodStart: ptrTime(testNow), PeriodEnd: ptrTime(testNow.Add(time.Hour)),
	}); err != nil {
		t.Fatalf("HandleInvoicePaymentSucceeded: %v", err)
	}
	if len(h.notifier.sent) != 0 {
		t.Errorf("no email expected for a first invoice, got %v", h.notifier.templates())
	}
	if !reflect.DeepEqual(h.risk.assessed, []string{"pi_1"}) {
		t.Errorf("risk assessed for %v, want [pi_1]", h.risk.assessed)
	}
}

func TestInvoicePaymentSucceeded_FetchesMissingPeriod(t *testing.T) {
	h := newHarness(t)
	h.seedPaid("u1", "sub_1", store.StatusActive)
	start, end := testNow.Add(time.Hour), testNow.Add(31*24*time.Hour)
	h.provider.AddSubscription(&ProviderSubscription{ID: "sub_1", Status: "active", CurrentPeriodStart: &start, CurrentPeriodEnd: &end})

	if err := h.sm.HandleInvoicePaymentSucceeded(context.Background(), &InvoicePaymentSucceeded{
		Envelope: env(EventInvoicePaymentSucceeded), UserID: "u1", SubscriptionID: "sub_1",
	}); err != nil {
		t.Fatalf("HandleInvoicePaymentSucceeded: %v", err)
	}
	sub := h.subscription(t, "u1")
	if !sub.CurrentPeriodStart.Equal(start) || !sub.CurrentPeriodEnd.Equal(end) {
		t.Errorf("period = %v..%v, want upstream %v..%v", sub.CurrentPeriodStart, sub.CurrentPeriodEnd, start, end)
	}
}

func TestInvoicePaymentSucceeded_ForeignSubscriptionIgnored(t *testing.T) {
	h := newHarness(t)
	h.seedPaid("u1", "sub_new", store.StatusPastDue)

	if err := h.sm.HandleInvoicePaymentSucceeded(context.Background(), &InvoicePaymentSucceeded{
		Envelope: env(EventInvoicePaymentSucceeded), UserID: "u1", SubscriptionID: "sub_old",
	}); err != nil {
		t.Fatalf("HandleInvoicePaymentSucceeded: %v", err)
	}
	if h.subscription(t, "u1").Status != store.StatusPastDue {
		t.Error("invoice for another subscription must not change status")
	}
	if h.recorder.get(EventInvoicePaymentSucceeded, OutcomeSkipped) != 1 {
		t.Error("expected skipped transition")
	}
}

func TestInvoicePaymentSucceeded_FreeUserKeepsNullPeriod(t *testing.T) {
	h := newHarness(t)
	h.store.PutUser(&store.User{ID: "u1", Email: "u1@example.com"})
	h.store.PutSubscription(&store.Subscription{UserID: "u1", Tier: store.TierFree, Status: store.StatusActive})

	if err := h.sm.HandleInvoicePaymentSucceeded(context.Background(), &InvoicePaymentSucceeded{
		Envelope: env(EventInvoicePaid), InvoiceID: "in_oneoff", UserID: "u1",
		PeriodStart: ptrTime(testNow), PeriodEnd: ptrTime(testNow.Add(time.Hour)),
	}); err != nil {
		t.Fatalf("HandleInvoicePaymentSucceeded: %v", err)
	}
	sub := h.subscription(t, "u1")
	if sub.Tier != store.TierFree || sub.CurrentPeriodStart != nil || sub.CurrentPeriodEnd != nil {
		t.Errorf("free tier must keep null period fields: %+v", sub)
	}
	if h.recorder.get(EventInvoicePaid, OutcomeSkipped) != 1 {
		t.Error("expected skipped transition")
	}
	if e, ok := h.audit.find("payment", string(EventInvoicePaid)); !ok || e.metadata["action"] != "none_no_paid_subscription" {
		t.Errorf("audit = %+v, %v", e, ok)
	}
}

func TestInvoicePaymentSucceeded_InvoiceWithoutSubscriptionKeepsPeriod(t *testing.T) {
	h := newHarness(t)
	h.seedPaid("u1", "sub_1", store.StatusPastDue)
	before := h.subscription(t, "u1")

	if err := h.sm.HandleInvoicePaymentSucceeded(context.Background(), &InvoicePaymentSucceeded{
		Envelope: env(EventInvoicePaymentSucceeded), UserID: "u1",
		PeriodStart: ptrTime(testNow.Add(48 * time.Hour)), PeriodEnd: ptrTime(testNow.Add(49 * time.Hour)),
	}); err != nil {
		t.Fatalf("HandleInvoicePaymentSucceeded: %v", err)
	}
	sub := h.subscription(t, "u1")
	if sub.Status != store.StatusActive {
		t.Errorf("status = %s, want active", sub.Status)
	}
	if !sub.CurrentPeriodStart.Equal(*before.CurrentPeriodStart) || !sub.CurrentPeriodEnd.Equal(*before.CurrentPeriodEnd) {
		t.Errorf("period changed to %v..%v by an invoice without a subscription", sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	}
}

func TestInvoicePaymentSucceeded_CountryMismatchFailsAssessment(t *testing.T) {
	h := newHarness(t)
	h.seedPaid("u1", "sub_1", store.StatusActive)
	h.provider.Charges["ch_1"] = &Charge{
		ID: "ch_1", RiskLevel: "normal", SellerMessage: "Payment complete.",
		CardCountry: "BR", BillingCountry: "DE",
	}
	src := RiskSource{Provider: h.provider}
	h.sm.risk = risk.NewAssessor(risk.DefaultConfig(), risk.Deps{
		Charges:   src,
		History:   src,
		Customers: h.store,
		Logger:    quietLogger(),
	})

	if err := h.sm.HandleInvoicePaymentSucceeded(context.Background(), &InvoicePaymentSucceeded{
		Envelope: env(EventInvoicePaymentSucceeded), InvoiceID: "in_1", UserID: "u1",
		SubscriptionID: "sub_1", ChargeID: "ch_1",
	}); err != nil {
		t.Fatalf("HandleInvoicePaymentSucceeded: %v", err)
	}
	e, ok := h.audit.find("payment", string(EventInvoicePaymentSucceeded))
	if !ok {
		t.Fatal("expected payment audit")
	}
	if e.metadata["risk_passed"] != false {
		t.Errorf("card BR with billing address DE should fail the assessment: %+v", e.metadata)
	}

	h.provider.Charges["ch_2"] = &Charge{ID: "ch_2", RiskLevel: "normal", CardCountry: "DE", BillingCountry: "DE"}
	h.audit.entries = nil
	if err := h.sm.HandleInvoicePaymentSucceeded(context.Background(), &InvoicePaymentSucceeded{
		Envelope: env(EventInvoicePaymentSucceeded), InvoiceID: "in_2", UserID: "u1",
		SubscriptionID: "sub_1", ChargeID: "ch_2",
	}); err != nil {
		t.Fatalf("HandleInvoicePaymentSucceeded: %v", err)
	}
	if e, _ := h.audit.find("payment", string(EventInvoicePaymentSucceeded)); e.metadata["risk_passed"] != true {
		t.Errorf("matching countries should pass: %+v", e.metadata)
	}
}

func TestInvoicePaymentSucceeded_PersistenceFailure(t *testing.T) {
	h := newHarness(t)
	h.seedPaid("u1", "sub_1", store.StatusActive)
	h.store.failAll = true

	err := h.sm.HandleInvoicePaymentSucceeded(context.Background(), &InvoicePaymentSucceeded{
		Envelope: env(EventInvoicePaymentSucceeded), UserID: "u1", SubscriptionID: "sub_1",
		PeriodStart: ptrTime(testNow), PeriodEnd: ptrTime(testNow),
	})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if h.recorder.get(EventInvoicePaymentSucceeded, OutcomeFailed) != 1 {
		t.Error("expected failed transition")
	}
}

// ---------------------------------------------------------------------------
// InvoicePaymentFailed
// ---------------------------------------------------------------------------

func assertFreeTier(t *testing.T, sub *store.Subscription) {
	t.Helper()
	if sub.Tier != store.TierFree || sub.Status != store.StatusActive {
		t.Errorf("tier/status = %s/%s, want free/active", sub.Tier, sub.Status)
	}
	if sub.ExternalSubscriptionID != nil || sub.TrialEnd != nil || sub.CurrentPeriodStart != nil || sub.CurrentPeriodEnd != nil {
		t.Errorf("provider-linked fields should be cleared: %+v", sub)
	}
	if sub.CancelAtPeriodEnd {
		t.Error("cancel_at_period_end should be false")
	}
}

func TestInvoicePaymentFailed_FirstAttemptDowngrades(t *testing.T) {
	h := newHarness(t)
	h.seedPaid("u1", "sub_1", store.StatusActive)

	err := h.sm.HandleInvoicePaymentFailed(context.Background(), &InvoicePaymentFailed{
		Envelope: env(EventInvoicePaymentFailed), InvoiceID: "in_1", UserID: "u1",
		SubscriptionID: "sub_1", AttemptCount: 1,
	})
	if err != nil {
		t.Fatalf("HandleInvoicePaymentFailed: %v", err)
	}

	assertFreeTier(t, h.subscription(t, "u1"))
	if h.user(t, "u1").Tier != store.TierFree {
		t.Error("user tier should mirror free")
	}
	if h.provider.CancelCalls("sub_1") != 1 {
		t.Errorf("upstream cancel calls = %d, want 1", h.provider.CancelCalls("sub_1"))
	}
	tasks := h.store.Tasks()
	if len(tasks) != 1 || tasks[0].Kind != store.TaskUpgradeReminder {
		t.Fatalf("tasks = %+v, want one upgrade reminder", tasks)
	}
	if want := testNow.Add(DefaultUpgradeReminderDelay); !tasks[0].RunAt.Equal(want) {
		t.Errorf("reminder at %v, want %v", tasks[0].RunAt, want)
	}
	if got := h.notifier.templates(); !reflect.DeepEqual(got, []string{notify.TemplateSubscriptionDowngraded}) {
		t.Errorf("emails = %v", got)
	}
	if e, ok := h.audit.find("payment", string(EventInvoicePaymentFailed)); !ok || e.metadata["action"] != "downgraded" {
		t.Errorf("expected downgrade audit, got %+v", h.audit.entries)
	}
}

func TestInvoicePaymentFailed_TrialingDowngradesOnAnyAttempt(t *testing.T) {
	h := newHarness(t)
	h.seedPaid("u1", "sub_1", store.StatusTrialing)

	if err := h.sm.HandleInvoicePaymentFailed(context.Background(), &InvoicePaymentFailed{
		Envelope: env(EventInvoicePaymentFailed), UserID: "u1", SubscriptionID: "sub_1", AttemptCount: 3,
	}); err != nil {
		t.Fatalf("HandleInvoicePaymentFailed: %v", err)
	}
	assertFreeTier(t, h.subscription(t, "u1"))
}

func TestInvoicePaymentFailed_LaterAttemptMarksPastDue(t *testing.T) {
	h := newHarness(t)
	h.seedPaid("u1", "sub_1", store.StatusActive)

	if err := h.sm.HandleInvoicePaymentFailed(context.Background(), &InvoicePaymentFailed{
		Envelope: env(EventInvoicePaymentFailed), UserID: "u1", SubscriptionID: "sub_1", AttemptCount: 2,
	}); err != nil {
		t.Fatalf("HandleInvoicePaymentFailed: %v", err)
	}

	sub := h.subscription(t, "u1")
	if sub.Status != store.StatusPastDue || sub.Tier != store.TierPaid {
		t.Errorf("tier/status = %s/%s, want paid/past_due", sub.Tier, sub.Status)
	}
	if len(h.provider.Canceled) != 0 {
		t.Error("no upstream cancel expected")
	}
	if len(h.store.Tasks()) != 0 || len(h.notifier.sent) != 0 {
		t.Error("no tasks or emails expected for past_due")
	}
	if e, ok := h.audit.find("payment", string(EventInvoicePaymentFailed)); !ok || e.metadata["action"] != "past_due" {
		t.Errorf("expected past_due audit, got %+v", h.audit.entries)
	}
}

func TestInvoicePaymentFailed_CancelFailureSchedulesRetry(t *testing.T) {
	h := newHarness(t)
	h.seedPaid("u1", "sub_1", store.StatusActive)
	h.provider.CancelSubscriptionErr = errors.New("api unavailable")

	if err := h.sm.HandleInvoicePaymentFailed(context.Background(), &InvoicePaymentFailed{
		Envelope: env(EventInvoicePaymentFailed), UserID: "u1", SubscriptionID: "sub_1", AttemptCount: 1,
	}); err != nil {
		t.Fatalf("HandleInvoicePaymentFailed: %v", err)
	}

	assertFreeTier(t, h.subscription(t, "u1"))
	var cancel *store.Task
	for _, task := range h.store.Tasks() {
		if task.Kind == store.TaskCancelUpstreamSubscription {
			cancel = task
		}
	}
	if cancel == nil {
		t.Fatal("expected a cancel retry task")
	}
	var p CancelPayload
	if err := json.Unmarshal(cancel.Payload, &p); err != nil || p.SubscriptionID != "sub_1" {
		t.Errorf("payload = %s (%v)", cancel.Payload, err)
	}
	if !cancel.RunAt.Equal(testNow.Add(cancelRetryDelay)) {
		t.Errorf("retry at %v", cancel.RunAt)
	}
}

func TestInvoicePaymentFailed_AlreadyFree(t *testing.T) {
	h := newHarness(t)
	h.store.PutUser(&store.User{ID: "u1", Email: "u1@example.com"})
	h.store.PutSubscription(&store.Subscription{UserID: "u1", Tier: store.TierFree, Status: store.StatusActive})

	if err := h.sm.HandleInvoicePaymentFailed(context.Background(), &InvoicePaymentFailed{
		Envelope: env(EventInvoicePaymentFailed), UserID: "u1", SubscriptionID: "sub_1", AttemptCount: 1,
	}); err != nil {
		t.Fatalf("HandleInvoicePaymentFailed: %v", err)
	}
	if len(h.provider.Canceled) != 0 || len(h.store.Tasks()) != 0 || len(h.notifier.sent) != 0 {
		t.Error("a user already on free must not be downgraded again")
	}
}

func TestInvoicePaymentFailed_ForeignSubscriptionIgnored(t *testing.T) {
	h := newHarness(t)
	h.seedPaid("u1", "sub_new", store.StatusActive)

	if err := h.sm.HandleInvoicePaymentFailed(context.Background(), &InvoicePaymentFailed{
		Envelope: env(EventInvoicePaymentFailed), InvoiceID: "in_old", UserID: "u1",
		SubscriptionID: "sub_old", AttemptCount: 1,
	}); err != nil {
		t.Fatalf("HandleInvoicePaymentFailed: %v", err)
	}

	sub := h.subscription(t, "u1")
	if sub.Tier != store.TierPaid || sub.ExternalSubscriptionID == nil || *sub.ExternalSubscriptionID != "sub_new" {
		t.Errorf("late failure for a replaced subscription changed the record: %+v", sub)
	}
	if h.user(t, "u1").Tier != store.TierPaid {
		t.Error("user must stay on paid")
	}
	if len(h.provider.Canceled) != 0 || len(h.store.Tasks()) != 0 || len(h.notifier.sent) != 0 {
		t.Errorf("no side effects expected: canceled=%v tasks=%d emails=%v",
			h.provider.Canceled, len(h.store.Tasks()), h.notifier.templates())
	}
	if e, ok := h.audit.find("payment", string(EventInvoicePaymentFailed)); !ok || e.metadata["action"] != "none_foreign_subscription" {
		t.Errorf("audit = %+v, %v", e, ok)
	}
	if h.recorder.get(EventInvoicePaymentFailed, OutcomeSkipped) != 1 {
		t.Error("expected skipped transition")
	}
}

func TestInvoicePaymentFailed_NotificationFailureIsSwallowed(t *testing.T) {
	h := newHarness(t)
	h.seedPaid("u1", "sub_1", store.StatusActive)
	h.notifier.err = errors.New("smtp down")

	if err := h.sm.HandleInvoicePaymentFailed(context.Background(), &InvoicePaymentFailed{
		Envelope: env(EventInvoicePaymentFailed), UserID: "u1", SubscriptionID: "sub_1", AttemptCount: 1,
	}); err != nil {
		t.Fatalf("notification failures must not fail the handler: %v", err)
	}
	assertFreeTier(t, h.subscription(t, "u1"))
}

// ---------------------------------------------------------------------------
// SubscriptionUpdated
// ---------------------------------------------------------------------------

func TestSubscriptionUpdated_WritesOnlyProviderFields(t *testing.T) {
	h := newHarness(t)
	h.seedPaid("u1", "sub_1", store.StatusActive)
	start, end := testNow.Add(time.Hour), testNow.Add(30*24*time.Hour)

	err := h.sm.HandleSubscriptionUpdated(context.Background(), &SubscriptionUpdated{
		Envelope: env(EventSubscriptionUpdated),
		UserID:   "u1",
		Subscription: ProviderSubscription{
			ID: "sub_1", CustomerID: "cus_other", Status: "past_due",
			CurrentPeriodStart: &start, CurrentPeriodEnd: &end, CancelAtPeriodEnd: true,
		},
	})
	if err != nil {
		t.Fatalf("HandleSubscriptionUpdated: %v", err)
	}

	if len(h.store.patches) != 1 {
		t.Fatalf("patches = %d, want 1", len(h.store.patches))
	}
	want := []string{"status", "trial_end", "current_period_start", "current_period_end", "cancel_at_period_end"}
	if got := h.store.patches[0].Fields(); !reflect.DeepEqual(got, want) {
		t.Errorf("fields = %v, want %v", got, want)
	}
	sub := h.subscription(t, "u1")
	if sub.Tier != store.TierPaid || sub.ExternalCustomerID != "cus_u1" {
		t.Errorf("fields outside the payload changed: %+v", sub)
	}
	if sub.Status != store.StatusPastDue || !sub.CancelAtPeriodEnd || !sub.CurrentPeriodEnd.Equal(end) {
		t.Errorf("payload fields not mirrored: %+v", sub)
	}
}

func TestSubscriptionUpdated_Guards(t *testing.T) {
	tests := []struct {
		name       string
		storedSub  string
		stored     store.Status
		payloadSub string
		payload    string
		wantStatus store.Status
	}{
		{"stale subscription id", "sub_new", store.StatusActive, "sub_old", "past_due", store.StatusActive},
		{"no regression from canceled", "sub_1", store.StatusCanceled, "sub_1", "active", store.StatusCanceled},
		{"canceled stays canceled", "sub_1", store.StatusCanceled, "sub_1", "canceled", store.StatusCanceled},
		{"unknown status ignored", "sub_1", store.StatusActive, "sub_1", "mystery", store.StatusActive},
		{"trialing mirrored", "sub_1", store.StatusActive, "sub_1", "trialing", store.StatusTrialing},
		{"unpaid maps to past_due", "sub_1", store.StatusActive, "sub_1", "unpaid", store.StatusPastDue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.seedPaid("u1", tt.storedSub, tt.stored)
			if err := h.sm.HandleSubscriptionUpdated(context.Background(), &SubscriptionUpdated{
				Envelope:     env(EventSubscriptionUpdated),
				UserID:       "u1",
				Subscription: ProviderSubscription{ID: tt.payloadSub, Status: tt.payload, TrialEnd: ptrTime(testNow)},
			}); err != nil {
				t.Fatalf("HandleSubscriptionUpdated: %v", err)
			}
			if got := h.subscription(t, "u1").Status; got != tt.wantStatus {
				t.Errorf("status = %s, want %s", got, tt.wantStatus)
			}
		})
	}
}

func TestSubscriptionUpdated_UnknownUserSkipped(t *testing.T) {
	h := newHarness(t)
	if err := h.sm.HandleSubscriptionUpdated(context.Background(), &SubscriptionUpdated{
		Envelope: env(EventSubscriptionUpdated), UserID: "ghost",
		Subscription: ProviderSubscription{ID: "sub_1", Status: "active"},
	}); err != nil {
		t.Fatalf("HandleSubscriptionUpdated: %v", err)
	}
	if len(h.store.patches) != 0 {
		t.Error("no write expected for an unknown subscription")
	}
}

// ---------------------------------------------------------------------------
// SubscriptionDeleted
// ---------------------------------------------------------------------------

func TestSubscriptionDeleted_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.seedPaid("u1", "sub_1", store.StatusActive)
	ev := &SubscriptionDeleted{
		Envelope:     env(EventSubscriptionDeleted),
		UserID:       "u1",
		Subscription: ProviderSubscription{ID: "sub_1", Status: "canceled"},
	}

	if err := h.sm.HandleSubscriptionDeleted(context.Background(), ev); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	first := h.subscription(t, "u1")
	assertFreeTier(t, first)

	if err := h.sm.HandleSubscriptionDeleted(context.Background(), ev); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	second := h.subscription(t, "u1")
	first.UpdatedAt, second.UpdatedAt = time.Time{}, time.Time{}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("state changed on replay:\n first=%+v\nsecond=%+v", first, second)
	}
	if h.user(t, "u1").Tier != store.TierFree {
		t.Error("user tier should be free")
	}
	if len(h.provider.Canceled) != 0 {
		t.Error("a provider-side deletion needs no upstream cancel")
	}
}

func TestSubscriptionDeleted_OtherSubscriptionIgnored(t *testing.T) {
	h := newHarness(t)
	h.seedPaid("u1", "sub_new", store.StatusActive)

	if err := h.sm.HandleSubscriptionDeleted(context.Background(), &SubscriptionDeleted{
		Envelope: env(EventSubscriptionDeleted), UserID: "u1",
		Subscription: ProviderSubscription{ID: "sub_old", Status: "canceled"},
	}); err != nil {
		t.Fatalf("HandleSubscriptionDeleted: %v", err)
	}
	if h.subscription(t, "u1").Tier != store.TierPaid {
		t.Error("deleting a replaced subscription must not downgrade the user")
	}
}

func TestSubscriptionDeleted_UnknownUserFails(t *testing.T) {
	h := newHarness(t)
	err := h.sm.HandleSubscriptionDeleted(context.Background(), &SubscriptionDeleted{
		Envelope: env(EventSubscriptionDeleted), UserID: "ghost",
		Subscription: ProviderSubscription{ID: "sub_1"},
	})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Informational events
// ---------------------------------------------------------------------------

func TestInformationalEventsChangeNothing(t *testing.T) {
	h := newHarness(t)
	h.seedPaid("u1", "sub_1", store.StatusActive)
	ctx := context.Background()

	if err := h.sm.HandlePaymentMethodAttached(ctx, &PaymentMethodAttached{Envelope: env(EventPaymentMethodAttached), UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if err := h.sm.HandleSetupIntentSucceeded(ctx, &SetupIntentSucceeded{Envelope: env(EventSetupIntentSucceeded), UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if len(h.store.patches) != 0 || len(h.audit.entries) != 0 {
		t.Error("informational events must not write")
	}
}

// ---------------------------------------------------------------------------
// Durable tasks
// ---------------------------------------------------------------------------

func TestRunUpgradeReminder(t *testing.T) {
	tests := []struct {
		name      string
		tier      store.Tier
		notifyErr error
		wantErr   bool
		wantSent  int
	}{
		{"free user is reminded", store.TierFree, nil, false, 1},
		{"paid user is skipped", store.TierPaid, nil, false, 0},
		{"delivery failure is retried", store.TierFree, errors.New("nats down"), true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.store.PutUser(&store.User{ID: "u1", Email: "u1@example.com", Tier: tt.tier})
			h.notifier.err = tt.notifyErr

			err := h.sm.RunUpgradeReminder(context.Background(), &store.Task{ID: "t1", Kind: store.TaskUpgradeReminder, UserID: "u1"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrNotification) {
				t.Errorf("expected ErrNotification, got %v", err)
			}
			if len(h.notifier.sent) != tt.wantSent {
				t.Errorf("sent = %d, want %d", len(h.notifier.sent), tt.wantSent)
			}
			if tt.wantSent == 1 && h.notifier.sent[0].Template != notify.TemplateUpgradeReminder {
				t.Errorf("template = %s", h.notifier.sent[0].Template)
			}
		})
	}
}

func TestRunCancelUpstream(t *testing.T) {
	h := newHarness(t)
	payload, _ := json.Marshal(CancelPayload{SubscriptionID: "sub_1"})
	task := &store.Task{ID: "t1", Kind: store.TaskCancelUpstreamSubscription, Payload: payload, Attempts: 2}

	if err := h.sm.RunCancelUpstream(context.Background(), task); err != nil {
		t.Fatalf("RunCancelUpstream: %v", err)
	}
	if h.provider.CancelCalls("sub_1") != 1 {
		t.Error("expected one cancel call")
	}

	h.provider.CancelSubscriptionErr = errors.New("timeout")
	if err := h.sm.RunCancelUpstream(context.Background(), task); !errors.Is(err, ErrUpstreamLookup) {
		t.Errorf("expected ErrUpstreamLookup, got %v", err)
	}
	if err := h.sm.RunCancelUpstream(context.Background(), &store.Task{ID: "t2", Payload: []byte(`{}`)}); err == nil {
		t.Error("expected error for a task without subscription id")
	}
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

type mapRegistrar map[EventType]HandlerFunc

func (m mapRegistrar) Register(t EventType, h HandlerFunc) { m[t] = h }

func TestRegister_CoversEveryEventType(t *testing.T) {
	h := newHarness(t)
	reg := mapRegistrar{}
	Register(reg, h.sm, h.sec)

	for _, typ := range []EventType{
		EventCheckoutCompleted, EventInvoicePaymentSucceeded, EventInvoicePaid,
		EventInvoicePaymentFailed, EventSubscriptionUpdated, EventSubscriptionDeleted,
		EventPaymentMethodAttached, EventSetupIntentSucceeded, EventFraudWarningCreated,
		EventReviewOpened, EventReviewClosed,
	} {
		if reg[typ] == nil {
			t.Errorf("no handler for %s", typ)
		}
	}

	err := reg[EventCheckoutCompleted](context.Background(), &ReviewOpened{Envelope: env(EventCheckoutCompleted)})
	if !errors.Is(err, ErrMalformedEvent) {
		t.Errorf("mismatched variant should be ErrMalformedEvent, got %v", err)
	}
}

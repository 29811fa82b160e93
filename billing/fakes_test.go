package billing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/billing-webhooks/alert"
	"github.com/GoCodeAlone/billing-webhooks/notify"
	"github.com/GoCodeAlone/billing-webhooks/risk"
	"github.com/GoCodeAlone/billing-webhooks/store"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type auditEntry struct {
	category  string
	eventType string
	userID    string
	success   bool
	err       error
	metadata  map[string]any
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []auditEntry
}

func (a *recordingAudit) LogPaymentEvent(_ context.Context, eventType, userID string, success bool, err error, metadata map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, auditEntry{"payment", eventType, userID, success, err, metadata})
}

func (a *recordingAudit) LogSecurityEvent(_ context.Context, eventType, userID string, metadata map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, auditEntry{"security", eventType, userID, true, nil, metadata})
}

func (a *recordingAudit) find(category, eventType string) (auditEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.entries {
		if e.category == category && e.eventType == eventType {
			return e, true
		}
	}
	return auditEntry{}, false
}

type sentAlert struct {
	severity alert.Severity
	message  string
	fields   map[string]any
}

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []sentAlert
	errs   []error
}

func (r *recordingAlerts) Alert(_ context.Context, severity alert.Severity, message string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, sentAlert{severity, message, fields})
}

func (r *recordingAlerts) CaptureError(_ context.Context, err error, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Email
	err  error
}

func (n *recordingNotifier) SendEmail(_ context.Context, email notify.Email) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, email)
	return nil
}

func (n *recordingNotifier) templates() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sent))
	for i, e := range n.sent {
		out[i] = e.Template
	}
	return out
}

type fakeRisk struct {
	mu          sync.Mutex
	assessment  risk.Assessment
	patterns    risk.PatternAnalysis
	assessed    []string
	analyzedFor []string
}

func (f *fakeRisk) AssessPaymentRisk(_ context.Context, paymentID, _ string, _ risk.PaymentContext) risk.Assessment {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assessed = append(f.assessed, paymentID)
	a := f.assessment
	a.PaymentID = paymentID
	return a
}

func (f *fakeRisk) AnalyzeCustomerPatterns(_ context.Context, customerID string) risk.PatternAnalysis {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzedFor = append(f.analyzedFor, customerID)
	return f.patterns
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingRecorder) ObserveTransition(eventType, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[eventType+"/"+outcome]++
}

func (c *countingRecorder) get(eventType EventType, outcome string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[string(eventType)+"/"+outcome]
}

// patchSpy records every subscription patch before handing it to the store.
type patchSpy struct {
	*store.MemoryStore
	mu      sync.Mutex
	patches []store.SubscriptionPatch
	failAll bool
}

func (p *patchSpy) UpdateSubscription(ctx context.Context, userID string, patch store.SubscriptionPatch) error {
	if p.failAll {
		return errors.New("connection refused")
	}
	p.mu.Lock()
	p.patches = append(p.patches, patch)
	p.mu.Unlock()
	return p.MemoryStore.UpdateSubscription(ctx, userID, patch)
}

func (p *patchSpy) Downgrade(ctx context.Context, userID string, sub store.SubscriptionPatch, user store.UserPatch, tasks ...*store.Task) error {
	if p.failAll {
		return errors.New("connection refused")
	}
	return p.MemoryStore.Downgrade(ctx, userID, sub, user, tasks...)
}

type harness struct {
	store    *patchSpy
	provider *MockProvider
	risk     *fakeRisk
	notifier *recordingNotifier
	audit    *recordingAudit
	alerts   *recordingAlerts
	recorder *countingRecorder
	sm       *StateMachine
	sec      *SecurityResponder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    &patchSpy{MemoryStore: store.NewMemoryStore()},
		provider: NewMockProvider(),
		risk:     &fakeRisk{assessment: risk.Assessment{Level: risk.LevelLow, Score: 20, Outcome: risk.OutcomeAllowed, Passed: true}},
		notifier: &recordingNotifier{},
		audit:    &recordingAudit{},
		alerts:   &recordingAlerts{},
		recorder: &countingRecorder{},
	}
	h.sm = NewStateMachine(Config{}, Deps{
		Store:    h.store,
		Provider: h.provider,
		Risk:     h.risk,
		Notifier: h.notifier,
		Audit:    h.audit,
		Alerts:   h.alerts,
		Recorder: h.recorder,
		Logger:   quietLogger(),
	})
	h.sm.now = func() time.Time { return testNow }
	h.sec = NewSecurityResponder(SecurityDeps{
		Store:    h.store,
		Provider: h.provider,
		Notifier: h.notifier,
		Audit:    h.audit,
		Alerts:   h.alerts,
		Recorder: h.recorder,
		Logger:   quietLogger(),
	})
	h.sec.now = func() time.Time { return testNow }
	return h
}

// seedPaid stores a user on the paid tier linked to subscription subID.
func (h *harness) seedPaid(userID, subID string, status store.Status) {
	h.store.PutUser(&store.User{ID: userID, Email: userID + "@example.com", Tier: store.TierPaid, Onboarded: true})
	start, end := testNow.Add(-24*time.Hour), testNow.Add(29*24*time.Hour)
	sub := &store.Subscription{
		UserID:                 userID,
		Tier:                   store.TierPaid,
		Status:                 status,
		ExternalSubscriptionID: &subID,
		ExternalCustomerID:     "cus_" + userID,
		CurrentPeriodStart:     &start,
		CurrentPeriodEnd:       &end,
	}
	if status == store.StatusTrialing {
		te := testNow.Add(7 * 24 * time.Hour)
		sub.TrialEnd = &te
	}
	h.store.PutSubscription(sub)
}

func (h *harness) subscription(t *testing.T, userID string) *store.Subscription {
	t.Helper()
	sub, err := h.store.GetSubscription(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetSubscription(%s): %v", userID, err)
	}
	return sub
}

func (h *harness) user(t *testing.T, userID string) *store.User {
	t.Helper()
	u, err := h.store.GetUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetUser(%s): %v", userID, err)
	}
	return u
}

func env(typ EventType) Envelope {
	return Envelope{ID: "evt_" + string(typ), EventType: typ, CreatedAt: testNow}
}

func ptrTime(t time.Time) *time.Time { return &t }

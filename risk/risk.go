// Package risk scores payment attempts for fraud risk.
//
// An assessment combines provider-supplied signals (Radar risk level, score and
// seller message) with locally computed heuristics: subscription churn patterns,
// attempt velocity, geolocation consistency and device-fingerprint consistency.
// Any internal failure produces a fail-safe assessment that never passes.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/GoCodeAlone/billing-webhooks/alert"
	"github.com/GoCodeAlone/billing-webhooks/audit"
	"github.com/GoCodeAlone/billing-webhooks/store"
)

// Level is the internal four-step risk scale.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelVeryHigh Level = "very_high"
)

// Outcome is the gating decision derived from the provider's seller message.
type Outcome string

const (
	OutcomeAllowed      Outcome = "allowed"
	OutcomeManualReview Outcome = "manual_review"
	OutcomeBlocked      Outcome = "blocked"
)

// MaxPassingScore is the highest score that can still pass.
const MaxPassingScore = 80

const (
	suspiciousPatternPenalty = 15
	velocityPenalty          = 20
)

// Signals are the provider's own risk evaluation of a charge.
type Signals struct {
	RiskLevel     string
	RiskScore     *int
	SellerMessage string
	// CardCountry is the issuing country of the card; BillingCountry is the
	// country of the billing address on the charge.
	CardCountry    string
	BillingCountry string
}

// PaymentContext carries request-side facts about a payment attempt.
type PaymentContext struct {
	// Signals, when nil, are loaded from the provider by payment id.
	Signals           *Signals
	CustomerID        string
	IP                string
	IPCountry         string
	CardCountry       string
	DeviceFingerprint string
}

// Checks are the supplementary boolean checks; all must hold to pass.
type Checks struct {
	Velocity    bool `json:"velocity"`
	Geolocation bool `json:"geolocation"`
	Device      bool `json:"device"`
}

// All reports whether every supplementary check passed.
func (c Checks) All() bool { return c.Velocity && c.Geolocation && c.Device }

// Assessment is the transient result of scoring one payment attempt.
type Assessment struct {
	PaymentID       string   `json:"payment_id,omitempty"`
	UserID          string   `json:"user_id,omitempty"`
	Level           Level    `json:"level"`
	Score           int      `json:"score"`
	Outcome         Outcome  `json:"outcome"`
	Passed          bool     `json:"passed"`
	Checks          Checks   `json:"checks"`
	Reasons         []string `json:"reasons"`
	Recommendations []string `json:"recommendations"`
}

// ChargeSource loads the provider's risk signals for a charge.
type ChargeSource interface {
	ChargeSignals(ctx context.Context, chargeID string) (Signals, error)
}

// SubscriptionSummary is one entry of a customer's subscription history.
type SubscriptionSummary struct {
	ID     string
	Status string
}

// HistorySource lists every subscription a customer has ever had.
type HistorySource interface {
	CustomerSubscriptions(ctx context.Context, customerID string) ([]SubscriptionSummary, error)
}

// CustomerResolver maps a user to their stored subscription record.
type CustomerResolver interface {
	GetSubscription(ctx context.Context, userID string) (*store.Subscription, error)
}

// Recorder observes finished assessments, typically for metrics.
type Recorder interface {
	ObserveAssessment(level, outcome string, passed bool)
}

// Config tunes an Assessor.
type Config struct {
	VelocityWindow time.Duration
	VelocityLimit  int64
}

// DefaultConfig returns the standard velocity policy.
func DefaultConfig() Config {
	return Config{VelocityWindow: DefaultVelocityWindow, VelocityLimit: DefaultVelocityLimit}
}

// Deps are the collaborators an Assessor reads from and reports to.
type Deps struct {
	Charges   ChargeSource
	History   HistorySource
	Customers CustomerResolver
	Attempts  AttemptStore
	Audit     audit.Sink
	Alerts    alert.Sink
	Recorder  Recorder
	Logger    *slog.Logger
}

// Assessor scores payment attempts. It is safe for concurrent use.
type Assessor struct {
	cfg       Config
	charges   ChargeSource
	history   HistorySource
	customers CustomerResolver
	attempts  AttemptStore
	audit     audit.Sink
	alerts    alert.Sink
	recorder  Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewAssessor creates an Assessor. Missing attempt storage falls back to an
// in-memory store; missing sinks discard.
func NewAssessor(cfg Config, deps Deps) *Assessor {
	if cfg.VelocityWindow <= 0 {
		cfg.VelocityWindow = DefaultVelocityWindow
	}
	if cfg.VelocityLimit <= 0 {
		cfg.VelocityLimit = DefaultVelocityLimit
	}
	a := &Assessor{
		cfg:       cfg,
		charges:   deps.Charges,
		history:   deps.History,
		customers: deps.Customers,
		attempts:  deps.Attempts,
		audit:     deps.Audit,
		alerts:    deps.Alerts,
		recorder:  deps.Recorder,
		logger:    deps.Logger,
		now:       time.Now,
	}
	if a.attempts == nil {
		a.attempts = NewMemoryAttemptStore()
	}
	if a.audit == nil {
		a.audit = nopAudit{}
	}
	if a.alerts == nil {
		a.alerts = alert.Nop{}
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// AssessPaymentRisk scores one payment attempt. It never returns an error:
// failures and panics yield FailSafe.
func (a *Assessor) AssessPaymentRisk(ctx context.Context, paymentID, userID string, pc PaymentContext) (result Assessment) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("risk: panic during assessment: %v", r)
			a.logger.Error("risk assessment panicked", "payment_id", paymentID, "user_id", userID, "error", err)
			result = FailSafe(paymentID, userID, err)
		}
		a.report(ctx, result)
	}()

	res, err := a.assess(ctx, paymentID, userID, pc)
	if err != nil {
		a.logger.Error("risk assessment failed", "payment_id", paymentID, "user_id", userID, "error", err)
		return FailSafe(paymentID, userID, err)
	}
	return res
}

func (a *Assessor) assess(ctx context.Context, paymentID, userID string, pc PaymentContext) (Assessment, error) {
	res := Assessment{
		PaymentID:       paymentID,
		UserID:          userID,
		Reasons:         []string{},
		Recommendations: []string{},
	}

	signals, err := a.signals(ctx, paymentID, pc)
	if err != nil {
		return Assessment{}, err
	}

	res.Level = MapRiskLevel(signals.RiskLevel)
	res.Outcome = MapOutcome(signals.SellerMessage)
	if signals.RiskScore != nil {
		res.Score = *signals.RiskScore
	} else {
		res.Score = DefaultScore(res.Level)
	}
	if signals.RiskLevel != "" {
		res.Reasons = append(res.Reasons, "provider risk level: "+signals.RiskLevel)
	}
	if signals.SellerMessage != "" && res.Outcome != OutcomeAllowed {
		res.Reasons = append(res.Reasons, "provider outcome: "+signals.SellerMessage)
	}

	if userID != "" {
		var patterns PatternAnalysis
		if pc.CustomerID != "" {
			patterns = a.AnalyzeCustomerPatterns(ctx, pc.CustomerID)
		} else {
			patterns = a.AnalyzeSubscriptionPatterns(ctx, userID)
		}
		if patterns.Suspicious {
			res.Score += suspiciousPatternPenalty
			res.Reasons = append(res.Reasons, patterns.Patterns...)
		}
	}

	window := a.cfg.VelocityWindow
	if window <= 0 {
		window = DefaultVelocityWindow
	}
	count, err := a.countAttempts(ctx, userID, pc.IP, window)
	if err != nil {
		return Assessment{}, fmt.Errorf("risk: velocity check: %w", err)
	}
	velocity := a.velocityResult(count, window)
	res.Checks.Velocity = !velocity.Exceeded
	if velocity.Exceeded {
		res.Score += velocityPenalty
		res.Reasons = append(res.Reasons, fmt.Sprintf("velocity limit exceeded: %d attempts", velocity.Count))
		res.Recommendations = append(res.Recommendations, velocity.Recommendations...)
	}

	card := pc.CardCountry
	if card == "" {
		card = signals.CardCountry
	}
	ipOK := geolocationConsistent(pc.IPCountry, card)
	billingOK := geolocationConsistent(signals.BillingCountry, card)
	res.Checks.Geolocation = ipOK && billingOK
	if !ipOK {
		res.Reasons = append(res.Reasons, fmt.Sprintf("geolocation mismatch: ip %s, card %s", pc.IPCountry, card))
	}
	if !billingOK {
		res.Reasons = append(res.Reasons, fmt.Sprintf("geolocation mismatch: billing address %s, card %s", signals.BillingCountry, card))
	}
	if !res.Checks.Geolocation {
		res.Recommendations = append(res.Recommendations, "verify billing address with the customer")
	}

	res.Checks.Device, err = a.checkDevice(ctx, userID, pc.DeviceFingerprint)
	if err != nil {
		return Assessment{}, fmt.Errorf("risk: device check: %w", err)
	}
	if !res.Checks.Device {
		res.Reasons = append(res.Reasons, "unrecognized device fingerprint")
		res.Recommendations = append(res.Recommendations, "require additional authentication for new devices")
	}

	a.recordAttempt(ctx, userID, pc.IP)

	if res.Score > 100 {
		res.Score = 100
	}
	if res.Score < 0 {
		res.Score = 0
	}
	res.Passed = Passed(res.Outcome, res.Level, res.Score, res.Checks)
	if !res.Passed {
		switch {
		case res.Outcome == OutcomeBlocked:
			res.Recommendations = append(res.Recommendations, "keep payment blocked")
		default:
			res.Recommendations = append(res.Recommendations, "route payment to manual review")
		}
	}
	return res, nil
}

func (a *Assessor) signals(ctx context.Context, paymentID string, pc PaymentContext) (Signals, error) {
	if pc.Signals != nil {
		return *pc.Signals, nil
	}
	if paymentID == "" || a.charges == nil {
		return Signals{}, nil
	}
	s, err := a.charges.ChargeSignals(ctx, paymentID)
	if err != nil {
		return Signals{}, fmt.Errorf("risk: load charge %s: %w", paymentID, err)
	}
	return s, nil
}

func (a *Assessor) recordAttempt(ctx context.Context, userID, ip string) {
	now := a.now()
	for _, key := range attemptKeys(userID, ip) {
		if err := a.attempts.RecordAttempt(ctx, key, now, a.cfg.VelocityWindow); err != nil {
			a.logger.Warn("failed to record payment attempt", "key", key, "error", err)
		}
	}
}

func (a *Assessor) checkDevice(ctx context.Context, userID, fingerprint string) (bool, error) {
	if userID == "" || fingerprint == "" {
		return true, nil
	}
	known, hasAny, err := a.attempts.KnownFingerprint(ctx, userID, fingerprint)
	if err != nil {
		return false, err
	}
	if err := a.attempts.RememberFingerprint(ctx, userID, fingerprint); err != nil {
		a.logger.Warn("failed to remember device fingerprint", "user_id", userID, "error", err)
	}
	return known || !hasAny, nil
}

// report emits metrics and, for high-risk results, a security audit record
// and an alert.
func (a *Assessor) report(ctx context.Context, res Assessment) {
	if a.recorder != nil {
		a.recorder.ObserveAssessment(string(res.Level), string(res.Outcome), res.Passed)
	}
	if res.Level != LevelHigh && res.Level != LevelVeryHigh {
		return
	}
	fields := map[string]any{
		"payment_id": res.PaymentID,
		"risk_level": string(res.Level),
		"risk_score": res.Score,
		"outcome":    string(res.Outcome),
		"passed":     res.Passed,
		"reasons":    res.Reasons,
	}
	a.audit.LogSecurityEvent(ctx, "high_risk_payment", res.UserID, fields)
	severity := alert.SeverityWarning
	if res.Level == LevelVeryHigh {
		severity = alert.SeverityCritical
	}
	a.alerts.Alert(ctx, severity, "high-risk payment detected", fields)
}

// FailSafe is the assessment returned whenever scoring cannot complete.
func FailSafe(paymentID, userID string, err error) Assessment {
	reason := "technical_error"
	if err != nil {
		reason = "technical_error: " + err.Error()
	}
	return Assessment{
		PaymentID:       paymentID,
		UserID:          userID,
		Level:           LevelHigh,
		Score:           100,
		Outcome:         OutcomeManualReview,
		Passed:          false,
		Reasons:         []string{reason},
		Recommendations: []string{"route payment to manual review"},
	}
}

// Passed applies the gating rule: blocked outcomes, very high risk, scores
// above MaxPassingScore and any failed supplementary check all fail.
func Passed(outcome Outcome, level Level, score int, checks Checks) bool {
	return !(outcome == OutcomeBlocked ||
		level == LevelVeryHigh ||
		score > MaxPassingScore ||
		!checks.All())
}

// MapRiskLevel maps the provider's risk level onto the internal scale.
func MapRiskLevel(providerLevel string) Level {
	switch strings.ToLower(strings.TrimSpace(providerLevel)) {
	case "normal", "low":
		return LevelLow
	case "elevated":
		return LevelHigh
	case "highest":
		return LevelVeryHigh
	default:
		return LevelMedium
	}
}

// MapOutcome derives the gating outcome from the provider's seller message.
func MapOutcome(sellerMessage string) Outcome {
	msg := strings.ToLower(sellerMessage)
	switch {
	case strings.Contains(msg, "block"):
		return OutcomeBlocked
	case strings.Contains(msg, "review"):
		return OutcomeManualReview
	default:
		return OutcomeAllowed
	}
}

// DefaultScore is used when the provider supplies a level but no score.
func DefaultScore(level Level) int {
	switch level {
	case LevelLow:
		return 20
	case LevelHigh:
		return 75
	case LevelVeryHigh:
		return 95
	default:
		return 50
	}
}

func geolocationConsistent(ipCountry, cardCountry string) bool {
	if ipCountry == "" || cardCountry == "" {
		return true
	}
	return strings.EqualFold(ipCountry, cardCountry)
}

// errNoHistorySource is returned when pattern analysis has no provider to ask.
var errNoHistorySource = errors.New("risk: no subscription history source configured")

type nopAudit struct{}

func (nopAudit) LogPaymentEvent(context.Context, string, string, bool, error, map[string]any) {}
func (nopAudit) LogSecurityEvent(context.Context, string, string, map[string]any)             {}

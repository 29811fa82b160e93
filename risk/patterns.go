package risk

import (
	"context"
	"errors"
	"fmt"

	"github.com/GoCodeAlone/billing-webhooks/store"
)

// Pattern thresholds; a count strictly above the threshold is suspicious.
const (
	maxCanceledSubscriptions = 2
	maxActiveSubscriptions   = 1
	maxTrialingSubscriptions = 1
)

// PatternAnalysis summarizes a customer's subscription history.
type PatternAnalysis struct {
	Suspicious  bool     `json:"suspicious"`
	Patterns    []string `json:"patterns"`
	RiskFactors []string `json:"risk_factors"`
}

// AnalyzeSubscriptionPatterns resolves the user's provider customer from
// persistence and inspects its full subscription history. Lookup failures
// are reported as suspicious.
func (a *Assessor) AnalyzeSubscriptionPatterns(ctx context.Context, userID string) PatternAnalysis {
	if a.customers == nil {
		return technicalError(errors.New("risk: no customer resolver configured"))
	}
	sub, err := a.customers.GetSubscription(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return PatternAnalysis{Patterns: []string{}, RiskFactors: []string{"no_billing_history"}}
	}
	if err != nil {
		a.logger.Warn("pattern analysis: subscription lookup failed", "user_id", userID, "error", err)
		return technicalError(fmt.Errorf("risk: resolve customer for %s: %w", userID, err))
	}
	if sub.ExternalCustomerID == "" {
		return PatternAnalysis{Patterns: []string{}, RiskFactors: []string{"no_billing_history"}}
	}
	return a.AnalyzeCustomerPatterns(ctx, sub.ExternalCustomerID)
}

// AnalyzeCustomerPatterns inspects the subscription history of a known
// provider customer.
func (a *Assessor) AnalyzeCustomerPatterns(ctx context.Context, customerID string) PatternAnalysis {
	if a.history == nil {
		return technicalError(errNoHistorySource)
	}
	subs, err := a.history.CustomerSubscriptions(ctx, customerID)
	if err != nil {
		a.logger.Warn("pattern analysis: history lookup failed", "customer_id", customerID, "error", err)
		return technicalError(fmt.Errorf("risk: list subscriptions for %s: %w", customerID, err))
	}
	return classifyHistory(subs)
}

func classifyHistory(subs []SubscriptionSummary) PatternAnalysis {
	var canceled, active, trialing int
	for _, s := range subs {
		switch s.Status {
		case "canceled":
			canceled++
		case "active":
			active++
		case "trialing":
			trialing++
		}
	}

	res := PatternAnalysis{Patterns: []string{}, RiskFactors: []string{}}
	if canceled > maxCanceledSubscriptions {
		res.Suspicious = true
		res.Patterns = append(res.Patterns, "abuse_pattern: repeated subscription cancellations")
		res.RiskFactors = append(res.RiskFactors, fmt.Sprintf("canceled_subscriptions=%d", canceled))
	}
	if active > maxActiveSubscriptions {
		res.Suspicious = true
		res.Patterns = append(res.Patterns, "multiple concurrently active subscriptions")
		res.RiskFactors = append(res.RiskFactors, fmt.Sprintf("active_subscriptions=%d", active))
	}
	if trialing > maxTrialingSubscriptions {
		res.Suspicious = true
		res.Patterns = append(res.Patterns, "multiple concurrent trials")
		res.RiskFactors = append(res.RiskFactors, fmt.Sprintf("trialing_subscriptions=%d", trialing))
	}
	return res
}

func technicalError(err error) PatternAnalysis {
	return PatternAnalysis{
		Suspicious:  true,
		Patterns:    []string{"subscription history unavailable"},
		RiskFactors: []string{"technical_error: " + err.Error()},
	}
}

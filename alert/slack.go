package alert

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// SlackConfig configures a SlackSink.
type SlackConfig struct {
	WebhookURL        string        `yaml:"webhook_url" json:"webhook_url"`
	Channel           string        `yaml:"channel" json:"channel"`
	Username          string        `yaml:"username" json:"username"`
	MinSeverity       Severity      `yaml:"min_severity" json:"min_severity"`
	MaxRetries        int           `yaml:"max_retries" json:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff" json:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	JitterFraction    float64       `yaml:"jitter_fraction" json:"jitter_fraction"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout"`
	// RatePerMinute caps deliveries; alerts beyond it are dropped to the log.
	RatePerMinute int `yaml:"rate_per_minute" json:"rate_per_minute"`
	Burst         int `yaml:"burst" json:"burst"`
}

// DefaultSlackConfig returns a SlackConfig with conservative delivery limits.
func DefaultSlackConfig() SlackConfig {
	return SlackConfig{
		Username:          "billing-webhooks",
		MinSeverity:       SeverityWarning,
		MaxRetries:        2,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
		Timeout:           5 * time.Second,
		RatePerMinute:     30,
		Burst:             10,
	}
}

// slackPayload is the JSON payload sent to Slack webhooks.
type slackPayload struct {
	Channel  string `json:"channel,omitempty"`
	Username string `json:"username,omitempty"`
	Text     string `json:"text"`
}

// SlackSink posts alerts to a Slack incoming webhook with bounded retries.
type SlackSink struct {
	cfg     SlackConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewSlackSink creates a SlackSink. Zero-valued limits fall back to
// DefaultSlackConfig.
func NewSlackSink(cfg SlackConfig, logger *slog.Logger) *SlackSink {
	def := DefaultSlackConfig()
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = def.MinSeverity
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = def.RatePerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackSink{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), cfg.Burst),
		logger:  logger,
	}
}

// SetClient sets a custom HTTP client (useful for testing).
func (s *SlackSink) SetClient(client *http.Client) {
	s.client = client
}

func (s *SlackSink) Alert(ctx context.Context, severity Severity, message string, fields map[string]any) {
	if !severity.AtLeast(s.cfg.MinSeverity) {
		return
	}
	s.send(ctx, formatText(severity, message, fields))
}

func (s *SlackSink) CaptureError(ctx context.Context, err error, fields map[string]any) {
	if err == nil || !SeverityError.AtLeast(s.cfg.MinSeverity) {
		return
	}
	s.send(ctx, formatText(SeverityError, err.Error(), fields))
}

func (s *SlackSink) send(ctx context.Context, text string) {
	if s.cfg.WebhookURL == "" {
		s.logger.Warn("slack alert dropped: webhook URL not configured")
		return
	}
	if !s.limiter.Allow() {
		s.logger.Warn("slack alert throttled", "text", text)
		return
	}

	body, err := json.Marshal(slackPayload{
		Channel:  s.cfg.Channel,
		Username: s.cfg.Username,
		Text:     text,
	})
	if err != nil {
		s.logger.Error("failed to marshal slack payload", "error", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.backoff(attempt)):
			case <-ctx.Done():
				s.logger.Warn("slack alert abandoned", "error", ctx.Err())
				return
			}
		}
		if lastErr = s.post(ctx, body); lastErr == nil {
			return
		}
	}
	s.logger.Error("slack alert delivery failed", "attempts", s.cfg.MaxRetries+1, "error", lastErr)
}

func (s *SlackSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req) //nolint:gosec // G704: URL from operator configuration
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *SlackSink) backoff(attempt int) time.Duration {
	base := float64(s.cfg.InitialBackoff) * math.Pow(s.cfg.BackoffMultiplier, float64(attempt-1))
	if base > float64(s.cfg.MaxBackoff) {
		base = float64(s.cfg.MaxBackoff)
	}
	if s.cfg.JitterFraction > 0 {
		base += base * s.cfg.JitterFraction * (cryptoFloat64()*2 - 1)
		if base < 0 {
			base = 0
		}
	}
	return time.Duration(base)
}

// cryptoFloat64 returns a cryptographically random float64 in [0.0, 1.0).
func cryptoFloat64() float64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return float64(binary.BigEndian.Uint64(b[:])>>(64-53)) / float64(1<<53)
}

// formatText renders an alert as a single Slack message with sorted fields.
func formatText(severity Severity, message string, fields map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", strings.ToUpper(string(severity)), message)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "\n• %s: %v", k, fields[k])
	}
	return sb.String()
}

var _ Sink = (*SlackSink)(nil)

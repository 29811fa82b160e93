// Package audit records append-only payment and security events as JSON lines.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/GoCodeAlone/billing-webhooks/alert"
	"github.com/google/uuid"
)

// Category separates billing activity from fraud and account-safety activity.
type Category string

const (
	CategoryPayment  Category = "payment"
	CategorySecurity Category = "security"
)

// Record is a single audit log entry.
type Record struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Category  Category       `json:"category"`
	EventType string         `json:"event_type"`
	UserID    string         `json:"user_id,omitempty"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Sink is the append-only audit interface consumed by the billing core.
// Implementations never return errors to the caller.
type Sink interface {
	LogPaymentEvent(ctx context.Context, eventType, userID string, success bool, err error, metadata map[string]any)
	LogSecurityEvent(ctx context.Context, eventType, userID string, metadata map[string]any)
}

// Logger writes audit records to an io.Writer, one JSON object per line.
type Logger struct {
	mu     sync.Mutex
	writer io.Writer
	logger *slog.Logger
	alerts alert.Sink
	now    func() time.Time
}

// NewLogger creates a Logger that writes JSON records to w. If w is nil, it
// defaults to os.Stdout. Write failures are reported to logger and alerts.
func NewLogger(w io.Writer, logger *slog.Logger, alerts alert.Sink) *Logger {
	if w == nil {
		w = os.Stdout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if alerts == nil {
		alerts = alert.Nop{}
	}
	return &Logger{
		writer: w,
		logger: logger,
		alerts: alerts,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Log appends a record. It is safe for concurrent use and never blocks the
// caller on a failing writer beyond the write attempt itself.
func (l *Logger) Log(ctx context.Context, rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		l.degrade(ctx, rec, fmt.Errorf("marshal audit record: %w", err))
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	_, err = l.writer.Write(data)
	l.mu.Unlock()
	if err != nil {
		l.degrade(ctx, rec, fmt.Errorf("write audit record: %w", err))
	}
}

// degrade keeps a copy of the record in the process log and raises an alert.
func (l *Logger) degrade(ctx context.Context, rec Record, err error) {
	l.logger.Error("audit write failed",
		"error", err,
		"audit_category", rec.Category,
		"audit_event_type", rec.EventType,
		"user_id", rec.UserID,
		"success", rec.Success,
	)
	l.alerts.CaptureError(ctx, err, map[string]any{
		"component":  "audit",
		"event_type": rec.EventType,
		"user_id":    rec.UserID,
	})
}

// LogPaymentEvent records the outcome of a billing transition.
func (l *Logger) LogPaymentEvent(ctx context.Context, eventType, userID string, success bool, err error, metadata map[string]any) {
	rec := Record{
		Category:  CategoryPayment,
		EventType: eventType,
		UserID:    userID,
		Success:   success,
		Metadata:  metadata,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	l.Log(ctx, rec)
}

// LogSecurityEvent records a fraud or account-safety observation.
func (l *Logger) LogSecurityEvent(ctx context.Context, eventType, userID string, metadata map[string]any) {
	l.Log(ctx, Record{
		Category:  CategorySecurity,
		EventType: eventType,
		UserID:    userID,
		Success:   true,
		Metadata:  metadata,
	})
}

var _ Sink = (*Logger)(nil)

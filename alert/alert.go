// Package alert delivers severity-tagged notifications to on-call channels.
package alert

import (
	"context"
	"log/slog"
)

// Severity tags how urgently an alert needs attention.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// rank orders severities for threshold filtering.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is at or above min.
func (s Severity) AtLeast(min Severity) bool { return s.rank() >= min.rank() }

// Sink captures alerts and errors for on-call visibility. Implementations
// must not block the caller on delivery failure.
type Sink interface {
	Alert(ctx context.Context, severity Severity, message string, fields map[string]any)
	CaptureError(ctx context.Context, err error, fields map[string]any)
}

// LogSink writes alerts to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Alert(ctx context.Context, severity Severity, message string, fields map[string]any) {
	s.logger.Log(ctx, slogLevel(severity), message, append(fieldArgs(fields), "alert_severity", string(severity))...)
}

func (s *LogSink) CaptureError(ctx context.Context, err error, fields map[string]any) {
	s.logger.Log(ctx, slog.LevelError, "captured error", append(fieldArgs(fields), "error", err)...)
}

func slogLevel(s Severity) slog.Level {
	switch s {
	case SeverityCritical, SeverityError:
		return slog.LevelError
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func fieldArgs(fields map[string]any) []any {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

// Multi fans an alert out to every sink.
type Multi []Sink

func (m Multi) Alert(ctx context.Context, severity Severity, message string, fields map[string]any) {
	for _, s := range m {
		s.Alert(ctx, severity, message, fields)
	}
}

func (m Multi) CaptureError(ctx context.Context, err error, fields map[string]any) {
	for _, s := range m {
		s.CaptureError(ctx, err, fields)
	}
}

// Nop discards every alert.
type Nop struct{}

func (Nop) Alert(context.Context, Severity, string, map[string]any) {}
func (Nop) CaptureError(context.Context, error, map[string]any)     {}

var (
	_ Sink = (*LogSink)(nil)
	_ Sink = Multi(nil)
	_ Sink = Nop{}
)

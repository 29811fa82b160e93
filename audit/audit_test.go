package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/billing-webhooks/alert"
)

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

type capturingAlerts struct {
	alert.Nop
	mu   sync.Mutex
	errs []error
}

func (c *capturingAlerts) CaptureError(_ context.Context, err error, _ map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []Record {
	t.Helper()
	var out []Record
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("failed to parse audit record JSON: %v", err)
		}
		out = append(out, rec)
	}
	return out
}

func TestNewLogger_DefaultWriter(t *testing.T) {
	if l := NewLogger(nil, nil, nil); l == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestLogger_LogPaymentEvent(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, nil, nil)

	l.LogPaymentEvent(context.Background(), "invoice.payment_failed", "u1", false,
		errors.New("card declined"), map[string]any{"attempt_count": 1})

	recs := decodeLines(t, &buf)
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.Category != CategoryPayment {
		t.Errorf("category: got %q", rec.Category)
	}
	if rec.EventType != "invoice.payment_failed" || rec.UserID != "u1" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.Success {
		t.Error("expected success=false")
	}
	if rec.Error != "card declined" {
		t.Errorf("error: got %q", rec.Error)
	}
	if rec.ID == "" || rec.Timestamp.IsZero() {
		t.Error("expected id and timestamp to be filled")
	}
	if rec.Metadata["attempt_count"] != float64(1) {
		t.Errorf("metadata: %v", rec.Metadata)
	}
}

func TestLogger_LogSecurityEvent(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, nil, nil)

	l.LogSecurityEvent(context.Background(), "fraud_warning", "", map[string]any{"charge": "ch_1"})

	recs := decodeLines(t, &buf)
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].Category != CategorySecurity || !recs[0].Success {
		t.Errorf("unexpected record: %+v", recs[0])
	}
	if strings.Contains(buf.String(), `"user_id"`) {
		t.Error("empty user id should be omitted")
	}
}

func TestLogger_PreservesTimestamp(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, nil, nil)

	ts := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	l.Log(context.Background(), Record{Timestamp: ts, Category: CategoryPayment, EventType: "checkout"})

	recs := decodeLines(t, &buf)
	if !recs[0].Timestamp.Equal(ts) {
		t.Errorf("expected timestamp %v, got %v", ts, recs[0].Timestamp)
	}
}

func TestLogger_WriteFailureDegrades(t *testing.T) {
	var logBuf bytes.Buffer
	alerts := &capturingAlerts{}
	l := NewLogger(failingWriter{}, slog.New(slog.NewJSONHandler(&logBuf, nil)), alerts)

	l.LogPaymentEvent(context.Background(), "checkout.session.completed", "u1", true, nil, nil)

	if !strings.Contains(logBuf.String(), "audit write failed") {
		t.Errorf("expected fallback log line, got %q", logBuf.String())
	}
	if len(alerts.errs) != 1 {
		t.Fatalf("expected 1 captured error, got %d", len(alerts.errs))
	}
}

func TestLogger_Concurrent(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.LogSecurityEvent(context.Background(), "review_opened", "u1", nil)
		}()
	}
	wg.Wait()

	if got := len(decodeLines(t, &buf)); got != 50 {
		t.Errorf("expected 50 records, got %d", got)
	}
}

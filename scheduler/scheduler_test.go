package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoCodeAlone/billing-webhooks/alert"
	"github.com/GoCodeAlone/billing-webhooks/store"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type captureAlerts struct {
	mu   sync.Mutex
	errs []error
}

func (c *captureAlerts) Alert(context.Context, alert.Severity, string, map[string]any) {}

func (c *captureAlerts) CaptureError(_ context.Context, err error, _ map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingRecorder) ObserveTask(kind, status string, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[kind+"/"+status]++
}

func (c *countingRecorder) get(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRunner(t *testing.T, cfg Config) (*Runner, *store.MemoryStore, *captureAlerts, *countingRecorder) {
	t.Helper()
	ms := store.NewMemoryStore()
	alerts := &captureAlerts{}
	rec := &countingRecorder{}
	r := NewRunner(cfg, ms, Deps{Alerts: alerts, Recorder: rec, Logger: quietLogger()})
	r.now = func() time.Time { return testNow }
	r.jitter = func() float64 { return 0.5 }
	return r, ms, alerts, rec
}

func enqueue(t *testing.T, ms *store.MemoryStore, task *store.Task) {
	t.Helper()
	if err := ms.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func TestConfigDefaults(t *testing.T) {
	got := Config{JitterFraction: -1, PurgeInterval: -time.Second}.withDefaults()
	d := DefaultConfig()
	if got.PollInterval != d.PollInterval || got.Lease != d.Lease || got.BatchSize != d.BatchSize {
		t.Errorf("defaults not applied: %+v", got)
	}
	if got.JitterFraction != 0 || got.PurgeInterval != 0 {
		t.Errorf("negative values should clamp to zero: %+v", got)
	}
}

func TestRunOnce_RunsDueTasksOnly(t *testing.T) {
	r, ms, _, rec := newTestRunner(t, Config{})
	var ran []string
	var mu sync.Mutex
	r.Handle(store.TaskUpgradeReminder, func(_ context.Context, task *store.Task) error {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, task.ID)
		return nil
	})
	enqueue(t, ms, &store.Task{ID: "due", Kind: store.TaskUpgradeReminder, RunAt: testNow.Add(-time.Minute)})
	enqueue(t, ms, &store.Task{ID: "later", Kind: store.TaskUpgradeReminder, RunAt: testNow.Add(72 * time.Hour)})

	n, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 1 || len(ran) != 1 || ran[0] != "due" {
		t.Fatalf("claimed %d, ran %v", n, ran)
	}

	due, _ := ms.GetTask(context.Background(), "due")
	if due.Status != store.TaskDone {
		t.Errorf("due status = %s, want done", due.Status)
	}
	later, _ := ms.GetTask(context.Background(), "later")
	if later.Status != store.TaskPending || later.Attempts != 0 {
		t.Errorf("later task touched: %+v", later)
	}
	if rec.get("upgrade_reminder/success") != 1 {
		t.Errorf("recorder counts = %v", rec.counts)
	}
}

func TestRunOnce_FailureSchedulesRetryWithBackoff(t *testing.T) {
	r, ms, alerts, _ := newTestRunner(t, Config{InitialBackoff: time.Minute, BackoffMultiplier: 2, MaxBackoff: time.Hour, JitterFraction: 0.1})
	r.Handle(store.TaskCancelUpstreamSubscription, func(context.Context, *store.Task) error {
		return errors.New("provider down")
	})
	enqueue(t, ms, &store.Task{ID: "c1", Kind: store.TaskCancelUpstreamSubscription, RunAt: testNow, MaxAttempts: 3})

	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	task, _ := ms.GetTask(context.Background(), "c1")
	if task.Status != store.TaskPending {
		t.Fatalf("status = %s, want pending", task.Status)
	}
	// jitter of 0.5 maps to a zero offset.
	if want := testNow.Add(time.Minute); !task.RunAt.Equal(want) {
		t.Errorf("RunAt = %v, want %v", task.RunAt, want)
	}
	if task.LastError != "provider down" || task.Attempts != 1 {
		t.Errorf("task = %+v", task)
	}
	if len(alerts.errs) != 0 {
		t.Error("retryable failure should not alert")
	}
	if len(r.History("")) != 1 || r.History("")[0].Status != ExecStatusRetry {
		t.Errorf("history = %+v", r.History(""))
	}
}

func TestRunOnce_ExhaustedAttemptsFailPermanently(t *testing.T) {
	r, ms, alerts, rec := newTestRunner(t, Config{InitialBackoff: time.Second})
	var calls atomic.Int32
	r.Handle(store.TaskUpgradeReminder, func(context.Context, *store.Task) error {
		calls.Add(1)
		return errors.New("smtp unavailable")
	})
	enqueue(t, ms, &store.Task{ID: "r1", Kind: store.TaskUpgradeReminder, RunAt: testNow, MaxAttempts: 2})

	clock := testNow
	r.now = func() time.Time { return clock }
	for i := 0; i < 4; i++ {
		if _, err := r.RunOnce(context.Background()); err != nil {
			t.Fatal(err)
		}
		clock = clock.Add(time.Hour)
	}

	if calls.Load() != 2 {
		t.Errorf("handler ran %d times, want 2", calls.Load())
	}
	task, _ := ms.GetTask(context.Background(), "r1")
	if task.Status != store.TaskFailed {
		t.Errorf("status = %s, want failed", task.Status)
	}
	if len(alerts.errs) != 1 {
		t.Errorf("alerts = %v", alerts.errs)
	}
	if rec.get("upgrade_reminder/retry") != 1 || rec.get("upgrade_reminder/failed") != 1 {
		t.Errorf("recorder counts = %v", rec.counts)
	}
}

func TestRunOnce_UnknownKindFailsWithoutRetry(t *testing.T) {
	r, ms, alerts, _ := newTestRunner(t, Config{})
	enqueue(t, ms, &store.Task{ID: "x", Kind: store.TaskKind("mystery"), RunAt: testNow})

	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	task, _ := ms.GetTask(context.Background(), "x")
	if task.Status != store.TaskFailed {
		t.Errorf("status = %s, want failed", task.Status)
	}
	if len(alerts.errs) != 1 || !errors.Is(alerts.errs[0], ErrNoHandler) {
		t.Errorf("alerts = %v", alerts.errs)
	}
}

func TestRunOnce_PanicIsContained(t *testing.T) {
	r, ms, _, _ := newTestRunner(t, Config{})
	r.Handle(store.TaskUpgradeReminder, func(context.Context, *store.Task) error {
		panic("boom")
	})
	enqueue(t, ms, &store.Task{ID: "p", Kind: store.TaskUpgradeReminder, RunAt: testNow})

	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	task, _ := ms.GetTask(context.Background(), "p")
	if task.Status != store.TaskPending || !strings.Contains(task.LastError, "boom") {
		t.Errorf("task = %+v", task)
	}
}

func TestRunOnce_ExpiredLeaseIsReclaimed(t *testing.T) {
	r, ms, _, _ := newTestRunner(t, Config{Lease: time.Minute})
	enqueue(t, ms, &store.Task{ID: "l", Kind: store.TaskUpgradeReminder, RunAt: testNow})

	// Simulate a runner that claimed the task and crashed.
	if _, err := ms.ClaimDue(context.Background(), testNow, time.Minute, 10); err != nil {
		t.Fatal(err)
	}
	var calls atomic.Int32
	r.Handle(store.TaskUpgradeReminder, func(context.Context, *store.Task) error {
		calls.Add(1)
		return nil
	})

	if n, _ := r.RunOnce(context.Background()); n != 0 {
		t.Fatalf("claimed %d while lease held", n)
	}
	r.now = func() time.Time { return testNow.Add(2 * time.Minute) }
	if n, _ := r.RunOnce(context.Background()); n != 1 || calls.Load() != 1 {
		t.Fatalf("claimed %d, calls %d after lease expiry", n, calls.Load())
	}
}

func TestBackoff(t *testing.T) {
	r, _, _, _ := newTestRunner(t, Config{InitialBackoff: time.Second, MaxBackoff: 10 * time.Second, BackoffMultiplier: 2, JitterFraction: 0.1})
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 10 * time.Second},
	}
	for _, tc := range tests {
		if got := r.backoff(tc.attempt); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}

	r.jitter = func() float64 { return 1 }
	if got := r.backoff(1); got != 1100*time.Millisecond {
		t.Errorf("max jitter backoff = %v", got)
	}
}

func TestSchedulePurge_OncePerWindow(t *testing.T) {
	r, ms, _, _ := newTestRunner(t, Config{PurgeInterval: time.Hour})
	ledger := store.NewInMemoryEventLedger()
	r.Handle(store.TaskPurgeProcessedEvents, PurgeHandler(ledger, quietLogger()))

	r.schedulePurge(context.Background())
	r.schedulePurge(context.Background())
	if tasks := ms.Tasks(); len(tasks) != 1 || tasks[0].Kind != store.TaskPurgeProcessedEvents {
		t.Fatalf("tasks = %+v", tasks)
	}

	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ms.Tasks()[0].Status != store.TaskDone {
		t.Errorf("purge task status = %s", ms.Tasks()[0].Status)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	r, ms, _, _ := newTestRunner(t, Config{PollInterval: 10 * time.Millisecond})
	done := make(chan struct{}, 1)
	r.Handle(store.TaskUpgradeReminder, func(context.Context, *store.Task) error {
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	})
	enqueue(t, ms, &store.Task{Kind: store.TaskUpgradeReminder, RunAt: testNow})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestHandler(t *testing.T) {
	r, ms, _, _ := newTestRunner(t, Config{})
	r.Handle(store.TaskUpgradeReminder, func(context.Context, *store.Task) error { return nil })
	enqueue(t, ms, &store.Task{ID: "h1", Kind: store.TaskUpgradeReminder, RunAt: testNow})

	mux := http.NewServeMux()
	NewHandler(r).RegisterRoutes(mux)

	do := func(method, path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(method, path, nil))
		return w
	}

	w := do(http.MethodPost, "/api/v1/tasks/run")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"claimed":1`) {
		t.Fatalf("run: %d %s", w.Code, w.Body.String())
	}

	w = do(http.MethodGet, "/api/v1/tasks/h1")
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d", w.Code)
	}
	var task store.Task
	if err := json.NewDecoder(w.Body).Decode(&task); err != nil {
		t.Fatal(err)
	}
	if task.Status != store.TaskDone {
		t.Errorf("status = %s", task.Status)
	}

	if w := do(http.MethodGet, "/api/v1/tasks/missing"); w.Code != http.StatusNotFound {
		t.Errorf("missing task: %d", w.Code)
	}

	w = do(http.MethodGet, "/api/v1/tasks/history?kind=upgrade_reminder")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"total":1`) {
		t.Errorf("history: %d %s", w.Code, w.Body.String())
	}
}

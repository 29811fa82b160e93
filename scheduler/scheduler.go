package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/billing-webhooks/alert"
	"github.com/GoCodeAlone/billing-webhooks/store"
	"github.com/GoCodeAlone/billing-webhooks/tracing"
)

// ErrNoHandler is recorded on tasks whose kind has no registered handler.
var ErrNoHandler = errors.New("scheduler: no handler for task kind")

// ExecutionStatus is the outcome of one task attempt.
type ExecutionStatus string

const (
	ExecStatusSuccess ExecutionStatus = "success"
	ExecStatusRetry   ExecutionStatus = "retry"
	ExecStatusFailed  ExecutionStatus = "failed"
)

// ExecutionRecord captures one task attempt.
type ExecutionRecord struct {
	TaskID    string          `json:"taskId"`
	Kind      store.TaskKind  `json:"kind"`
	UserID    string          `json:"userId,omitempty"`
	Attempt   int             `json:"attempt"`
	Status    ExecutionStatus `json:"status"`
	Error     string          `json:"error,omitempty"`
	RetryAt   *time.Time      `json:"retryAt,omitempty"`
	StartedAt time.Time       `json:"startedAt"`
	Duration  time.Duration   `json:"duration"`
}

// TaskHandler executes one claimed task. A returned error schedules a retry
// until the task's attempts are exhausted.
type TaskHandler func(ctx context.Context, task *store.Task) error

// Recorder observes task executions, typically for metrics.
type Recorder interface {
	ObserveTask(kind string, status string, elapsed time.Duration)
}

// Config tunes the runner's polling and retry behavior.
type Config struct {
	PollInterval      time.Duration `json:"pollInterval" yaml:"poll_interval"`
	Lease             time.Duration `json:"lease" yaml:"lease"`
	BatchSize         int           `json:"batchSize" yaml:"batch_size"`
	Concurrency       int           `json:"concurrency" yaml:"concurrency"`
	InitialBackoff    time.Duration `json:"initialBackoff" yaml:"initial_backoff"`
	MaxBackoff        time.Duration `json:"maxBackoff" yaml:"max_backoff"`
	BackoffMultiplier float64       `json:"backoffMultiplier" yaml:"backoff_multiplier"`
	JitterFraction    float64       `json:"jitterFraction" yaml:"jitter_fraction"`
	// PurgeInterval is how often a processed-event purge task is enqueued.
	// Zero disables the periodic purge.
	PurgeInterval time.Duration `json:"purgeInterval" yaml:"purge_interval"`
	HistorySize   int           `json:"historySize" yaml:"history_size"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:      5 * time.Second,
		Lease:             2 * time.Minute,
		BatchSize:         20,
		Concurrency:       4,
		InitialBackoff:    30 * time.Second,
		MaxBackoff:        time.Hour,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
		PurgeInterval:     24 * time.Hour,
		HistorySize:       200,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.JitterFraction < 0 {
		c.JitterFraction = 0
	}
	if c.PurgeInterval < 0 {
		c.PurgeInterval = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	return c
}

// Deps are the runner's optional collaborators.
type Deps struct {
	Alerts   alert.Sink
	Recorder Recorder
	Tracer   *tracing.EventTracer
	Logger   *slog.Logger
}

// Runner polls the task store for due work and routes each task to the
// handler registered for its kind. Tasks survive restarts because all state
// lives in the store; a crashed runner's leases simply expire.
type Runner struct {
	cfg   Config
	tasks store.TaskStore

	mu       sync.RWMutex
	handlers map[store.TaskKind]TaskHandler
	history  []*ExecutionRecord

	alerts   alert.Sink
	recorder Recorder
	tracer   *tracing.EventTracer
	logger   *slog.Logger
	now      func() time.Time
	jitter   func() float64
}

// NewRunner creates a Runner over tasks.
func NewRunner(cfg Config, tasks store.TaskStore, deps Deps) *Runner {
	r := &Runner{
		cfg:      cfg.withDefaults(),
		tasks:    tasks,
		handlers: make(map[store.TaskKind]TaskHandler),
		alerts:   deps.Alerts,
		recorder: deps.Recorder,
		tracer:   deps.Tracer,
		logger:   deps.Logger,
		now:      time.Now,
		jitter:   cryptoFloat64,
	}
	if r.alerts == nil {
		r.alerts = alert.Nop{}
	}
	if r.recorder == nil {
		r.recorder = nopRecorder{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Handle registers fn for kind, replacing any previous handler.
func (r *Runner) Handle(kind store.TaskKind, fn TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = fn
}

// Run polls until ctx is canceled.
func (r *Runner) Run(ctx context.Context) error {
	poll := time.NewTicker(r.cfg.PollInterval)
	defer poll.Stop()

	var purge <-chan time.Time
	if r.cfg.PurgeInterval > 0 {
		t := time.NewTicker(r.cfg.PurgeInterval)
		defer t.Stop()
		purge = t.C
		r.schedulePurge(ctx)
	}

	r.logger.Info("task runner started", "poll_interval", r.cfg.PollInterval, "lease", r.cfg.Lease)
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("task poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("task runner stopped")
			return nil
		case <-poll.C:
		case <-purge:
			r.schedulePurge(ctx)
		}
	}
}

// RunOnce claims the tasks due now and executes them. It returns the number
// of tasks claimed.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	claimed, err := r.tasks.ClaimDue(ctx, r.now().UTC(), r.cfg.Lease, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim due tasks: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, task := range claimed {
		g.Go(func() error {
			r.execute(gctx, task)
			return nil
		})
	}
	_ = g.Wait()
	return len(claimed), nil
}

// schedulePurge enqueues a purge task keyed by the current interval window,
// so concurrent runners enqueue it at most once per window.
func (r *Runner) schedulePurge(ctx context.Context) {
	now := r.now().UTC()
	window := now.Truncate(r.cfg.PurgeInterval)
	task := &store.Task{
		ID:          fmt.Sprintf("%s-%d", store.TaskPurgeProcessedEvents, window.Unix()),
		Kind:        store.TaskPurgeProcessedEvents,
		RunAt:       now,
		MaxAttempts: 3,
	}
	err := r.tasks.Enqueue(ctx, task)
	switch {
	case errors.Is(err, store.ErrDuplicate):
	case err != nil:
		r.logger.Warn("failed to enqueue purge task", "error", err)
	}
}

func (r *Runner) execute(ctx context.Context, task *store.Task) {
	ctx, span := r.tracer.StartTask(ctx, task.ID, string(task.Kind), task.Attempts)
	start := r.now()
	err := r.invoke(ctx, task)
	elapsed := r.now().Sub(start)
	tracing.End(span, err)

	rec := &ExecutionRecord{
		TaskID:    task.ID,
		Kind:      task.Kind,
		UserID:    task.UserID,
		Attempt:   task.Attempts,
		StartedAt: start,
		Duration:  elapsed,
	}

	if err == nil {
		rec.Status = ExecStatusSuccess
		if cerr := r.tasks.Complete(ctx, task.ID); cerr != nil {
			r.logger.Error("failed to complete task", "task_id", task.ID, "error", cerr)
		}
		r.logger.Info("task completed", "task_id", task.ID, "kind", task.Kind, "attempt", task.Attempts)
		r.finish(rec)
		return
	}

	rec.Error = err.Error()
	var retryAt *time.Time
	if !errors.Is(err, ErrNoHandler) && task.Attempts < task.MaxAttempts {
		at := r.now().UTC().Add(r.backoff(task.Attempts))
		retryAt = &at
		rec.Status = ExecStatusRetry
		rec.RetryAt = retryAt
		r.logger.Warn("task failed; retrying", "task_id", task.ID, "kind", task.Kind, "attempt", task.Attempts, "retry_at", at, "error", err)
	} else {
		rec.Status = ExecStatusFailed
		r.logger.Error("task failed permanently", "task_id", task.ID, "kind", task.Kind, "attempt", task.Attempts, "error", err)
		r.alerts.CaptureError(ctx, err, map[string]any{
			"task_id":  task.ID,
			"kind":     string(task.Kind),
			"user_id":  task.UserID,
			"attempts": task.Attempts,
		})
	}
	if ferr := r.tasks.Fail(ctx, task.ID, err.Error(), retryAt); ferr != nil {
		r.logger.Error("failed to record task failure", "task_id", task.ID, "error", ferr)
	}
	r.finish(rec)
}

// invoke calls the handler and converts a panic into an error.
func (r *Runner) invoke(ctx context.Context, task *store.Task) (err error) {
	r.mu.RLock()
	fn, ok := r.handlers[task.Kind]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, task.Kind)
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("task handler panic", "task_id", task.ID, "kind", task.Kind, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("scheduler: task handler panicked: %v", p)
		}
	}()
	return fn(ctx, task)
}

func (r *Runner) finish(rec *ExecutionRecord) {
	r.recorder.ObserveTask(string(rec.Kind), string(rec.Status), rec.Duration)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, rec)
	if over := len(r.history) - r.cfg.HistorySize; over > 0 {
		r.history = append(r.history[:0:0], r.history[over:]...)
	}
}

// History returns recent execution records, newest first. A non-empty kind
// filters the result.
func (r *Runner) History(kind store.TaskKind) []*ExecutionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ExecutionRecord, 0, len(r.history))
	for _, rec := range r.history {
		if kind == "" || rec.Kind == kind {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// backoff returns the delay before the retry following attempt.
func (r *Runner) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(r.cfg.InitialBackoff) * math.Pow(r.cfg.BackoffMultiplier, float64(attempt-1))
	if base > float64(r.cfg.MaxBackoff) {
		base = float64(r.cfg.MaxBackoff)
	}
	if r.cfg.JitterFraction > 0 {
		base += base * r.cfg.JitterFraction * (r.jitter()*2 - 1)
		if base < 0 {
			base = 0
		}
	}
	return time.Duration(base)
}

// PurgeHandler returns a TaskHandler that removes expired entries from the
// processed event ledger.
func PurgeHandler(ledger store.ProcessedEventStore, logger *slog.Logger) TaskHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, _ *store.Task) error {
		n, err := ledger.Cleanup(ctx)
		if err != nil {
			return fmt.Errorf("purge processed events: %w", err)
		}
		logger.Info("processed events purged", "removed", n)
		return nil
	}
}

// cryptoFloat64 returns a cryptographically random float64 in [0.0, 1.0).
func cryptoFloat64() float64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return float64(binary.BigEndian.Uint64(b[:])>>(64-53)) / float64(1<<53)
}

type nopRecorder struct{}

func (nopRecorder) ObserveTask(string, string, time.Duration) {}

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGConfig holds PostgreSQL connection configuration.
type PGConfig struct {
	URL             string `yaml:"url" json:"url"`
	MaxConns        int32  `yaml:"max_conns" json:"max_conns"`
	MinConns        int32  `yaml:"min_conns" json:"min_conns"`
	MaxConnIdleTime string `yaml:"max_conn_idle_time" json:"max_conn_idle_time"`
}

// PGStore is the Postgres BillingStore and TaskStore.
type PGStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPGStore connects to PostgreSQL and verifies the connection.
func NewPGStore(ctx context.Context, cfg PGConfig) (*PGStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse pg config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnIdleTime != "" {
		d, err := time.ParseDuration(cfg.MaxConnIdleTime)
		if err != nil {
			return nil, fmt.Errorf("parse max_conn_idle_time: %w", err)
		}
		poolCfg.MaxConnIdleTime = d
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return NewPGStoreFromPool(pool), nil
}

// NewPGStoreFromPool wraps an existing pool.
func NewPGStoreFromPool(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, now: time.Now}
}

// Pool returns the underlying pgxpool.Pool.
func (s *PGStore) Pool() *pgxpool.Pool { return s.pool }

// Close closes the connection pool.
func (s *PGStore) Close() { s.pool.Close() }

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const subscriptionColumns = `id, user_id, tier, status, external_subscription_id, external_customer_id,
	trial_end, current_period_start, current_period_end, cancel_at_period_end, created_at, updated_at`

func (s *PGStore) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	var sub Subscription
	err := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM billing_subscriptions WHERE user_id = $1`, userID,
	).Scan(
		&sub.ID, &sub.UserID, &sub.Tier, &sub.Status, &sub.ExternalSubscriptionID, &sub.ExternalCustomerID,
		&sub.TrialEnd, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

func (s *PGStore) UpdateSubscription(ctx context.Context, userID string, patch SubscriptionPatch) error {
	return s.upsertSubscription(ctx, s.pool, userID, patch)
}

// upsertSubscription inserts the row on first write and otherwise updates
// only the columns present in patch.
func (s *PGStore) upsertSubscription(ctx context.Context, db execer, userID string, patch SubscriptionPatch) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	now := s.now().UTC()
	cols := patch.columns()

	names := []string{"id", "user_id", "created_at", "updated_at"}
	args := []any{uuid.NewString(), userID, now, now}
	updates := []string{"updated_at = EXCLUDED.updated_at"}
	for _, c := range cols {
		names = append(names, c.name)
		args = append(args, c.value)
		updates = append(updates, c.name+" = EXCLUDED."+c.name)
	}
	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf(
		`INSERT INTO billing_subscriptions (%s) VALUES (%s)
		 ON CONFLICT (user_id) DO UPDATE SET %s`,
		strings.Join(names, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "),
	)
	if _, err := db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (s *PGStore) GetUser(ctx context.Context, userID string) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, tier, onboarded, account_status, suspension_reason, suspended_at, updated_at
		 FROM billing_users WHERE id = $1`, userID,
	).Scan(&u.ID, &u.Email, &u.Tier, &u.Onboarded, &u.AccountStatus, &u.SuspensionReason, &u.SuspendedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *PGStore) UpdateUser(ctx context.Context, userID string, patch UserPatch) error {
	return s.updateUser(ctx, s.pool, userID, patch)
}

func (s *PGStore) updateUser(ctx context.Context, db execer, userID string, patch UserPatch) error {
	sets := []string{"updated_at = $2"}
	args := []any{userID, s.now().UTC()}
	for _, c := range patch.columns() {
		args = append(args, c.value)
		sets = append(sets, fmt.Sprintf("%s = $%d", c.name, len(args)))
	}
	tag, err := db.Exec(ctx,
		fmt.Sprintf(`UPDATE billing_users SET %s WHERE id = $1`, strings.Join(sets, ", ")),
		args...,
	)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertUser inserts a user or replaces its billing view.
func (s *PGStore) UpsertUser(ctx context.Context, u *User) error {
	status := u.AccountStatus
	if status == "" {
		status = AccountActive
	}
	tier := u.Tier
	if tier == "" {
		tier = TierFree
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO billing_users (id, email, tier, onboarded, account_status, suspension_reason, suspended_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   email = EXCLUDED.email, tier = EXCLUDED.tier, onboarded = EXCLUDED.onboarded,
		   account_status = EXCLUDED.account_status, suspension_reason = EXCLUDED.suspension_reason,
		   suspended_at = EXCLUDED.suspended_at, updated_at = EXCLUDED.updated_at`,
		u.ID, u.Email, tier, u.Onboarded, status, u.SuspensionReason, u.SuspendedAt, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// Downgrade writes the subscription, the user and the tasks in one
// transaction.
func (s *PGStore) Downgrade(ctx context.Context, userID string, sub SubscriptionPatch, user UserPatch, tasks ...*Task) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.upsertSubscription(ctx, tx, userID, sub); err != nil {
			return err
		}
		if err := s.updateUser(ctx, tx, userID, user); err != nil {
			return err
		}
		for _, t := range tasks {
			if err := s.insertTask(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("downgrade %s: %w", userID, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

const taskColumns = `id, kind, user_id, payload, run_at, attempts, max_attempts, status, last_error,
	locked_until, created_at, updated_at`

func (s *PGStore) Enqueue(ctx context.Context, task *Task) error {
	if task.Kind == "" {
		return fmt.Errorf("task kind is required")
	}
	return s.insertTask(ctx, s.pool, task)
}

func (s *PGStore) insertTask(ctx context.Context, db execer, t *Task) error {
	normalizeTask(t, s.now().UTC())
	var payload any
	if len(t.Payload) > 0 {
		payload = string(t.Payload)
	}
	_, err := db.Exec(ctx,
		`INSERT INTO billing_tasks (`+taskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.Kind, t.UserID, payload, t.RunAt, t.Attempts, t.MaxAttempts, t.Status, t.LastError,
		t.LockedUntil, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PGStore) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE billing_tasks SET status = 'running', attempts = attempts + 1,
		        locked_until = $2, updated_at = $1
		 WHERE id IN (
		     SELECT id FROM billing_tasks
		     WHERE (status = 'pending' AND run_at <= $1)
		        OR (status = 'running' AND locked_until <= $1)
		     ORDER BY run_at
		     LIMIT $3
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+taskColumns,
		now.UTC(), now.Add(lease).UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed tasks: %w", err)
	}
	return tasks, nil
}

func (s *PGStore) Complete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE billing_tasks SET status = 'done', locked_until = NULL, updated_at = $2 WHERE id = $1`,
		id, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) Fail(ctx context.Context, id, lastErr string, retryAt *time.Time) error {
	var tag pgconn.CommandTag
	var err error
	if retryAt != nil {
		tag, err = s.pool.Exec(ctx,
			`UPDATE billing_tasks SET status = 'pending', run_at = $3, last_error = $2,
			        locked_until = NULL, updated_at = $4 WHERE id = $1`,
			id, lastErr, retryAt.UTC(), s.now().UTC(),
		)
	} else {
		tag, err = s.pool.Exec(ctx,
			`UPDATE billing_tasks SET status = 'failed', last_error = $2,
			        locked_until = NULL, updated_at = $3 WHERE id = $1`,
			id, lastErr, s.now().UTC(),
		)
	}
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) GetTask(ctx context.Context, id string) (*Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM billing_tasks WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("get task: %w", err)
		}
		return nil, ErrNotFound
	}
	return scanTask(rows)
}

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var payload []byte
	err := row.Scan(
		&t.ID, &t.Kind, &t.UserID, &payload, &t.RunAt, &t.Attempts, &t.MaxAttempts, &t.Status,
		&t.LastError, &t.LockedUntil, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if len(payload) > 0 {
		t.Payload = payload
	}
	return &t, nil
}

// ---------------------------------------------------------------------------
// PGEventLedger
// ---------------------------------------------------------------------------

// PGEventLedger is a Postgres-backed ProcessedEventStore shared by every
// receiver instance.
type PGEventLedger struct {
	pool *pgxpool.Pool
}

// NewPGEventLedger creates a PGEventLedger. The processed_events table is
// created by the migrations.
func NewPGEventLedger(pool *pgxpool.Pool) *PGEventLedger {
	return &PGEventLedger{pool: pool}
}

func (l *PGEventLedger) Claim(ctx context.Context, eventID, eventType string, ttl time.Duration) error {
	if eventID == "" {
		return fmt.Errorf("event id is required")
	}
	if ttl <= 0 {
		ttl = DefaultEventRetention
	}
	now := time.Now().UTC()
	// An expired row is overwritten; a live one leaves the insert a no-op.
	tag, err := l.pool.Exec(ctx,
		`INSERT INTO processed_events (event_id, event_type, processed_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (event_id) DO UPDATE SET
		   event_type = EXCLUDED.event_type, processed_at = EXCLUDED.processed_at, expires_at = EXCLUDED.expires_at
		 WHERE processed_events.expires_at <= EXCLUDED.processed_at`,
		eventID, eventType, now, now.Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("claim processed event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

func (l *PGEventLedger) Cleanup(ctx context.Context) (int64, error) {
	tag, err := l.pool.Exec(ctx, `DELETE FROM processed_events WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup processed events: %w", err)
	}
	return tag.RowsAffected(), nil
}

var (
	_ BillingStore        = (*PGStore)(nil)
	_ TaskStore           = (*PGStore)(nil)
	_ ProcessedEventStore = (*PGEventLedger)(nil)
)

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultEventRetention is how long processed event ids are remembered.
const DefaultEventRetention = 30 * 24 * time.Hour

// ---------------------------------------------------------------------------
// InMemoryEventLedger
// ---------------------------------------------------------------------------

// InMemoryEventLedger is a thread-safe in-memory ProcessedEventStore for
// testing and single-server use.
type InMemoryEventLedger struct {
	mu      sync.Mutex
	records map[string]*ProcessedEvent
	now     func() time.Time
}

// NewInMemoryEventLedger creates a new InMemoryEventLedger.
func NewInMemoryEventLedger() *InMemoryEventLedger {
	return &InMemoryEventLedger{
		records: make(map[string]*ProcessedEvent),
		now:     time.Now,
	}
}

func (l *InMemoryEventLedger) Claim(_ context.Context, eventID, eventType string, ttl time.Duration) error {
	if eventID == "" {
		return fmt.Errorf("event id is required")
	}
	if ttl <= 0 {
		ttl = DefaultEventRetention
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if rec, ok := l.records[eventID]; ok && now.Before(rec.ExpiresAt) {
		return ErrDuplicate
	}
	l.records[eventID] = &ProcessedEvent{
		EventID:     eventID,
		EventType:   eventType,
		ProcessedAt: now,
		ExpiresAt:   now.Add(ttl),
	}
	return nil
}

func (l *InMemoryEventLedger) Cleanup(_ context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	var count int64
	for id, rec := range l.records {
		if !now.Before(rec.ExpiresAt) {
			delete(l.records, id)
			count++
		}
	}
	return count, nil
}

// ---------------------------------------------------------------------------
// SQLiteEventLedger
// ---------------------------------------------------------------------------

const eventLedgerCreateTableSQL = `
CREATE TABLE IF NOT EXISTS processed_events (
	event_id     TEXT PRIMARY KEY,
	event_type   TEXT NOT NULL,
	processed_at DATETIME NOT NULL DEFAULT (datetime('now')),
	expires_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_processed_events_expires ON processed_events(expires_at);
`

// SQLiteEventLedger is a SQLite-backed ProcessedEventStore. It suits a single
// webhook receiver that keeps its ledger on local disk.
type SQLiteEventLedger struct {
	db *sql.DB
}

// NewSQLiteEventLedger creates a new SQLiteEventLedger and ensures the
// required table exists. The caller owns the *sql.DB.
func NewSQLiteEventLedger(db *sql.DB) (*SQLiteEventLedger, error) {
	if _, err := db.Exec(eventLedgerCreateTableSQL); err != nil {
		return nil, fmt.Errorf("create processed_events table: %w", err)
	}
	return &SQLiteEventLedger{db: db}, nil
}

func (l *SQLiteEventLedger) Claim(ctx context.Context, eventID, eventType string, ttl time.Duration) error {
	if eventID == "" {
		return fmt.Errorf("event id is required")
	}
	if ttl <= 0 {
		ttl = DefaultEventRetention
	}
	now := time.Now().UTC()

	// An expired row may be reclaimed.
	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE event_id = ? AND expires_at <= ?`,
		eventID, now.Format(sqliteTimeLayout),
	); err != nil {
		return fmt.Errorf("expire processed event: %w", err)
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO processed_events (event_id, event_type, processed_at, expires_at)
		 VALUES (?, ?, ?, ?)`,
		eventID,
		eventType,
		now.Format(sqliteTimeLayout),
		now.Add(ttl).Format(sqliteTimeLayout),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert processed event: %w", err)
	}
	return nil
}

func (l *SQLiteEventLedger) Cleanup(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE expires_at <= ?`,
		time.Now().UTC().Format(sqliteTimeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup processed events: %w", err)
	}
	return res.RowsAffected()
}

// Lookup returns the ledger entry for eventID or ErrNotFound.
func (l *SQLiteEventLedger) Lookup(ctx context.Context, eventID string) (*ProcessedEvent, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT event_id, event_type, processed_at, expires_at
		 FROM processed_events WHERE event_id = ?`,
		eventID,
	)
	var rec ProcessedEvent
	var processedAt, expiresAt string
	err := row.Scan(&rec.EventID, &rec.EventType, &processedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query processed event: %w", err)
	}
	if rec.ProcessedAt, err = parseSQLiteTime(processedAt); err != nil {
		return nil, fmt.Errorf("parse processed_at: %w", err)
	}
	if rec.ExpiresAt, err = parseSQLiteTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	return &rec, nil
}

const sqliteTimeLayout = "2006-01-02 15:04:05"

// isUniqueViolation checks if an error is a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite returns errors containing "UNIQUE constraint failed"
	return strings.Contains(err.Error(), "UNIQUE")
}

// sqliteTimeFormats lists the time formats that SQLite may return.
var sqliteTimeFormats = []string{
	sqliteTimeLayout,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

// parseSQLiteTime parses a time string returned by SQLite.
func parseSQLiteTime(s string) (time.Time, error) {
	for _, layout := range sqliteTimeFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}

var (
	_ ProcessedEventStore = (*InMemoryEventLedger)(nil)
	_ ProcessedEventStore = (*SQLiteEventLedger)(nil)
)

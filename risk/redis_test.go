package risk

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) (*RedisAttemptStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisAttemptStoreWithClient(client, RedisConfig{Prefix: "test:"}), mr
}

func TestRedisAttemptStore_CountsWithinWindow(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, age := range []time.Duration{time.Minute, 5 * time.Minute, 90 * time.Minute} {
		if err := s.RecordAttempt(ctx, "user:u1", now.Add(-age), 0); err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
	}
	n, err := s.CountAttempts(ctx, "user:u1", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountAttempts: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 attempts in window, got %d", n)
	}
}

func TestRedisAttemptStore_SameInstantIsCountedTwice(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 2; i++ {
		if err := s.RecordAttempt(ctx, "ip:198.51.100.1", now, time.Hour); err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
	}
	n, _ := s.CountAttempts(ctx, "ip:198.51.100.1", now.Add(-time.Minute))
	if n != 2 {
		t.Errorf("expected 2 attempts, got %d", n)
	}
}

func TestRedisAttemptStore_TrimsAndExpires(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	_ = s.RecordAttempt(ctx, "user:u1", now.Add(-2*time.Hour), 0)
	if err := s.RecordAttempt(ctx, "user:u1", now, time.Hour); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}

	members, err := mr.ZMembers("test:attempts:user:u1")
	if err != nil {
		t.Fatalf("ZMembers: %v", err)
	}
	if len(members) != 1 {
		t.Errorf("expected stale attempt to be trimmed, have %d members", len(members))
	}
	if ttl := mr.TTL("test:attempts:user:u1"); ttl != time.Hour {
		t.Errorf("ttl: got %v, want 1h", ttl)
	}
}

func TestRedisAttemptStore_Fingerprints(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	known, hasAny, err := s.KnownFingerprint(ctx, "u1", "fp_a")
	if err != nil {
		t.Fatalf("KnownFingerprint: %v", err)
	}
	if known || hasAny {
		t.Errorf("fresh user: known=%v hasAny=%v", known, hasAny)
	}

	if err := s.RememberFingerprint(ctx, "u1", "fp_a"); err != nil {
		t.Fatalf("RememberFingerprint: %v", err)
	}
	known, hasAny, _ = s.KnownFingerprint(ctx, "u1", "fp_a")
	if !known || !hasAny {
		t.Errorf("after remember: known=%v hasAny=%v", known, hasAny)
	}
	known, hasAny, _ = s.KnownFingerprint(ctx, "u1", "fp_b")
	if known || !hasAny {
		t.Errorf("other device: known=%v hasAny=%v", known, hasAny)
	}
}

func TestRedisAttemptStore_UnavailableFailsSafe(t *testing.T) {
	s, mr := newTestRedisStore(t)
	a := NewAssessor(DefaultConfig(), Deps{
		Attempts: s,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	mr.Close()

	if got := a.CheckVelocityLimits(context.Background(), "u1", "", time.Hour); !got.Exceeded {
		t.Errorf("unreachable redis must count as exceeded: %+v", got)
	}
}

func TestAssessor_WithRedisVelocity(t *testing.T) {
	s, _ := newTestRedisStore(t)
	a := NewAssessor(DefaultConfig(), Deps{
		Attempts: s,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ctx := context.Background()
	pc := PaymentContext{Signals: &Signals{RiskLevel: "normal"}, IP: "192.0.2.10"}

	// Each assessment records an attempt; the fifth sees four prior ones.
	var last Assessment
	for i := 0; i < 5; i++ {
		last = a.AssessPaymentRisk(ctx, "ch", "", pc)
	}
	if last.Checks.Velocity || last.Passed {
		t.Errorf("fifth attempt within the hour should trip velocity: %+v", last)
	}
}

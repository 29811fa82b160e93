package risk

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultVelocityWindow is the rolling window for attempt counting.
	DefaultVelocityWindow = 60 * time.Minute
	// DefaultVelocityLimit is the number of attempts allowed per window.
	DefaultVelocityLimit int64 = 3
)

// AttemptStore keeps payment-attempt history and known device fingerprints.
type AttemptStore interface {
	// RecordAttempt notes an attempt for key at t; entries older than
	// retention may be discarded.
	RecordAttempt(ctx context.Context, key string, t time.Time, retention time.Duration) error
	// CountAttempts returns the number of attempts for key at or after since.
	CountAttempts(ctx context.Context, key string, since time.Time) (int64, error)
	// KnownFingerprint reports whether fp is known for the user and whether
	// the user has any known fingerprint at all.
	KnownFingerprint(ctx context.Context, userID, fp string) (known, hasAny bool, err error)
	RememberFingerprint(ctx context.Context, userID, fp string) error
}

// VelocityResult is the outcome of a velocity check.
type VelocityResult struct {
	Exceeded        bool     `json:"exceeded"`
	Count           int64    `json:"count"`
	Recommendations []string `json:"recommendations"`
}

// CheckVelocityLimits counts recent payment attempts for the user and the IP
// within window. It is exceeded when either count is above the configured
// limit. Storage errors count as exceeded.
func (a *Assessor) CheckVelocityLimits(ctx context.Context, userID, ip string, window time.Duration) VelocityResult {
	if window <= 0 {
		window = DefaultVelocityWindow
	}
	count, err := a.countAttempts(ctx, userID, ip, window)
	if err != nil {
		a.logger.Warn("velocity check failed", "user_id", userID, "error", err)
		return VelocityResult{
			Exceeded:        true,
			Count:           count,
			Recommendations: []string{"velocity data unavailable: treat attempt as high velocity"},
		}
	}
	return a.velocityResult(count, window)
}

// countAttempts returns the larger of the user and IP attempt counts within
// window.
func (a *Assessor) countAttempts(ctx context.Context, userID, ip string, window time.Duration) (int64, error) {
	since := a.now().Add(-window)
	var count int64
	for _, key := range attemptKeys(userID, ip) {
		n, err := a.attempts.CountAttempts(ctx, key, since)
		if err != nil {
			return count, fmt.Errorf("risk: count attempts for %s: %w", key, err)
		}
		if n > count {
			count = n
		}
	}
	return count, nil
}

func (a *Assessor) velocityResult(count int64, window time.Duration) VelocityResult {
	res := VelocityResult{Count: count, Recommendations: []string{}}
	if count > a.cfg.VelocityLimit {
		res.Exceeded = true
		res.Recommendations = append(res.Recommendations,
			fmt.Sprintf("more than %d payment attempts in %s: delay further attempts", a.cfg.VelocityLimit, window),
			"require step-up verification before the next attempt",
		)
	}
	return res
}

func attemptKeys(userID, ip string) []string {
	keys := make([]string, 0, 2)
	if userID != "" {
		keys = append(keys, "user:"+userID)
	}
	if ip != "" {
		keys = append(keys, "ip:"+ip)
	}
	return keys
}

// MemoryAttemptStore is an in-process AttemptStore for tests and single-node
// deployments.
type MemoryAttemptStore struct {
	mu           sync.Mutex
	attempts     map[string][]time.Time
	fingerprints map[string]map[string]struct{}
}

// NewMemoryAttemptStore creates an empty MemoryAttemptStore.
func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{
		attempts:     make(map[string][]time.Time),
		fingerprints: make(map[string]map[string]struct{}),
	}
}

func (m *MemoryAttemptStore) RecordAttempt(_ context.Context, key string, t time.Time, retention time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.attempts[key], t)
	sort.Slice(list, func(i, j int) bool { return list[i].Before(list[j]) })
	if retention > 0 {
		cutoff := t.Add(-retention)
		i := sort.Search(len(list), func(i int) bool { return !list[i].Before(cutoff) })
		list = list[i:]
	}
	m.attempts[key] = list
	return nil
}

func (m *MemoryAttemptStore) CountAttempts(_ context.Context, key string, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.attempts[key] {
		if !t.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryAttemptStore) KnownFingerprint(_ context.Context, userID, fp string) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.fingerprints[userID]
	_, known := set[fp]
	return known, len(set) > 0, nil
}

func (m *MemoryAttemptStore) RememberFingerprint(_ context.Context, userID, fp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.fingerprints[userID]
	if !ok {
		set = make(map[string]struct{})
		m.fingerprints[userID] = set
	}
	set[fp] = struct{}{}
	return nil
}

var _ AttemptStore = (*MemoryAttemptStore)(nil)

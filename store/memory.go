package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a thread-safe in-memory BillingStore and TaskStore for
// tests and single-process deployments.
type MemoryStore struct {
	mu    sync.Mutex
	subs  map[string]*Subscription // userID -> subscription
	users map[string]*User
	tasks map[string]*Task
	now   func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:  make(map[string]*Subscription),
		users: make(map[string]*User),
		tasks: make(map[string]*Task),
		now:   time.Now,
	}
}

// PutUser inserts or replaces a user.
func (s *MemoryStore) PutUser(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	if cp.AccountStatus == "" {
		cp.AccountStatus = AccountActive
	}
	if cp.Tier == "" {
		cp.Tier = TierFree
	}
	s.users[u.ID] = &cp
}

// PutSubscription inserts or replaces a subscription.
func (s *MemoryStore) PutSubscription(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sub
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	s.subs[sub.UserID] = &cp
}

func (s *MemoryStore) GetSubscription(_ context.Context, userID string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *MemoryStore) UpdateSubscription(_ context.Context, userID string, patch SubscriptionPatch) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applySubscription(userID, patch)
	return nil
}

func (s *MemoryStore) applySubscription(userID string, patch SubscriptionPatch) {
	now := s.now()
	sub, ok := s.subs[userID]
	if !ok {
		sub = &Subscription{
			ID:        uuid.NewString(),
			UserID:    userID,
			Tier:      TierFree,
			Status:    StatusActive,
			CreatedAt: now,
		}
		s.subs[userID] = sub
	}
	patch.Apply(sub)
	sub.UpdatedAt = now
}

func (s *MemoryStore) GetUser(_ context.Context, userID string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) UpdateUser(_ context.Context, userID string, patch UserPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyUser(userID, patch)
}

func (s *MemoryStore) applyUser(userID string, patch UserPatch) error {
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	patch.Apply(u)
	u.UpdatedAt = s.now()
	return nil
}

// Downgrade applies both patches and enqueues tasks under a single lock. If
// the user does not exist nothing is written.
func (s *MemoryStore) Downgrade(_ context.Context, userID string, sub SubscriptionPatch, user UserPatch, tasks ...*Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return ErrNotFound
	}
	for _, t := range tasks {
		if t.ID != "" {
			if _, exists := s.tasks[t.ID]; exists {
				return ErrDuplicate
			}
		}
	}
	s.applySubscription(userID, sub)
	if err := s.applyUser(userID, user); err != nil {
		return err
	}
	for _, t := range tasks {
		s.insertTask(t)
	}
	return nil
}

func (s *MemoryStore) Enqueue(_ context.Context, task *Task) error {
	if task.Kind == "" {
		return fmt.Errorf("task kind is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.ID != "" {
		if _, exists := s.tasks[task.ID]; exists {
			return ErrDuplicate
		}
	}
	s.insertTask(task)
	return nil
}

func (s *MemoryStore) insertTask(task *Task) {
	now := s.now()
	normalizeTask(task, now)
	cp := *task
	s.tasks[cp.ID] = &cp
}

func (s *MemoryStore) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Task
	for _, t := range s.tasks {
		if isClaimable(t, now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*Task, 0, len(due))
	for _, t := range due {
		until := now.Add(lease)
		t.Status = TaskRunning
		t.Attempts++
		t.LockedUntil = &until
		t.UpdatedAt = now
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func isClaimable(t *Task, now time.Time) bool {
	switch t.Status {
	case TaskPending:
		return !t.RunAt.After(now)
	case TaskRunning:
		return t.LockedUntil != nil && !t.LockedUntil.After(now)
	}
	return false
}

func (s *MemoryStore) Complete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = TaskDone
	t.LockedUntil = nil
	t.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, id, lastErr string, retryAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.LastError = lastErr
	t.LockedUntil = nil
	t.UpdatedAt = s.now()
	if retryAt != nil {
		t.Status = TaskPending
		t.RunAt = *retryAt
	} else {
		t.Status = TaskFailed
	}
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// Tasks returns a snapshot of all tasks ordered by run time.
func (s *MemoryStore) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunAt.Before(out[j].RunAt) })
	return out
}

// normalizeTask fills defaults for a task about to be stored.
func normalizeTask(t *Task, now time.Time) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = DefaultTaskMaxAttempts
	}
	if t.RunAt.IsZero() {
		t.RunAt = now
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
}

// DefaultTaskMaxAttempts bounds retries for tasks enqueued without a limit.
const DefaultTaskMaxAttempts = 5

var (
	_ BillingStore = (*MemoryStore)(nil)
	_ TaskStore    = (*MemoryStore)(nil)
)

package webhook

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// RetryConfig controls how a dead-lettered event is retried on replay.
type RetryConfig struct {
	MaxRetries        int           `json:"maxRetries" yaml:"max_retries"`
	InitialBackoff    time.Duration `json:"initialBackoff" yaml:"initial_backoff"`
	MaxBackoff        time.Duration `json:"maxBackoff" yaml:"max_backoff"`
	BackoffMultiplier float64       `json:"backoffMultiplier" yaml:"backoff_multiplier"`
	JitterFraction    float64       `json:"jitterFraction" yaml:"jitter_fraction"`
}

// DefaultRetryConfig returns a RetryConfig with sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
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
	return c
}

// Replay re-parses a dead-lettered payload and runs its handler again,
// retrying with backoff. The entry leaves the store on success and returns
// to it with the last error otherwise.
func (d *Dispatcher) Replay(ctx context.Context, id string) (*DeadLetter, error) {
	if d.deadLetters == nil {
		return nil, fmt.Errorf("dead letter %q not found", id)
	}
	entry, ok := d.deadLetters.Remove(id)
	if !ok {
		return nil, fmt.Errorf("dead letter %q not found", id)
	}

	ev, err := decodePayload(entry.Payload)
	if err == nil {
		err = d.retry(ctx, entry, func() error { return d.run(ctx, ev) })
	}
	if err != nil {
		entry.Status = StatusReplayFailed
		entry.LastError = err.Error()
		d.deadLetters.Add(entry)
		d.logger.Warn("dead letter replay failed", "dead_letter_id", id, "event_id", entry.EventID, "error", err)
		return entry, err
	}
	d.logger.Info("dead letter replayed", "dead_letter_id", id, "event_id", entry.EventID, "attempts", entry.Attempts)
	return entry, nil
}

func (d *Dispatcher) retry(ctx context.Context, entry *DeadLetter, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= d.retryCfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(d.retryCfg.backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		now := time.Now().UTC()
		entry.Attempts++
		entry.LastAttempt = &now

		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (c RetryConfig) backoff(attempt int) time.Duration {
	base := float64(c.InitialBackoff) * math.Pow(c.BackoffMultiplier, float64(attempt-1))
	if base > float64(c.MaxBackoff) {
		base = float64(c.MaxBackoff)
	}
	if c.JitterFraction > 0 {
		jitter := base * c.JitterFraction * (cryptoFloat64()*2 - 1)
		base += jitter
		if base < 0 {
			base = 0
		}
	}
	return time.Duration(base)
}

// cryptoFloat64 returns a cryptographically random float64 in [0.0, 1.0).
func cryptoFloat64() float64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return float64(binary.BigEndian.Uint64(b[:])>>(64-53)) / float64(1<<53)
}

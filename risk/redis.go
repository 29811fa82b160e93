package risk

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for the Redis attempt store.
type RedisConfig struct {
	Address  string `yaml:"address" json:"address"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Prefix   string `yaml:"prefix" json:"prefix"`
	// FingerprintTTL bounds how long a device stays known without use.
	FingerprintTTL time.Duration `yaml:"fingerprint_ttl" json:"fingerprint_ttl"`
}

// RedisAttemptStore keeps attempt history in sorted sets scored by
// millisecond timestamps, and fingerprints in per-user sets.
type RedisAttemptStore struct {
	client redis.Cmdable
	prefix string
	fpTTL  time.Duration
}

// NewRedisAttemptStore connects to Redis and verifies the connection with
// PING.
func NewRedisAttemptStore(ctx context.Context, cfg RedisConfig) (*RedisAttemptStore, *redis.Client, error) {
	opts := &redis.Options{
		Addr: cfg.Address,
		DB:   cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("risk: redis ping %s: %w", cfg.Address, err)
	}
	return NewRedisAttemptStoreWithClient(client, cfg), client, nil
}

// NewRedisAttemptStoreWithClient wraps an existing client.
func NewRedisAttemptStoreWithClient(client redis.Cmdable, cfg RedisConfig) *RedisAttemptStore {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "billing:risk:"
	}
	ttl := cfg.FingerprintTTL
	if ttl <= 0 {
		ttl = 180 * 24 * time.Hour
	}
	return &RedisAttemptStore{client: client, prefix: prefix, fpTTL: ttl}
}

func (s *RedisAttemptStore) RecordAttempt(ctx context.Context, key string, t time.Time, retention time.Duration) error {
	k := s.prefix + "attempts:" + key
	score := float64(t.UnixMilli())
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, k, redis.Z{Score: score, Member: strconv.FormatInt(t.UnixMilli(), 10) + ":" + uuid.NewString()})
		if retention > 0 {
			cutoff := t.Add(-retention).UnixMilli()
			p.ZRemRangeByScore(ctx, k, "-inf", "("+strconv.FormatInt(cutoff, 10))
			p.Expire(ctx, k, retention)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("risk: record attempt %s: %w", key, err)
	}
	return nil
}

func (s *RedisAttemptStore) CountAttempts(ctx context.Context, key string, since time.Time) (int64, error) {
	n, err := s.client.ZCount(ctx, s.prefix+"attempts:"+key, strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("risk: count attempts %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisAttemptStore) KnownFingerprint(ctx context.Context, userID, fp string) (bool, bool, error) {
	k := s.prefix + "devices:" + userID
	var member *redis.BoolCmd
	var card *redis.IntCmd
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		member = p.SIsMember(ctx, k, fp)
		card = p.SCard(ctx, k)
		return nil
	})
	if err != nil {
		return false, false, fmt.Errorf("risk: lookup fingerprint for %s: %w", userID, err)
	}
	return member.Val(), card.Val() > 0, nil
}

func (s *RedisAttemptStore) RememberFingerprint(ctx context.Context, userID, fp string) error {
	k := s.prefix + "devices:" + userID
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, k, fp)
		p.Expire(ctx, k, s.fpTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("risk: remember fingerprint for %s: %w", userID, err)
	}
	return nil
}

var _ AttemptStore = (*RedisAttemptStore)(nil)

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lexiqai/coach-gateway/internal/coaching"
)

// DefaultRetention covers the longest stats window.
const DefaultRetention = 7 * 24 * time.Hour

// RedisLog keeps activations in a sorted set scored by activation time, so a
// stats window is a single range query.
type RedisLog struct {
	client    redis.UniversalClient
	key       string
	retention time.Duration
}

var _ coaching.ActivationLog = (*RedisLog)(nil)

type redisEntry struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	RuleID    string `json:"rule_id"`
	Severity  string `json:"severity"`
}

// NewRedisClient connects to addr and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisLog stores activations under key. Entries older than retention are
// trimmed on every write.
func NewRedisLog(client redis.UniversalClient, key string, retention time.Duration) *RedisLog {
	if key == "" {
		key = "coach:activations"
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisLog{client: client, key: key, retention: retention}
}

// Record adds an activation and trims expired entries.
func (r *RedisLog) Record(ctx context.Context, a coaching.Activation) error {
	member, err := json.Marshal(redisEntry{
		ID:        uuid.NewString(),
		SessionID: a.SessionID,
		RuleID:    a.RuleID,
		Severity:  string(a.Severity),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal activation: %w", err)
	}

	cutoff := a.At.Add(-r.retention).UnixMilli()
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, r.key, redis.Z{Score: float64(a.At.UnixMilli()), Member: string(member)})
	pipe.ZRemRangeByScore(ctx, r.key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record activation %s: %w", a.RuleID, err)
	}
	return nil
}

// Counts returns activations per rule id since the given time.
func (r *RedisLog) Counts(ctx context.Context, since time.Time) (map[string]int, error) {
	members, err := r.client.ZRangeByScore(ctx, r.key, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read activations: %w", err)
	}

	counts := make(map[string]int)
	for _, m := range members {
		var e redisEntry
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			continue
		}
		counts[e.RuleID]++
	}
	return counts, nil
}

// Healthy pings the server.
func (r *RedisLog) Healthy(ctx context.Context) (bool, error) {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return false, err
	}
	return true, nil
}

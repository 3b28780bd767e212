package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/validator"
)

// MemoryResults keeps validation results in process memory.
type MemoryResults struct {
	ttl *TTL[validator.Result]
}

func NewMemoryResults(ttl time.Duration) *MemoryResults {
	return &MemoryResults{ttl: NewTTL[validator.Result](ttl)}
}

func (m *MemoryResults) Get(_ context.Context, key string) (validator.Result, bool) {
	r, ok := m.ttl.Get(key)
	if !ok {
		return validator.Result{}, false
	}
	return r.Clone(), true
}

// Set stores a copy with all tool approvals and capabilities stripped, so a
// replayed result can never carry access the gate did not grant.
func (m *MemoryResults) Set(_ context.Context, key string, r validator.Result) {
	stored := r.Clone()
	stored.Context = stored.Context.WithoutGrants()
	m.ttl.Set(key, stored)
}

// Sweep drops expired results and reports how many were removed.
func (m *MemoryResults) Sweep() int {
	return m.ttl.Sweep()
}

// Janitor sweeps expired results until ctx is cancelled.
func (m *MemoryResults) Janitor(ctx context.Context, interval time.Duration) {
	m.ttl.Janitor(ctx, interval)
}

// RedisClient is the subset of the go-redis client the cache uses.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisResults shares validation results between replicas.
type RedisResults struct {
	client RedisClient
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

func NewRedisResults(client RedisClient, ttl time.Duration, logger *zap.Logger) *RedisResults {
	return &RedisResults{client: client, ttl: ttl, prefix: "warden:validation:", logger: logger}
}

// WithNamespace returns a view whose keys do not collide with results
// computed under another configuration.
func (r *RedisResults) WithNamespace(ns string) *RedisResults {
	cp := *r
	cp.prefix = "warden:validation:" + ns + ":"
	return &cp
}

// Get treats every backend or decode failure as a miss.
func (r *RedisResults) Get(ctx context.Context, key string) (validator.Result, bool) {
	raw, err := r.client.Get(ctx, r.prefix+key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("validation cache read failed", zap.Error(err))
		}
		return validator.Result{}, false
	}
	var res validator.Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		r.logger.Warn("validation cache entry undecodable", zap.Error(err))
		return validator.Result{}, false
	}
	return res, true
}

func (r *RedisResults) Set(ctx context.Context, key string, res validator.Result) {
	res.Context = res.Context.WithoutGrants()
	data, err := json.Marshal(res)
	if err != nil {
		r.logger.Warn("validation cache encode failed", zap.Error(err))
		return
	}
	if err := r.client.Set(ctx, r.prefix+key, string(data), r.ttl).Err(); err != nil {
		r.logger.Warn("validation cache write failed", zap.Error(err))
	}
}

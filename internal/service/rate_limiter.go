package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	apperrors "github.com/habitflow/credits-server-go/internal/errors"
	"github.com/habitflow/credits-server-go/internal/metrics"
	"github.com/habitflow/credits-server-go/internal/model"
	redisclient "github.com/habitflow/credits-server-go/internal/redis"
	"github.com/habitflow/credits-server-go/internal/util"
)

// WindowState is what a store saw inside the window ending at now.
type WindowState struct {
	Allowed bool
	Count   int
	// Oldest is the earliest request still inside the window; zero when empty.
	Oldest time.Time
}

// WindowStore keeps per-key request timestamps for a sliding window.
type WindowStore interface {
	// Consume records a request at now only if fewer than limit requests
	// fall inside the window. A denied call records nothing.
	Consume(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (WindowState, error)
	Peek(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (WindowState, error)
}

// slidingWindowScript prunes expired entries, then consumes when under the
// limit. Scores are unix milliseconds.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local consume = tonumber(ARGV[4])
local member = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)
local allowed = 0

if count < limit then
    allowed = 1
    if consume == 1 then
        redis.call('ZADD', key, now, member)
        redis.call('PEXPIRE', key, window + 1000)
        count = count + 1
    end
end

local oldest = 0
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if #first >= 2 then
    oldest = tonumber(first[2])
end

return {allowed, count, oldest}
`)

// RedisWindowStore is safe to share between instances.
type RedisWindowStore struct {
	client   redis.Scripter
	instance string
	seq      atomic.Uint64
}

func NewRedisWindowStore(client redis.Scripter) *RedisWindowStore {
	instance := strconv.FormatInt(time.Now().UnixNano(), 36)
	if token, err := util.GenerateToken(); err == nil {
		instance = token[:12]
	}
	return &RedisWindowStore{client: client, instance: instance}
}

func (s *RedisWindowStore) Consume(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (WindowState, error) {
	return s.run(ctx, key, now, window, limit, true)
}

func (s *RedisWindowStore) Peek(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (WindowState, error) {
	return s.run(ctx, key, now, window, limit, false)
}

func (s *RedisWindowStore) run(ctx context.Context, key string, now time.Time, window time.Duration, limit int, consume bool) (WindowState, error) {
	consumeFlag := 0
	if consume {
		consumeFlag = 1
	}
	member := fmt.Sprintf("%d-%s-%d", now.UnixMilli(), s.instance, s.seq.Add(1))

	result, err := slidingWindowScript.Run(
		ctx,
		s.client,
		[]string{key},
		now.UnixMilli(),
		window.Milliseconds(),
		limit,
		consumeFlag,
		member,
	).Int64Slice()
	if err != nil {
		return WindowState{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(result) != 3 {
		return WindowState{}, fmt.Errorf("rate limit script: unexpected result length %d", len(result))
	}

	state := WindowState{Allowed: result[0] == 1, Count: int(result[1])}
	if result[2] > 0 {
		state.Oldest = time.UnixMilli(result[2])
	}
	return state, nil
}

const (
	maxWindowEntries = 10000
	windowEntryTTL   = 2 * time.Hour
)

type windowEntry struct {
	timestamps []time.Time
	lastAccess time.Time
}

// MemoryWindowStore is for single-instance deployments and tests. Its state
// is not shared, so two processes each allow the full limit.
type MemoryWindowStore struct {
	mu         sync.Mutex
	store      map[string]*windowEntry
	maxEntries int
}

func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{store: make(map[string]*windowEntry), maxEntries: maxWindowEntries}
}

func (s *MemoryWindowStore) Consume(_ context.Context, key string, now time.Time, window time.Duration, limit int) (WindowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.entry(key, now, window)
	state := WindowState{Count: len(entry.timestamps)}
	if state.Count < limit {
		entry.timestamps = append(entry.timestamps, now)
		state.Allowed = true
		state.Count++
	}
	if len(entry.timestamps) > 0 {
		state.Oldest = entry.timestamps[0]
	}
	return state, nil
}

func (s *MemoryWindowStore) Peek(_ context.Context, key string, now time.Time, window time.Duration, limit int) (WindowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.entry(key, now, window)
	state := WindowState{Count: len(entry.timestamps), Allowed: len(entry.timestamps) < limit}
	if len(entry.timestamps) > 0 {
		state.Oldest = entry.timestamps[0]
	}
	return state, nil
}

// entry returns the key's timestamps pruned to (now-window, now]. Callers hold mu.
func (s *MemoryWindowStore) entry(key string, now time.Time, window time.Duration) *windowEntry {
	entry, ok := s.store[key]
	if !ok {
		if len(s.store) >= s.maxEntries {
			s.pruneLocked(now)
		}
		if len(s.store) >= s.maxEntries {
			s.evictLocked()
		}
		entry = &windowEntry{}
		s.store[key] = entry
	}
	entry.lastAccess = now

	windowStart := now.Add(-window)
	filtered := entry.timestamps[:0]
	for _, ts := range entry.timestamps {
		if ts.After(windowStart) {
			filtered = append(filtered, ts)
		}
	}
	entry.timestamps = filtered
	return entry
}

// Prune drops keys idle for longer than any window. It returns how many were removed.
func (s *MemoryWindowStore) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(now)
}

func (s *MemoryWindowStore) pruneLocked(now time.Time) int {
	removed := 0
	for key, entry := range s.store {
		if now.Sub(entry.lastAccess) > windowEntryTTL {
			delete(s.store, key)
			removed++
		}
	}
	return removed
}

// evictLocked drops the least recently used key to hold the size cap.
func (s *MemoryWindowStore) evictLocked() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range s.store {
		if oldestKey == "" || entry.lastAccess.Before(oldest) {
			oldestKey, oldest = key, entry.lastAccess
		}
	}
	delete(s.store, oldestKey)
}

func (s *MemoryWindowStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.store)
}

// RateLimiter caps feature calls per user over a rolling window. Store
// failures are returned to the caller, which must treat them as a denial.
type RateLimiter struct {
	store  WindowStore
	class  string
	window time.Duration
	limits map[model.SubscriptionTier]int
	now    func() time.Time
}

func NewRateLimiter(store WindowStore, class string, window time.Duration, limits map[model.SubscriptionTier]int) *RateLimiter {
	return &RateLimiter{
		store:  store,
		class:  class,
		window: window,
		limits: limits,
		now:    time.Now,
	}
}

// Limit returns the maximum for tier, falling back to the free tier.
func (rl *RateLimiter) Limit(tier model.SubscriptionTier) int {
	if max, ok := rl.limits[tier]; ok {
		return max
	}
	return rl.limits[model.TierFree]
}

func (rl *RateLimiter) CheckAndConsume(ctx context.Context, userID string, tier model.SubscriptionTier) (*model.RateLimitDecision, error) {
	now := rl.now()
	limit := rl.Limit(tier)

	state, err := rl.store.Consume(ctx, redisclient.RateLimitKey(rl.class, userID), now, rl.window, limit)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("rate limit check failed, denying request")
		metrics.RecordRateLimitDecision(string(tier), false)
		return nil, apperrors.External("rate limiter", err)
	}

	decision := rl.decision(state, now, limit)
	metrics.RecordRateLimitDecision(string(tier), decision.Allowed)
	return decision, nil
}

// Peek reports the current window without consuming. Allowed tells whether
// the next call would pass.
func (rl *RateLimiter) Peek(ctx context.Context, userID string, tier model.SubscriptionTier) (*model.RateLimitDecision, error) {
	now := rl.now()
	limit := rl.Limit(tier)

	state, err := rl.store.Peek(ctx, redisclient.RateLimitKey(rl.class, userID), now, rl.window, limit)
	if err != nil {
		return nil, apperrors.External("rate limiter", err)
	}
	return rl.decision(state, now, limit), nil
}

func (rl *RateLimiter) decision(state WindowState, now time.Time, limit int) *model.RateLimitDecision {
	remaining := limit - state.Count
	if remaining < 0 {
		remaining = 0
	}
	resetAt := now.Add(rl.window)
	if !state.Oldest.IsZero() {
		resetAt = state.Oldest.Add(rl.window)
	}
	return &model.RateLimitDecision{
		Allowed:     state.Allowed,
		Remaining:   remaining,
		MaxRequests: limit,
		ResetAt:     resetAt,
	}
}

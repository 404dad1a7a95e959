package services

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/ViljarVoidula/graphql-gateway/dto"
	"github.com/ViljarVoidula/graphql-gateway/shared"
)

// UsageBackend is the counter-store contract: atomic hash increment,
// first-write-wins field set, expiry refresh and a scripted two-counter
// rate-limit check. The redis backend is production; the memory backend is
// selected by USAGE_STORE=memory for tests and local runs.
type UsageBackend interface {
	Increment(ctx context.Context, key string, flags dto.UsageFlags, applicationID, serviceID string, ttl time.Duration) error
	RateLimitCheck(ctx context.Context, minuteKey, dayKey string, minuteTTL, dayTTL time.Duration) (minuteCount, dayCount int64, err error)
	GetEntry(ctx context.Context, key string) (map[string]string, error)
	EntryTTL(ctx context.Context, key string) (time.Duration, error)
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
}

// UsageService meters proxied requests and enforces per-key quotas. All
// cross-request consistency is delegated to the backend's atomic primitives;
// the service holds no mutable counter state of its own.
type UsageService struct {
	appContext.DefaultService

	backend   UsageBackend
	prefix    string
	retention time.Duration
	storeKind string

	minuteLimit int64
	dayLimit    int64
}

const USAGE_SVC = "usage_svc"

func (svc UsageService) Id() string {
	return USAGE_SVC
}

func (svc *UsageService) Configure(ctx *appContext.Context) error {
	svc.prefix = os.Getenv("USAGE_KEY_PREFIX")
	if svc.prefix == "" {
		svc.prefix = "gw"
	}

	retentionDays := 30
	if v := os.Getenv("USAGE_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			retentionDays = n
		}
	}
	svc.retention = time.Duration(retentionDays) * 24 * time.Hour

	svc.storeKind = os.Getenv("USAGE_STORE")
	if svc.storeKind == "" {
		svc.storeKind = "redis"
	}

	svc.minuteLimit = envInt64("RATE_LIMIT_PER_MINUTE", 600)
	svc.dayLimit = envInt64("RATE_LIMIT_PER_DAY", 100000)

	return svc.DefaultService.Configure(ctx)
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func (svc *UsageService) Start() error {
	if svc.storeKind == "memory" {
		svc.backend = NewMemoryUsageBackend()
		log.Warn("Usage counters running on the in-memory store; counts are per-instance and lost on restart")
		return nil
	}

	redisSvc := svc.Service(REDIS_SVC).(*RedisService)
	svc.backend = &redisUsageBackend{redis: redisSvc}
	return nil
}

// MinuteLimit and DayLimit expose the configured quotas to middleware.
func (svc *UsageService) MinuteLimit() int64 { return svc.minuteLimit }
func (svc *UsageService) DayLimit() int64    { return svc.dayLimit }

// UsageKey composes the entry key: one hash per (UTC date, api key,
// service-or-sentinel).
func (svc *UsageService) UsageKey(date time.Time, apiKeyID, serviceID string) string {
	if serviceID == "" {
		serviceID = "-"
	}
	return fmt.Sprintf("%s:usage:%s:%s:%s", svc.prefix, date.UTC().Format("2006-01-02"), apiKeyID, serviceID)
}

// Increment records one proxied request. The whole batch (req, conditional
// err/rl, first-write-wins metadata, expiry refresh) is applied atomically by
// the backend; a reader never observes a partial update.
func (svc *UsageService) Increment(ctx context.Context, applicationID, serviceID, apiKeyID string, flags dto.UsageFlags) error {
	key := svc.UsageKey(time.Now(), apiKeyID, serviceID)
	if err := svc.backend.Increment(ctx, key, flags, applicationID, serviceID, svc.retention); err != nil {
		return shared.ErrStoreUnavailable(fmt.Sprintf("usage increment failed: %v", err))
	}
	usageIncrementsTotal.Inc()
	return nil
}

// RateLimitCheck increments the per-minute and per-day counters in one
// scripted transaction and compares the post-increment counts against the
// limits. Store errors surface as StoreUnavailable; callers must fail closed.
func (svc *UsageService) RateLimitCheck(ctx context.Context, apiKeyID string, minuteLimit, dayLimit int64) (*dto.RateLimitResult, error) {
	now := time.Now().UTC()
	minuteKey := fmt.Sprintf("%s:rl:%s:m:%s", svc.prefix, apiKeyID, now.Format("2006-01-02T15:04"))
	dayKey := fmt.Sprintf("%s:rl:%s:d:%s", svc.prefix, apiKeyID, now.Format("2006-01-02"))

	minuteCount, dayCount, err := svc.backend.RateLimitCheck(ctx, minuteKey, dayKey, time.Minute, 24*time.Hour)
	if err != nil {
		return nil, shared.ErrStoreUnavailable(fmt.Sprintf("rate limit check failed: %v", err))
	}

	res := &dto.RateLimitResult{
		MinuteCount: minuteCount,
		DayCount:    dayCount,
		Allowed:     minuteCount <= minuteLimit && dayCount <= dayLimit,
	}
	if !res.Allowed {
		rateLimitedTotal.Inc()
	}
	return res, nil
}

func (svc *UsageService) GetEntry(ctx context.Context, key string) (map[string]string, error) {
	return svc.backend.GetEntry(ctx, key)
}

func (svc *UsageService) EntryTTL(ctx context.Context, key string) (time.Duration, error) {
	return svc.backend.EntryTTL(ctx, key)
}

// ScanUsageKeys lists entry keys matching a pattern fragment, e.g. a date or
// an api key id. Operator tooling only, never on the request path.
func (svc *UsageService) ScanUsageKeys(ctx context.Context, fragment string) ([]string, error) {
	return svc.backend.ScanKeys(ctx, fmt.Sprintf("%s:usage:%s", svc.prefix, fragment))
}

// ==================== REDIS BACKEND ====================

type redisUsageBackend struct {
	redis *RedisService
}

// All fields of the entry move in one script so partial application is never
// observable, even when concurrent writers race on a fresh key.
var incrementScript = redis.NewScript(`
redis.call('HINCRBY', KEYS[1], 'req', 1)
if ARGV[1] == '1' then
  redis.call('HINCRBY', KEYS[1], 'err', 1)
end
if ARGV[2] == '1' then
  redis.call('HINCRBY', KEYS[1], 'rl', 1)
end
redis.call('HSETNX', KEYS[1], 'applicationId', ARGV[3])
if ARGV[4] ~= '' then
  redis.call('HSETNX', KEYS[1], 'serviceId', ARGV[4])
end
redis.call('EXPIRE', KEYS[1], ARGV[5])
return redis.call('HGET', KEYS[1], 'req')
`)

// Expiry is set only by the call that created each counter, inside the same
// script, so two concurrent first writers cannot set conflicting TTLs.
var rateLimitScript = redis.NewScript(`
local m = redis.call('INCR', KEYS[1])
if m == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
local d = redis.call('INCR', KEYS[2])
if d == 1 then
  redis.call('EXPIRE', KEYS[2], ARGV[2])
end
return {m, d}
`)

func (b *redisUsageBackend) Increment(ctx context.Context, key string, flags dto.UsageFlags, applicationID, serviceID string, ttl time.Duration) error {
	_, err := b.redis.RunScript(ctx, incrementScript, []string{key},
		boolArg(flags.Error), boolArg(flags.RateLimited), applicationID, serviceID, int(ttl.Seconds()))
	return err
}

func (b *redisUsageBackend) RateLimitCheck(ctx context.Context, minuteKey, dayKey string, minuteTTL, dayTTL time.Duration) (int64, int64, error) {
	res, err := b.redis.RunScript(ctx, rateLimitScript, []string{minuteKey, dayKey},
		int(minuteTTL.Seconds()), int(dayTTL.Seconds()))
	if err != nil {
		return 0, 0, err
	}
	counts, ok := res.([]interface{})
	if !ok || len(counts) != 2 {
		return 0, 0, fmt.Errorf("unexpected script result %v", res)
	}
	return toInt64(counts[0]), toInt64(counts[1]), nil
}

func (b *redisUsageBackend) GetEntry(ctx context.Context, key string) (map[string]string, error) {
	return b.redis.HGetAll(ctx, key)
}

func (b *redisUsageBackend) EntryTTL(ctx context.Context, key string) (time.Duration, error) {
	return b.redis.TTL(ctx, key)
}

func (b *redisUsageBackend) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	return b.redis.Keys(ctx, pattern)
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	default:
		return 0
	}
}

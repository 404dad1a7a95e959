package services

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ViljarVoidula/graphql-gateway/dto"
)

// MemoryUsageBackend implements the counter-store contract against process
// memory. It exists for the USAGE_STORE=memory testing flag; counts are
// per-instance and disappear on restart.
type MemoryUsageBackend struct {
	mu       sync.Mutex
	entries  map[string]*memoryEntry
	counters map[string]*memoryCounter
}

type memoryEntry struct {
	counts    map[string]int64
	meta      map[string]string
	expiresAt time.Time
}

type memoryCounter struct {
	count     int64
	expiresAt time.Time
}

func NewMemoryUsageBackend() *MemoryUsageBackend {
	return &MemoryUsageBackend{
		entries:  make(map[string]*memoryEntry),
		counters: make(map[string]*memoryCounter),
	}
}

func (b *MemoryUsageBackend) Increment(_ context.Context, key string, flags dto.UsageFlags, applicationID, serviceID string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := b.liveEntry(key)
	if entry == nil {
		entry = &memoryEntry{
			counts: make(map[string]int64),
			meta:   make(map[string]string),
		}
		b.entries[key] = entry
	}

	entry.counts["req"]++
	if flags.Error {
		entry.counts["err"]++
	}
	if flags.RateLimited {
		entry.counts["rl"]++
	}
	if _, ok := entry.meta["applicationId"]; !ok {
		entry.meta["applicationId"] = applicationID
	}
	if serviceID != "" {
		if _, ok := entry.meta["serviceId"]; !ok {
			entry.meta["serviceId"] = serviceID
		}
	}
	entry.expiresAt = time.Now().Add(ttl)
	return nil
}

func (b *MemoryUsageBackend) RateLimitCheck(_ context.Context, minuteKey, dayKey string, minuteTTL, dayTTL time.Duration) (int64, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	minute := b.bumpCounter(minuteKey, minuteTTL)
	day := b.bumpCounter(dayKey, dayTTL)
	return minute, day, nil
}

func (b *MemoryUsageBackend) bumpCounter(key string, ttl time.Duration) int64 {
	now := time.Now()
	c, ok := b.counters[key]
	if !ok || now.After(c.expiresAt) {
		c = &memoryCounter{expiresAt: now.Add(ttl)}
		b.counters[key] = c
	}
	c.count++
	return c.count
}

func (b *MemoryUsageBackend) GetEntry(_ context.Context, key string) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := b.liveEntry(key)
	if entry == nil {
		return map[string]string{}, nil
	}

	out := make(map[string]string, len(entry.counts)+len(entry.meta))
	for k, v := range entry.counts {
		out[k] = strconv.FormatInt(v, 10)
	}
	for k, v := range entry.meta {
		out[k] = v
	}
	return out, nil
}

func (b *MemoryUsageBackend) EntryTTL(_ context.Context, key string) (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := b.liveEntry(key)
	if entry == nil {
		return -2 * time.Second, nil
	}
	return time.Until(entry.expiresAt), nil
}

func (b *MemoryUsageBackend) ScanKeys(_ context.Context, pattern string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	prefix := strings.TrimSuffix(pattern, "*")
	wildcard := strings.HasSuffix(pattern, "*")

	var out []string
	for key := range b.entries {
		if b.liveEntry(key) == nil {
			continue
		}
		if (wildcard && strings.HasPrefix(key, prefix)) || key == pattern {
			out = append(out, key)
		}
	}
	return out, nil
}

// liveEntry returns the entry if present and unexpired, dropping it lazily
// otherwise. Caller holds the lock.
func (b *MemoryUsageBackend) liveEntry(key string) *memoryEntry {
	entry, ok := b.entries[key]
	if !ok {
		return nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(b.entries, key)
		return nil
	}
	return entry
}

package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kjstillabower/api-aggregator-service/internal/models"
)

// Fixed lifetimes per source. News entries additionally require every record
// to be younger than NewsRecordMaxAge.
const (
	WeatherTTL       = 30 * time.Minute
	GeoTTL           = 30 * time.Minute
	NewsTTL          = 30 * time.Minute
	NewsRecordMaxAge = 15 * time.Minute
)

// Cache defines the per-source cache used in front of each upstream adapter.
// Get returns an entry only while it is fresh; Set stores a value with the TTL of its kind.
type Cache interface {
	Get(ctx context.Context, kind models.SourceKind, key string) (Entry, bool, error)
	Set(ctx context.Context, kind models.SourceKind, key string, value models.Record) error
}

// Entry is a cached record together with its creation time and lifetime.
type Entry struct {
	Value     models.Record `json:"value"`
	CreatedAt time.Time     `json:"createdAt"`
	TTL       time.Duration `json:"ttl"`
}

// Clock returns the current time. Injected so tests can move time without sleeping.
type Clock func() time.Time

// Option configures a cache backend.
type Option func(*settings)

type settings struct {
	now Clock
}

// WithClock overrides time.Now for key bucketing and freshness checks.
func WithClock(c Clock) Option {
	return func(s *settings) {
		if c != nil {
			s.now = c
		}
	}
}

func newSettings(opts []Option) settings {
	s := settings{now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// TTLFor returns the entry lifetime for kind.
func TTLFor(kind models.SourceKind) time.Duration {
	switch kind {
	case models.SourceWeather:
		return WeatherTTL
	case models.SourceGeo:
		return GeoTTL
	case models.SourceNews:
		return NewsTTL
	default:
		return 0
	}
}

// Key derives the storage key from kind, the UTC calendar day of now and the
// normalized lookup key, so the keyspace rolls over once per day.
func Key(kind models.SourceKind, now time.Time, key string) string {
	return string(kind) + ":" + now.UTC().Format("20060102") + ":" + NormalizeKey(key)
}

// NormalizeKey trims and lowercases a location so "London" and " london " share an entry.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Fresh reports whether e may still be served at now. An entry is stale once
// now-CreatedAt >= TTL; a news entry is also stale as soon as any single record
// has reached NewsRecordMaxAge.
func Fresh(e Entry, now time.Time) bool {
	if now.Sub(e.CreatedAt) >= e.TTL {
		return false
	}
	if e.Value.Kind == models.SourceNews {
		for _, r := range e.Value.News {
			if now.Sub(r.LastUpdated) >= NewsRecordMaxAge {
				return false
			}
		}
	}
	return true
}

// InMemoryCache implements Cache using a map guarded by a RWMutex.
// Stale entries are removed lazily on access; there is no sweeper.
type InMemoryCache struct {
	mu   sync.RWMutex
	data map[string]Entry
	now  Clock
}

// NewInMemoryCache creates a new in-memory cache instance.
func NewInMemoryCache(opts ...Option) *InMemoryCache {
	s := newSettings(opts)
	return &InMemoryCache{
		data: make(map[string]Entry),
		now:  s.now,
	}
}

// Get returns (entry, true, nil) on a fresh hit and (zero, false, nil) on a miss.
// Stale entries are deleted unless a concurrent writer has replaced them.
func (c *InMemoryCache) Get(ctx context.Context, kind models.SourceKind, key string) (Entry, bool, error) {
	now := c.now()
	k := Key(kind, now, key)

	c.mu.RLock()
	entry, ok := c.data[k]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}
	if Fresh(entry, now) {
		return entry, true, nil
	}

	c.mu.Lock()
	if cur, ok := c.data[k]; ok && cur.CreatedAt.Equal(entry.CreatedAt) {
		delete(c.data, k)
	}
	c.mu.Unlock()
	return Entry{}, false, nil
}

// Set stores value under kind/key with the TTL of kind. Last writer wins.
func (c *InMemoryCache) Set(ctx context.Context, kind models.SourceKind, key string, value models.Record) error {
	return c.SetWithTTL(ctx, kind, key, value, TTLFor(kind))
}

// SetWithTTL stores value with an explicit TTL.
func (c *InMemoryCache) SetWithTTL(ctx context.Context, kind models.SourceKind, key string, value models.Record, ttl time.Duration) error {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[Key(kind, now, key)] = Entry{
		Value:     value,
		CreatedAt: now,
		TTL:       ttl,
	}
	return nil
}

// Len returns the number of stored entries, fresh or not.
func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

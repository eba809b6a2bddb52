package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/api-aggregator-service/internal/models"
)

const (
	keyPrefix = "aggregator:"
	// memcached rejects keys longer than 250 bytes.
	maxKeyLen = 250
)

// MemcachedCache implements Cache using memcached. Entries are JSON encoded and
// checked with Fresh on read, so news per-record freshness holds across backends.
type MemcachedCache struct {
	client *memcache.Client
	now    Clock
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero. An address that is
// not a resolvable host:port (or a socket path) is an error.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int, opts ...Option) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	var selector memcache.ServerList
	if err := selector.SetServers(servers...); err != nil {
		return nil, fmt.Errorf("memcached addrs %q: %w", addrs, err)
	}
	client := memcache.NewFromSelector(&selector)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	s := newSettings(opts)
	return &MemcachedCache{client: client, now: s.now}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// storageKey escapes whitespace and control characters, which memcached does not
// allow, and hashes keys that would exceed the length limit.
func storageKey(k string) string {
	k = keyPrefix + url.QueryEscape(k)
	if len(k) <= maxKeyLen {
		return k
	}
	sum := sha256.Sum256([]byte(k))
	return keyPrefix + "h:" + hex.EncodeToString(sum[:])
}

// Get implements Cache.Get. Returns false, nil on cache miss; false, err on error.
func (c *MemcachedCache) Get(ctx context.Context, kind models.SourceKind, key string) (Entry, bool, error) {
	if ctx.Err() != nil {
		return Entry{}, false, ctx.Err()
	}
	now := c.now()
	item, err := c.client.Get(storageKey(Key(kind, now, key)))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	var entry Entry
	if err := json.Unmarshal(item.Value, &entry); err != nil {
		return Entry{}, false, err
	}
	if !Fresh(entry, now) {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Set implements Cache.Set.
func (c *MemcachedCache) Set(ctx context.Context, kind models.SourceKind, key string, value models.Record) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	now := c.now()
	ttl := TTLFor(kind)
	raw, err := json.Marshal(Entry{Value: value, CreatedAt: now, TTL: ttl})
	if err != nil {
		return err
	}
	expSec := int32(ttl.Seconds())
	const maxRelativeExp = 30 * 24 * 60 * 60 // 30 days
	if expSec <= 0 || expSec > maxRelativeExp {
		expSec = 3600
	}
	return c.client.Set(&memcache.Item{
		Key:        storageKey(Key(kind, now, key)),
		Value:      raw,
		Expiration: expSec,
	})
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}

package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kjstillabower/api-aggregator-service/internal/models"
)

// fakeClock is a settable clock for freshness tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

var t0 = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

// TestInMemoryCache_GetSet verifies that Set stores values and Get retrieves
// them correctly with the expected data.
func TestInMemoryCache_GetSet(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(t0)
	c := NewInMemoryCache(WithClock(clock.Now))

	val := models.WeatherResult(models.WeatherRecord{City: "London", Temperature: 25, Description: "clear sky"})
	if err := c.Set(ctx, models.SourceWeather, "London", val); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok, err := c.Get(ctx, models.SourceWeather, "London")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if got.Value.Weather != val.Weather {
		t.Errorf("Get() = %+v, want %+v", got.Value.Weather, val.Weather)
	}
	if got.TTL != WeatherTTL {
		t.Errorf("TTL = %v, want %v", got.TTL, WeatherTTL)
	}
	if !got.CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, t0)
	}
}

// TestInMemoryCache_Get_Miss verifies that Get returns ok=false when
// the requested key does not exist in cache.
func TestInMemoryCache_Get_Miss(t *testing.T) {
	c := NewInMemoryCache()

	_, ok, err := c.Get(context.Background(), models.SourceGeo, "nowhere")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("Get() ok = true, want false for miss")
	}
}

// TestInMemoryCache_KindsAreSeparate verifies that the same location under
// different kinds does not collide.
func TestInMemoryCache_KindsAreSeparate(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()

	_ = c.Set(ctx, models.SourceWeather, "paris", models.WeatherResult(models.WeatherRecord{City: "Paris"}))
	if _, ok, _ := c.Get(ctx, models.SourceGeo, "paris"); ok {
		t.Error("geo lookup hit a weather entry")
	}
}

// TestInMemoryCache_KeyNormalization verifies case and surrounding whitespace are ignored.
func TestInMemoryCache_KeyNormalization(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()

	_ = c.Set(ctx, models.SourceWeather, " London ", models.WeatherResult(models.WeatherRecord{City: "London"}))
	if _, ok, _ := c.Get(ctx, models.SourceWeather, "london"); !ok {
		t.Error("Get(london) ok = false, want true")
	}
}

// TestInMemoryCache_Expiry verifies the 30 minute boundary: hit just before,
// miss at exactly TTL, and the stale entry is removed.
func TestInMemoryCache_Expiry(t *testing.T) {
	tests := []struct {
		name    string
		kind    models.SourceKind
		advance time.Duration
		wantHit bool
	}{
		{"weather before ttl", models.SourceWeather, 29*time.Minute + 59*time.Second, true},
		{"weather at ttl", models.SourceWeather, 30 * time.Minute, false},
		{"geo before ttl", models.SourceGeo, 10 * time.Minute, true},
		{"geo after ttl", models.SourceGeo, 31 * time.Minute, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock(t0)
			c := NewInMemoryCache(WithClock(clock.Now))
			rec := models.ZeroRecord(tt.kind)
			if err := c.Set(ctx, tt.kind, "athens", rec); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			clock.Advance(tt.advance)
			_, ok, err := c.Get(ctx, tt.kind, "athens")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if ok != tt.wantHit {
				t.Errorf("Get() ok = %v, want %v", ok, tt.wantHit)
			}
			if !tt.wantHit && c.Len() != 0 {
				t.Errorf("Len() = %d, want 0 after stale read", c.Len())
			}
		})
	}
}

// TestInMemoryCache_NewsRecordAge verifies that a news list becomes stale as soon
// as one record reaches 15 minutes of age, even though the entry TTL is 30 minutes.
func TestInMemoryCache_NewsRecordAge(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(t0)
	c := NewInMemoryCache(WithClock(clock.Now))

	news := models.NewsResult([]models.NewsRecord{
		{Title: "a", URL: "https://example.com/a", LastUpdated: t0},
		{Title: "b", URL: "https://example.com/b", LastUpdated: t0},
	})
	if err := c.Set(ctx, models.SourceNews, "london", news); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	clock.Advance(14 * time.Minute)
	if _, ok, _ := c.Get(ctx, models.SourceNews, "london"); !ok {
		t.Fatal("Get() at +14m ok = false, want true")
	}
	clock.Advance(2 * time.Minute)
	if _, ok, _ := c.Get(ctx, models.SourceNews, "london"); ok {
		t.Fatal("Get() at +16m ok = true, want false")
	}
}

// TestInMemoryCache_NewsOneOldRecord verifies a single old record invalidates the list.
func TestInMemoryCache_NewsOneOldRecord(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(t0)
	c := NewInMemoryCache(WithClock(clock.Now))

	news := models.NewsResult([]models.NewsRecord{
		{Title: "fresh", LastUpdated: t0},
		{Title: "old", LastUpdated: t0.Add(-20 * time.Minute)},
	})
	_ = c.Set(ctx, models.SourceNews, "london", news)
	if _, ok, _ := c.Get(ctx, models.SourceNews, "london"); ok {
		t.Error("Get() ok = true, want false when one record is older than 15m")
	}
}

// TestInMemoryCache_EmptyNewsIsCached verifies an empty list is a valid entry.
func TestInMemoryCache_EmptyNewsIsCached(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	_ = c.Set(ctx, models.SourceNews, "nowhere", models.NewsResult(nil))
	got, ok, _ := c.Get(ctx, models.SourceNews, "nowhere")
	if !ok {
		t.Fatal("Get() ok = false, want true for empty news list")
	}
	if got.Value.News == nil || len(got.Value.News) != 0 {
		t.Errorf("News = %#v, want empty slice", got.Value.News)
	}
}

// TestInMemoryCache_DayRollover verifies the key includes the UTC day, so an
// entry written before midnight is not served after it.
func TestInMemoryCache_DayRollover(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2024, 3, 10, 23, 55, 0, 0, time.UTC))
	c := NewInMemoryCache(WithClock(clock.Now))

	_ = c.Set(ctx, models.SourceWeather, "london", models.WeatherResult(models.WeatherRecord{City: "London"}))
	clock.Advance(10 * time.Minute)
	if _, ok, _ := c.Get(ctx, models.SourceWeather, "london"); ok {
		t.Error("Get() after midnight ok = true, want false")
	}
}

// TestInMemoryCache_LastWriterWins verifies overwrite semantics and TTL reset.
func TestInMemoryCache_LastWriterWins(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(t0)
	c := NewInMemoryCache(WithClock(clock.Now))

	_ = c.Set(ctx, models.SourceWeather, "london", models.WeatherResult(models.WeatherRecord{City: "London", Temperature: 1}))
	clock.Advance(20 * time.Minute)
	_ = c.Set(ctx, models.SourceWeather, "london", models.WeatherResult(models.WeatherRecord{City: "London", Temperature: 2}))
	clock.Advance(20 * time.Minute)

	got, ok, _ := c.Get(ctx, models.SourceWeather, "london")
	if !ok {
		t.Fatal("Get() ok = false, want true after overwrite reset the lifetime")
	}
	if got.Value.Weather.Temperature != 2 {
		t.Errorf("Temperature = %v, want 2", got.Value.Weather.Temperature)
	}
}

// TestKey verifies the storage key layout.
func TestKey(t *testing.T) {
	tests := []struct {
		kind models.SourceKind
		key  string
		want string
	}{
		{models.SourceWeather, "London", "weather:20240310:london"},
		{models.SourceGeo, "  New York ", "geo:20240310:new york"},
		{models.SourceNews, "ATHENS", "news:20240310:athens"},
	}
	for _, tt := range tests {
		if got := Key(tt.kind, t0, tt.key); got != tt.want {
			t.Errorf("Key(%s, %q) = %q, want %q", tt.kind, tt.key, got, tt.want)
		}
	}
}

// TestKey_UsesUTCDay verifies that a non-UTC clock is bucketed by UTC date.
func TestKey_UsesUTCDay(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	now := time.Date(2024, 3, 11, 1, 0, 0, 0, loc) // 2024-03-10 22:00 UTC
	if got := Key(models.SourceWeather, now, "x"); got != "weather:20240310:x" {
		t.Errorf("Key() = %q, want weather:20240310:x", got)
	}
}

// TestInMemoryCache_Concurrent exercises parallel readers and writers under the race detector.
func TestInMemoryCache_Concurrent(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		loc := fmt.Sprintf("city-%d", i%5)
		go func() {
			defer wg.Done()
			_ = c.Set(ctx, models.SourceWeather, loc, models.WeatherResult(models.WeatherRecord{City: loc}))
		}()
		go func() {
			defer wg.Done()
			_, _, _ = c.Get(ctx, models.SourceWeather, loc)
		}()
	}
	wg.Wait()
	if c.Len() > 5 {
		t.Errorf("Len() = %d, want <= 5", c.Len())
	}
}

// TestStorageKey verifies memcached key escaping and hashing of long keys.
func TestStorageKey(t *testing.T) {
	k := storageKey("weather:20240310:new york")
	if k != "aggregator:weather%3A20240310%3Anew+york" {
		t.Errorf("storageKey() = %q", k)
	}
	long := storageKey("news:20240310:" + string(make([]byte, 300)))
	if len(long) > maxKeyLen {
		t.Errorf("len(storageKey(long)) = %d, want <= %d", len(long), maxKeyLen)
	}
}

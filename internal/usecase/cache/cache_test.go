package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nowhere-ai/internal/domain"
	"nowhere-ai/internal/infra/config"
)

// manualClock advances only when told to.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(clk domain.Clock, maxEntries int, maxBytes int64) *Cache {
	return New(config.CacheConfig{
		Shards:     1, // single shard makes eviction order observable
		DefaultTTL: time.Minute,
		MaxEntries: maxEntries,
		MaxBytes:   maxBytes,
	}, clk, domain.NopMetricSink{})
}

func TestPutGetRoundTrip(t *testing.T) {
	c := newTestCache(newManualClock(), 100, 1<<20)

	require.NoError(t, c.Put("acme:summary:1", []byte("v1"), 0))
	got, ok := c.Get("acme:summary:1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got)

	_, ok = c.Get("acme:summary:2")
	assert.False(t, ok)
}

func TestPutRejectsKeyWithoutTenantPrefix(t *testing.T) {
	c := newTestCache(newManualClock(), 100, 1<<20)

	for _, key := range []string{"", "nokey", ":leading", "trailing:"} {
		err := c.Put(key, []byte("v"), 0)
		assert.Error(t, err, "key %q", key)
		code := domain.ErrorCodeOf(err)
		assert.Equal(t, domain.CodeValidation, code)
	}
}

func TestGetLazilyExpires(t *testing.T) {
	clk := newManualClock()
	c := newTestCache(clk, 100, 1<<20)

	require.NoError(t, c.Put("acme:k", []byte("v"), 10*time.Second))
	_, ok := c.Get("acme:k")
	require.True(t, ok)

	clk.Advance(11 * time.Second)
	_, ok = c.Get("acme:k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry is removed on read")
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	clk := newManualClock()
	c := newTestCache(clk, 3, 1<<20)

	require.NoError(t, c.Put("acme:a", []byte("1"), 0))
	require.NoError(t, c.Put("acme:b", []byte("2"), 0))
	require.NoError(t, c.Put("acme:c", []byte("3"), 0))

	// Touch a so b becomes the LRU victim.
	_, ok := c.Get("acme:a")
	require.True(t, ok)

	require.NoError(t, c.Put("acme:d", []byte("4"), 0))
	_, ok = c.Get("acme:b")
	assert.False(t, ok, "least recently used entry was evicted")
	for _, key := range []string{"acme:a", "acme:c", "acme:d"} {
		_, ok := c.Get(key)
		assert.True(t, ok, "key %s survives", key)
	}
}

func TestEvictsExpiredBeforeLive(t *testing.T) {
	clk := newManualClock()
	c := newTestCache(clk, 2, 1<<20)

	require.NoError(t, c.Put("acme:stale", []byte("1"), time.Second))
	require.NoError(t, c.Put("acme:live", []byte("2"), time.Hour))
	clk.Advance(2 * time.Second)

	// stale is the oldest AND expired; it must go first even though live
	// was used less recently than nothing.
	require.NoError(t, c.Put("acme:new", []byte("3"), time.Hour))
	_, ok := c.Get("acme:live")
	assert.True(t, ok)
	_, ok = c.Get("acme:new")
	assert.True(t, ok)
}

func TestByteBudgetEnforced(t *testing.T) {
	clk := newManualClock()
	c := newTestCache(clk, 100, 40)

	require.NoError(t, c.Put("acme:a", []byte("0123456789"), 0)) // 6+10 = 16 bytes
	require.NoError(t, c.Put("acme:b", []byte("0123456789"), 0))
	require.NoError(t, c.Put("acme:c", []byte("0123456789"), 0))

	st := c.Stats()
	assert.LessOrEqual(t, st.Bytes, int64(40), "shard stays under its byte budget")
	assert.Less(t, st.Size, 3, "an entry was evicted to fit")

	err := c.Put("acme:big", make([]byte, 128), 0)
	assert.Error(t, err, "single oversized value is rejected")
}

func TestInvalidatePrefix(t *testing.T) {
	c := newTestCache(newManualClock(), 100, 1<<20)

	require.NoError(t, c.Put("acme:report:1", []byte("a"), 0))
	require.NoError(t, c.Put("acme:report:2", []byte("b"), 0))
	require.NoError(t, c.Put("acme:other:1", []byte("c"), 0))
	require.NoError(t, c.Put("globex:report:1", []byte("d"), 0))

	removed := c.Invalidate("acme:report:")
	assert.Equal(t, 2, removed)

	_, ok := c.Get("acme:other:1")
	assert.True(t, ok)
	_, ok = c.Get("globex:report:1")
	assert.True(t, ok, "other tenants are untouched")
}

func TestSweepRemovesExpired(t *testing.T) {
	clk := newManualClock()
	c := newTestCache(clk, 100, 1<<20)

	require.NoError(t, c.Put("acme:short", []byte("a"), time.Second))
	require.NoError(t, c.Put("acme:long", []byte("b"), time.Hour))

	clk.Advance(2 * time.Second)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
}

func TestStatsHitRate(t *testing.T) {
	c := newTestCache(newManualClock(), 100, 1<<20)
	require.NoError(t, c.Put("acme:k", []byte("v"), 0))

	c.Get("acme:k")
	c.Get("acme:k")
	c.Get("acme:missing")

	st := c.Stats()
	assert.Equal(t, uint64(2), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.InDelta(t, 2.0/3.0, st.HitRate, 1e-9)
	assert.Equal(t, 1, st.Size)
	assert.Equal(t, 100, st.MaxSize)
}

func TestMetricsEmittedPerLookup(t *testing.T) {
	sink := &captureSink{}
	c := New(config.CacheConfig{Shards: 1, DefaultTTL: time.Minute, MaxEntries: 10, MaxBytes: 1 << 20},
		newManualClock(), sink)

	require.NoError(t, c.Put("acme:k", []byte("v"), 0))
	c.Get("acme:k")
	c.Get("acme:gone")

	require.Len(t, sink.samples, 2)
	assert.Equal(t, domain.MetricCacheHit, sink.samples[0].Name)
	assert.Equal(t, "acme", sink.samples[0].TenantID)
	assert.Equal(t, domain.MetricCacheMiss, sink.samples[1].Name)
}

func TestGetOrComputeSingleFlight(t *testing.T) {
	c := newTestCache(newManualClock(), 100, 1<<20)

	var computed atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) ([]byte, error) {
		computed.Add(1)
		<-release
		return []byte("result"), nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([][]byte, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrCompute(context.Background(), "acme:flight", time.Minute, compute)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	// Give every caller time to join the flight before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), computed.Load(), "concurrent identical lookups compute once")
	for _, v := range results {
		assert.Equal(t, []byte("result"), v)
	}

	// One miss for the computing caller, a hit for everyone who shared it.
	st := c.Stats()
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, uint64(callers-1), st.Hits)
	assert.Greater(t, st.HitRate, 0.8)

	// Subsequent calls hit the cache.
	v, err := c.GetOrCompute(context.Background(), "acme:flight", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, []byte("result"), v)
	assert.Equal(t, int32(1), computed.Load())
	assert.Equal(t, uint64(callers), c.Stats().Hits)
}

// captureSink records metric samples for assertions.
type captureSink struct {
	mu      sync.Mutex
	samples []domain.MetricSample
}

func (c *captureSink) Record(s domain.MetricSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, s)
}

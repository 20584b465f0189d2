package datasource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iTrooz/datasource-cache/internal/metrics"
	"github.com/iTrooz/datasource-cache/internal/template"
	"github.com/iTrooz/datasource-cache/internal/transport"
)

const testBaseURL = "https://api.example.com/v1/items"

// fakeExecutor records every request and answers with a payload numbered by call
type fakeExecutor struct {
	mu       sync.Mutex
	requests []transport.Request
	err      error
	block    chan struct{}
}

func (f *fakeExecutor) Execute(_ context.Context, req transport.Request) (*transport.Response[string], error) {
	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &transport.Response[string]{
		Status:  http.StatusOK,
		Header:  http.Header{"Content-Type": []string{"application/json"}},
		Data:    fmt.Sprintf("response-%d", len(f.requests)),
		Request: req,
	}, nil
}

func (f *fakeExecutor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeExecutor) lastURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return ""
	}
	return f.requests[len(f.requests)-1].URL
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func fixture_client(params string, opts ...Option) (*Client[string], *fakeExecutor, *fakeClock) {
	executor := &fakeExecutor{}
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New[string](testBaseURL, params, executor, opts...), executor, clock
}

func TestNew(t *testing.T) {
	client, _, _ := fixture_client("a=1")

	assert.Equal(t, testBaseURL, client.BaseURL())
	assert.Equal(t, "a=1", client.Params())

	_, ok := client.LastCacheDuration()
	assert.False(t, ok, "no cached call has been made yet")
}

func TestGet(t *testing.T) {
	engine := template.NewVariables(map[string]string{"env": "UPPER"})
	client, executor, _ := fixture_client("a=1&b=2", WithTemplateEngine(engine))

	data, err := client.Get(context.Background(), "b=3&c=4&env=$env")
	require.NoError(t, err)

	assert.Equal(t, "response-1", data)
	require.Equal(t, 1, executor.calls())
	assert.Equal(t, testBaseURL+"?a=1&b=3&c=4&env=upper", executor.requests[0].URL)
	assert.Equal(t, http.MethodGet, executor.requests[0].Method)
}

func TestGetWithoutParams(t *testing.T) {
	client, executor, _ := fixture_client("")

	_, err := client.Get(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, testBaseURL, executor.lastURL(), "no '?' should be appended for an empty query")
}

func TestGetTransportError(t *testing.T) {
	client, executor, _ := fixture_client("")
	transportErr := &transport.StatusError{URL: testBaseURL, StatusCode: http.StatusBadGateway}
	executor.err = transportErr

	_, err := client.Get(context.Background(), "")
	assert.Same(t, transportErr, err, "transport errors should propagate unchanged")
}

func TestGetTemplatingError(t *testing.T) {
	engineErr := errors.New("cannot resolve")
	client, executor, _ := fixture_client("", WithTemplateEngine(failingEngine{err: engineErr}))

	_, err := client.Get(context.Background(), "a=$x")
	assert.Same(t, engineErr, err)
	assert.Equal(t, 0, executor.calls(), "no request should be made when templating fails")
}

func TestTest(t *testing.T) {
	tests := []struct {
		name   string
		params string
		want   string
	}{
		{name: "empty params", params: "", want: testBaseURL},
		{name: "base params sent verbatim", params: "env=PROD&q=$env", want: testBaseURL + "?env=PROD&q=$env"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := template.NewVariables(map[string]string{"env": "X"})
			client, executor, _ := fixture_client(tt.params, WithTemplateEngine(engine))

			resp, err := client.Test(context.Background())
			require.NoError(t, err)

			assert.Equal(t, http.StatusOK, resp.Status, "the whole envelope should be returned")
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
			assert.Equal(t, tt.want, executor.lastURL())
		})
	}
}

func TestTestTransportError(t *testing.T) {
	client, executor, _ := fixture_client("")
	executor.err = errors.New("connection refused")

	_, err := client.Test(context.Background())
	assert.EqualError(t, err, "connection refused")
}

func TestCachedGetZeroDurationBypassesCache(t *testing.T) {
	client, executor, _ := fixture_client("a=1")
	ctx := context.Background()

	first, err := client.CachedGet(ctx, 5*time.Second, "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		data, hit, err := client.CachedGetWithStatus(ctx, 0, "b=2")
		require.NoError(t, err)
		assert.False(t, hit)
		assert.Equal(t, fmt.Sprintf("response-%d", i+2), data)
		assert.Equal(t, testBaseURL+"?a=1&b=2", executor.lastURL())
	}
	assert.Equal(t, 4, executor.calls())

	last, ok := client.LastCacheDuration()
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, last, "bypassed calls should not touch the last duration")

	data, err := client.CachedGet(ctx, 5*time.Second, "")
	require.NoError(t, err)
	assert.Equal(t, first, data, "bypassed calls should leave the cache slot untouched")
	assert.Equal(t, 4, executor.calls())
}

func TestCachedGetFirstCallFetches(t *testing.T) {
	client, executor, _ := fixture_client("")

	data, hit, err := client.CachedGetWithStatus(context.Background(), time.Second, "")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "response-1", data)
	assert.Equal(t, 1, executor.calls())

	last, ok := client.LastCacheDuration()
	require.True(t, ok)
	assert.Equal(t, time.Second, last)
}

func TestCachedGetSameDurationHitsCache(t *testing.T) {
	client, executor, clock := fixture_client("")
	ctx := context.Background()

	first, err := client.CachedGet(ctx, 10*time.Second, "")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		data, hit, err := client.CachedGetWithStatus(ctx, 10*time.Second, "")
		require.NoError(t, err)
		assert.True(t, hit)
		assert.Equal(t, first, data)
	}
	assert.Equal(t, 1, executor.calls())
}

func TestCachedGetExpiry(t *testing.T) {
	client, executor, clock := fixture_client("")
	ctx := context.Background()

	_, err := client.CachedGet(ctx, 5*time.Second, "")
	require.NoError(t, err)

	clock.Advance(5*time.Second + time.Millisecond)

	data, hit, err := client.CachedGetWithStatus(ctx, 5*time.Second, "")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "response-2", data)
	assert.Equal(t, 2, executor.calls())
}

func TestCachedGetDurationChangeForcesRefresh(t *testing.T) {
	client, executor, clock := fixture_client("")
	ctx := context.Background()

	_, err := client.CachedGet(ctx, 10*time.Second, "")
	require.NoError(t, err)
	clock.Advance(time.Second)

	data, hit, err := client.CachedGetWithStatus(ctx, 20*time.Second, "")
	require.NoError(t, err)
	assert.False(t, hit, "a new duration should force a fetch even though the entry is fresh")
	assert.Equal(t, "response-2", data)

	data, hit, err = client.CachedGetWithStatus(ctx, 20*time.Second, "")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "response-2", data)

	data, hit, err = client.CachedGetWithStatus(ctx, 10*time.Second, "")
	require.NoError(t, err)
	assert.False(t, hit, "switching back to an earlier duration should also force a fetch")
	assert.Equal(t, "response-3", data)
	assert.Equal(t, 3, executor.calls())
}

func TestCachedGetSharesSlotAcrossParams(t *testing.T) {
	client, executor, _ := fixture_client("")
	ctx := context.Background()

	first, err := client.CachedGet(ctx, time.Minute, "q=one")
	require.NoError(t, err)

	data, hit, err := client.CachedGetWithStatus(ctx, time.Minute, "q=two")
	require.NoError(t, err)
	assert.True(t, hit, "the slot is keyed by base URL only")
	assert.Equal(t, first, data)
	assert.Equal(t, 1, executor.calls())
}

func TestCachedGetScenario(t *testing.T) {
	client, executor, clock := fixture_client("env=PROD")
	ctx := context.Background()

	first, err := client.CachedGet(ctx, 5*time.Second, "env=PROD")
	require.NoError(t, err)
	require.Equal(t, 1, executor.calls())
	assert.Equal(t, testBaseURL+"?env=prod", executor.lastURL())

	clock.Advance(2 * time.Second)
	second, err := client.CachedGet(ctx, 5*time.Second, "env=PROD")
	require.NoError(t, err)
	assert.Equal(t, 1, executor.calls())
	assert.Equal(t, first, second)

	_, err = client.CachedGet(ctx, 10*time.Second, "env=PROD")
	require.NoError(t, err)
	assert.Equal(t, 2, executor.calls())
}

func TestCachedGetErrorStoresNothing(t *testing.T) {
	client, executor, _ := fixture_client("")
	ctx := context.Background()
	executor.err = errors.New("upstream down")

	_, err := client.CachedGet(ctx, time.Minute, "")
	require.EqualError(t, err, "upstream down")

	last, ok := client.LastCacheDuration()
	require.True(t, ok)
	assert.Equal(t, time.Minute, last)

	executor.err = nil
	data, hit, err := client.CachedGetWithStatus(ctx, time.Minute, "")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "response-2", data)
}

func TestCachedGetSubMillisecondDuration(t *testing.T) {
	client, executor, clock := fixture_client("")
	ctx := context.Background()

	_, err := client.CachedGet(ctx, time.Microsecond, "")
	require.NoError(t, err)

	_, hit, err := client.CachedGetWithStatus(ctx, time.Microsecond, "")
	require.NoError(t, err)
	assert.True(t, hit, "ttl is floored to one millisecond")

	clock.Advance(2 * time.Millisecond)
	_, hit, err = client.CachedGetWithStatus(ctx, time.Microsecond, "")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 2, executor.calls())
}

func TestCachedGetConcurrentMissesAllFetch(t *testing.T) {
	client, executor, _ := fixture_client("")
	executor.block = make(chan struct{})

	const callers = 3
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.CachedGet(context.Background(), time.Minute, "")
			assert.NoError(t, err)
		}()
	}

	// give every caller time to observe the empty slot
	time.Sleep(50 * time.Millisecond)
	close(executor.block)
	wg.Wait()

	assert.Equal(t, callers, executor.calls(), "overlapping misses are not deduplicated")

	data, hit, err := client.CachedGetWithStatus(context.Background(), time.Minute, "")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Contains(t, []string{"response-1", "response-2", "response-3"}, data)
}

func TestCachedGetInflightDedup(t *testing.T) {
	client, executor, _ := fixture_client("", WithInflightDedup())
	executor.block = make(chan struct{})

	const callers = 3
	results := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := client.CachedGet(context.Background(), time.Minute, "q=1")
			assert.NoError(t, err)
			results[i] = data
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(executor.block)
	wg.Wait()

	assert.Equal(t, 1, executor.calls())
	for _, r := range results {
		assert.Equal(t, "response-1", r)
	}
}

func TestCachedGetMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollectorWithRegistry(registry)
	client, _, _ := fixture_client("", WithMetrics(collector))
	ctx := context.Background()

	_, err := client.CachedGet(ctx, time.Second, "")
	require.NoError(t, err)
	_, err = client.CachedGet(ctx, time.Second, "")
	require.NoError(t, err)
	_, err = client.CachedGet(ctx, 2*time.Second, "")
	require.NoError(t, err)
	_, err = client.CachedGet(ctx, 0, "")
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(registry,
		"datasource_cache_hits_total",
		"datasource_cache_misses_total",
		"datasource_cache_evictions_total",
		"datasource_cache_bypassed_total",
		"datasource_fetches_total",
		"datasource_cache_entries",
	)
	require.NoError(t, err)
	assert.Equal(t, 6, count)
}

// Fetches datasource data from a configured base URL, with single-slot caching
package datasource

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/iTrooz/datasource-cache/internal/cache"
	"github.com/iTrooz/datasource-cache/internal/metrics"
	"github.com/iTrooz/datasource-cache/internal/template"
	"github.com/iTrooz/datasource-cache/internal/transport"
)

// Client queries a datasource API. It caches at most one response, stored
// under its base URL regardless of the query parameters used to fetch it.
type Client[T any] struct {
	baseURL    string
	baseParams string

	executor transport.Executor[T]
	engine   template.Engine
	metrics  *metrics.Collector
	inflight *singleflight.Group
	cache    cache.Cache[T]

	// guards lastCacheDuration/hasLastDuration; never held during a fetch
	mu                sync.Mutex
	lastCacheDuration time.Duration
	hasLastDuration   bool
}

// New creates a client for baseURL. params is the URL-encoded query string
// of fixed parameters sent with every request.
func New[T any](baseURL, params string, executor transport.Executor[T], opts ...Option) *Client[T] {
	o := options{
		engine: template.Identity{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client[T]{
		baseURL:    baseURL,
		baseParams: params,
		executor:   executor,
		engine:     o.engine,
		metrics:    o.metrics,
		cache:      cache.NewSlot[T]().WithClock(o.now),
	}
	if o.inflightDedup {
		c.inflight = &singleflight.Group{}
	}
	return c
}

// BaseURL returns the URL every request is sent to
func (c *Client[T]) BaseURL() string {
	return c.baseURL
}

// Params returns the fixed query string sent with every request
func (c *Client[T]) Params() string {
	return c.baseParams
}

// LastCacheDuration returns the duration used by the previous cached fetch.
// ok is false until the first cached fetch.
func (c *Client[T]) LastCacheDuration() (d time.Duration, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCacheDuration, c.hasLastDuration
}

// Get queries the API with params merged over the base parameters and
// returns the response data
func (c *Client[T]) Get(ctx context.Context, params string) (T, error) {
	var zero T

	query, err := MergeParams(c.baseParams, params, c.engine)
	if err != nil {
		return zero, err
	}

	resp, err := c.executor.Execute(ctx, transport.Request{
		URL:    withQuery(c.baseURL, query),
		Method: http.MethodGet,
	})
	c.metrics.RecordFetch(c.baseURL, err)
	if err != nil {
		return zero, err
	}

	return resp.Data, nil
}

// Test queries the API with the base parameters only and returns the whole
// response. Used as a health check.
func (c *Client[T]) Test(ctx context.Context) (*transport.Response[T], error) {
	return c.executor.Execute(ctx, transport.Request{
		URL:    withQuery(c.baseURL, c.baseParams),
		Method: http.MethodGet,
	})
}

// CachedGet returns the cached response if there is one, otherwise queries
// the API and caches the result for cacheDuration.
//
// A zero cacheDuration bypasses the cache entirely. Asking for a different
// duration than the previous call discards the cached response first.
func (c *Client[T]) CachedGet(ctx context.Context, cacheDuration time.Duration, params string) (T, error) {
	data, _, err := c.CachedGetWithStatus(ctx, cacheDuration, params)
	return data, err
}

// CachedGetWithStatus is CachedGet, also reporting whether the data was served
// from the cache
func (c *Client[T]) CachedGetWithStatus(ctx context.Context, cacheDuration time.Duration, params string) (data T, hit bool, err error) {
	if cacheDuration == 0 {
		c.metrics.RecordBypass(c.baseURL)
		data, err = c.Get(ctx, params)
		return data, false, err
	}

	c.mu.Lock()
	force := !c.hasLastDuration || c.lastCacheDuration != cacheDuration
	if force {
		if c.hasLastDuration {
			logrus.Debugf("Cache duration for %s changed from %s to %s, evicting", c.baseURL, c.lastCacheDuration, cacheDuration)
			c.metrics.RecordEviction(c.baseURL, metrics.EvictDurationChange)
		}
		c.cache.Del(c.baseURL)
	} else if cached, found := c.cache.Get(c.baseURL); found {
		c.mu.Unlock()
		logrus.Debugf("Cache hit for %s", c.baseURL)
		c.metrics.RecordHit(c.baseURL)
		return cached, true, nil
	}
	c.lastCacheDuration = cacheDuration
	c.hasLastDuration = true
	c.mu.Unlock()

	logrus.Debugf("Cache miss for %s", c.baseURL)
	c.metrics.RecordMiss(c.baseURL)

	data, err = c.fetch(ctx, cacheDuration, params)
	if err != nil {
		var zero T
		return zero, false, err
	}

	c.cache.Put(c.baseURL, data, cacheTTL(cacheDuration))
	c.metrics.SetCacheEntries(c.baseURL, c.cache.Len())
	return data, false, nil
}

func (c *Client[T]) fetch(ctx context.Context, cacheDuration time.Duration, params string) (T, error) {
	if c.inflight == nil {
		return c.Get(ctx, params)
	}

	key := fmt.Sprintf("%d|%s", cacheDuration, params)
	v, err, shared := c.inflight.Do(key, func() (any, error) {
		return c.Get(ctx, params)
	})
	if shared {
		logrus.Debugf("Shared in-flight request for %s (%s)", c.baseURL, key)
	}
	if err != nil {
		var zero T
		return zero, err
	}
	data, _ := v.(T)
	return data, nil
}

// cacheTTL floors the entry lifetime to one millisecond
func cacheTTL(cacheDuration time.Duration) time.Duration {
	return max(cacheDuration, time.Millisecond)
}

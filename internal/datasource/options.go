package datasource

import (
	"time"

	"github.com/iTrooz/datasource-cache/internal/metrics"
	"github.com/iTrooz/datasource-cache/internal/template"
)

type options struct {
	engine        template.Engine
	metrics       *metrics.Collector
	inflightDedup bool
	now           func() time.Time
}

// Option configures a Client
type Option func(*options)

// WithTemplateEngine sets the engine used to resolve call parameter values.
// Defaults to template.Identity.
func WithTemplateEngine(engine template.Engine) Option {
	return func(o *options) {
		o.engine = engine
	}
}

// WithMetrics records cache and fetch activity on collector
func WithMetrics(collector *metrics.Collector) Option {
	return func(o *options) {
		o.metrics = collector
	}
}

// WithInflightDedup makes concurrent cached fetches with the same duration and
// parameters share one upstream request. Without it, overlapping misses each
// issue their own request and the last one to finish owns the cache slot.
func WithInflightDedup() Option {
	return func(o *options) {
		o.inflightDedup = true
	}
}

// WithClock sets the time source used for cache expiry
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

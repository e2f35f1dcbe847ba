package registry

import (
	"time"

	"github.com/vyrodovalexey/svcgw/internal/observability"
)

type storeOptions struct {
	logger  observability.Logger
	metrics *observability.Metrics
	ttl     time.Duration
}

// Option is a functional option shared by all store backends.
type Option func(*storeOptions)

// WithLogger sets the logger for the store.
func WithLogger(logger observability.Logger) Option {
	return func(o *storeOptions) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics sink for the store.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *storeOptions) {
		o.metrics = m
	}
}

// WithLeaseTTL overrides DefaultLeaseTTL for lease-backed stores. The
// file store ignores it.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(o *storeOptions) {
		o.ttl = ttl
	}
}

func buildOptions(opts []Option) storeOptions {
	o := storeOptions{
		logger: observability.NopLogger(),
		ttl:    DefaultLeaseTTL,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl <= 0 {
		o.ttl = DefaultLeaseTTL
	}
	return o
}

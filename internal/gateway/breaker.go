package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"google.golang.org/grpc/codes"

	"github.com/vyrodovalexey/svcgw/internal/observability"
	"github.com/vyrodovalexey/svcgw/internal/retry"
)

// BreakerConfig configures the per-service circuit breakers.
type BreakerConfig struct {
	// Enabled turns circuit breaking on. It is off by default.
	Enabled bool
	// Threshold is the minimum number of requests in an interval before
	// the breaker may trip on a failure ratio of at least one half.
	Threshold int
	// Timeout is how long an open breaker waits before half-opening, and
	// the interval after which closed-state counts are cleared.
	Timeout time.Duration
}

// Breaker defaults.
const (
	DefaultBreakerThreshold = 5
	DefaultBreakerTimeout   = 30 * time.Second
)

// breakerSet holds one gobreaker.CircuitBreaker per service.
type breakerSet struct {
	cfg      BreakerConfig
	logger   observability.Logger
	metrics  *observability.Metrics
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerSet(cfg BreakerConfig, logger observability.Logger, metrics *observability.Metrics) *breakerSet {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultBreakerThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultBreakerTimeout
	}
	return &breakerSet{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// safeIntToUint32 safely converts int to uint32.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}

func (b *breakerSet) get(service string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[service]; ok {
		return cb
	}

	threshold := safeIntToUint32(b.cfg.Threshold)
	transient := retry.TransientGRPCCodes()

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: 1,
		Interval:    b.cfg.Timeout,
		Timeout:     b.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= threshold && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.logger.Warn("circuit breaker state change",
				observability.String("service", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			b.metrics.SetBreakerState(name, int(to))
		},
		// Only transport-level failures count against the service.
		IsSuccessful: func(err error) bool {
			return err == nil || !transient.ShouldRetry(err)
		},
	})
	b.breakers[service] = cb
	b.metrics.SetBreakerState(service, int(gobreaker.StateClosed))
	return cb
}

// execute runs fn through the service's breaker.
func (b *breakerSet) execute(service string, fn func() error) error {
	_, err := b.get(service).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// state returns the breaker state of a service, closed when unknown.
func (b *breakerSet) state(service string) gobreaker.State {
	b.mu.Lock()
	cb, ok := b.breakers[service]
	b.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// breakerCode is the status code reported for rejected calls.
const breakerCode = codes.Unavailable

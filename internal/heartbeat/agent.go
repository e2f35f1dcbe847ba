// Package heartbeat runs periodic liveness actions in the background.
//
// An Agent moves through NotStarted -> Running -> Stopping -> Stopped.
// While running it performs one action per iteration and then waits for
// the configured interval whatever the outcome; a failed action is logged
// and never ends the loop. Stop cancels the loop's context and waits a
// bounded time for the goroutine to exit.
package heartbeat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vyrodovalexey/svcgw/internal/observability"
)

// State is the lifecycle state of an Agent.
type State int

const (
	// StateNotStarted is the state of a new Agent.
	StateNotStarted State = iota
	// StateRunning means the loop goroutine is active.
	StateRunning
	// StateStopping means Stop was requested but the loop has not exited yet.
	StateStopping
	// StateStopped means the loop has exited.
	StateStopped
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Default agent configuration constants.
const (
	// DefaultStopTimeout bounds how long Stop waits for the loop to exit.
	DefaultStopTimeout = time.Second
)

// ErrStopping is returned by Start while a previous loop is still exiting.
var ErrStopping = errors.New("heartbeat agent is still stopping")

// Action is a single liveness signal.
type Action func(ctx context.Context) error

// Agent runs an Action periodically in its own goroutine.
type Agent struct {
	name         string
	kind         string
	interval     time.Duration
	failureDelay time.Duration
	stopTimeout  time.Duration
	action       Action
	logger       observability.Logger
	metrics      *observability.Metrics

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// Option is a functional option for configuring an Agent.
type Option func(*Agent)

// WithLogger sets the logger for the agent.
func WithLogger(logger observability.Logger) Option {
	return func(a *Agent) {
		a.logger = logger
	}
}

// WithMetrics sets the metrics sink for the agent.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Agent) {
		a.metrics = m
	}
}

// WithKind labels the agent in logs and metrics (e.g. "registry", "http").
func WithKind(kind string) Option {
	return func(a *Agent) {
		a.kind = kind
	}
}

// WithFailureDelay makes the loop wait d instead of the interval after a
// failed action, when d is shorter than the interval.
func WithFailureDelay(d time.Duration) Option {
	return func(a *Agent) {
		a.failureDelay = d
	}
}

// WithStopTimeout sets how long Stop waits for the loop to exit.
func WithStopTimeout(d time.Duration) Option {
	return func(a *Agent) {
		a.stopTimeout = d
	}
}

// New creates an agent for name that runs action every interval.
func New(name string, interval time.Duration, action Action, opts ...Option) *Agent {
	a := &Agent{
		name:        name,
		kind:        "generic",
		interval:    interval,
		stopTimeout: DefaultStopTimeout,
		action:      action,
		logger:      observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(a)
	}

	a.logger = a.logger.With(
		observability.String("service", name),
		observability.String("heartbeat", a.kind),
	)

	return a
}

// Name returns the name the agent signals liveness for.
func (a *Agent) Name() string {
	return a.name
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Start launches the loop. It is a no-op when the agent is already running
// and returns ErrStopping while a previous loop has not exited yet. The
// loop also ends when ctx is cancelled.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case StateRunning:
		return nil
	case StateStopping:
		return ErrStopping
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.cancel = cancel
	a.done = done
	a.state = StateRunning

	go a.run(loopCtx, done)

	a.logger.Info("started heartbeat", observability.Duration("interval", a.interval))
	return nil
}

// Stop requests the loop to exit and waits up to the stop timeout for it.
// It reports whether the loop exited within that time.
func (a *Agent) Stop() bool {
	a.mu.Lock()
	if a.state != StateRunning {
		stopped := a.state != StateStopping
		a.mu.Unlock()
		return stopped
	}
	a.state = StateStopping
	cancel, done := a.cancel, a.done
	a.mu.Unlock()

	a.logger.Info("stopping heartbeat")
	cancel()

	timer := time.NewTimer(a.stopTimeout)
	defer timer.Stop()

	select {
	case <-done:
		a.logger.Info("stopped heartbeat")
		return true
	case <-timer.C:
		a.logger.Warn("heartbeat did not stop in time", observability.Duration("timeout", a.stopTimeout))
		return false
	}
}

// Done returns a channel closed when the current loop exits. It is nil
// before the first Start.
func (a *Agent) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

func (a *Agent) run(ctx context.Context, done chan struct{}) {
	defer func() {
		a.mu.Lock()
		if a.done == done {
			a.state = StateStopped
		}
		a.mu.Unlock()
		close(done)
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		wait := a.interval
		if err := a.beat(ctx); err != nil && a.failureDelay > 0 && a.failureDelay < wait {
			wait = a.failureDelay
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// beat runs one action, recovering from panics so a faulty action cannot
// kill the loop.
func (a *Agent) beat(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("heartbeat action panicked")
			a.logger.Error("heartbeat action panicked", observability.Any("panic", r))
		}
		a.metrics.RecordHeartbeat(a.kind, a.name, err)
	}()

	err = a.action(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		a.logger.Warn("heartbeat failed", observability.Error(err))
		return err
	}

	a.logger.Debug("heartbeat sent")
	return nil
}

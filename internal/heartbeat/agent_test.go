package heartbeat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgent_Lifecycle(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	agent := New("face-embedding", 5*time.Millisecond, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	assert.Equal(t, StateNotStarted, agent.State())
	assert.Nil(t, agent.Done())

	require.NoError(t, agent.Start(context.Background()))
	assert.Equal(t, StateRunning, agent.State())

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)

	assert.True(t, agent.Stop())
	assert.Equal(t, StateStopped, agent.State())

	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, calls.Load(), "no actions after stop")
}

func TestAgent_StartIsIdempotent(t *testing.T) {
	t.Parallel()

	var running atomic.Int32
	var maxRunning atomic.Int32
	agent := New("svc", time.Millisecond, func(context.Context) error {
		n := running.Add(1)
		if n > maxRunning.Load() {
			maxRunning.Store(n)
		}
		time.Sleep(time.Millisecond)
		running.Add(-1)
		return nil
	})

	ctx := context.Background()
	require.NoError(t, agent.Start(ctx))
	firstDone := agent.Done()
	require.NoError(t, agent.Start(ctx))
	require.NoError(t, agent.Start(ctx))

	assert.Equal(t, firstDone, agent.Done(), "second start must not spawn a new loop")

	time.Sleep(20 * time.Millisecond)
	agent.Stop()

	assert.Equal(t, int32(1), maxRunning.Load(), "renewals are strictly sequential")
}

func TestAgent_FailuresDoNotStopLoop(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	agent := New("svc", time.Hour, func(context.Context) error {
		calls.Add(1)
		return errors.New("registry unavailable")
	}, WithFailureDelay(2*time.Millisecond))

	require.NoError(t, agent.Start(context.Background()))
	defer agent.Stop()

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	assert.Equal(t, StateRunning, agent.State())
}

func TestAgent_PanicInActionIsRecovered(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	agent := New("svc", time.Millisecond, func(context.Context) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})

	require.NoError(t, agent.Start(context.Background()))
	defer agent.Stop()

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
}

func TestAgent_StopTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	agent := New("svc", time.Millisecond, func(context.Context) error {
		<-release
		return nil
	}, WithStopTimeout(10*time.Millisecond))

	require.NoError(t, agent.Start(context.Background()))
	time.Sleep(5 * time.Millisecond)

	assert.False(t, agent.Stop(), "action ignores cancellation, stop must time out")
	assert.Equal(t, StateStopping, agent.State())
	assert.ErrorIs(t, agent.Start(context.Background()), ErrStopping)

	close(release)
	<-agent.Done()
	assert.Equal(t, StateStopped, agent.State())

	require.NoError(t, agent.Start(context.Background()))
	assert.Equal(t, StateRunning, agent.State())
	assert.True(t, agent.Stop())
}

func TestAgent_ParentContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	agent := New("svc", time.Millisecond, func(context.Context) error { return nil })

	require.NoError(t, agent.Start(ctx))
	cancel()

	select {
	case <-agent.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit after parent cancel")
	}
	assert.Equal(t, StateStopped, agent.State())
}

func TestAgent_StopBeforeStart(t *testing.T) {
	t.Parallel()

	agent := New("svc", time.Second, func(context.Context) error { return nil })
	assert.True(t, agent.Stop())
	assert.Equal(t, StateNotStarted, agent.State())
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "not-started", StateNotStarted.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", State(42).String())
}

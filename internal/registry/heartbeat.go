package registry

import (
	"context"
	"time"

	"github.com/vyrodovalexey/svcgw/internal/heartbeat"
)

// Registry heartbeat defaults.
const (
	DefaultHeartbeatInterval = 60 * time.Second
	heartbeatFailureDelay    = 5 * time.Second
	heartbeatKind            = "registry"
)

// StartHeartbeat starts an agent that renews name's entry in store every
// interval. The interval should be well below the store's lease TTL.
func StartHeartbeat(
	ctx context.Context,
	store Store,
	name string,
	interval time.Duration,
	opts ...heartbeat.Option,
) (*heartbeat.Agent, error) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	name = NormalizeName(name)

	base := []heartbeat.Option{
		heartbeat.WithKind(heartbeatKind),
		heartbeat.WithFailureDelay(heartbeatFailureDelay),
	}
	agent := heartbeat.New(name, interval, func(ctx context.Context) error {
		return store.Heartbeat(ctx, name)
	}, append(base, opts...)...)

	if err := agent.Start(ctx); err != nil {
		return nil, err
	}
	return agent, nil
}

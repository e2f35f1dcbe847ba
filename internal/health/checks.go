package health

import (
	"context"
	"fmt"

	"github.com/vyrodovalexey/svcgw/internal/heartbeat"
	"github.com/vyrodovalexey/svcgw/internal/registry"
)

// StoreCheck probes the registry store by listing its services.
func StoreCheck(store registry.Store) HealthCheck {
	return NewHealthCheckFunc("registry:"+store.Backend(), func(ctx context.Context) error {
		if _, err := store.GetAllServices(ctx); err != nil {
			return fmt.Errorf("registry unavailable: %w", err)
		}
		return nil
	})
}

// StateReporter is implemented by heartbeat.Agent and the route
// registration clients.
type StateReporter interface {
	HeartbeatState() heartbeat.State
}

// AgentState adapts a heartbeat.Agent to StateReporter.
type AgentState struct{ *heartbeat.Agent }

// HeartbeatState returns the agent's state.
func (a AgentState) HeartbeatState() heartbeat.State { return a.State() }

// AgentCheck fails unless the reporter's heartbeat loop is running.
func AgentCheck(name string, reporter StateReporter) HealthCheck {
	return NewHealthCheckFunc("heartbeat:"+name, func(context.Context) error {
		if state := reporter.HeartbeatState(); state != heartbeat.StateRunning {
			return fmt.Errorf("heartbeat agent is %s", state)
		}
		return nil
	})
}

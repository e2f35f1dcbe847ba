package registry

import (
	"context"
	"time"
)

// DefaultLeaseTTL is the lifetime of a lease-backed entry without renewal.
const DefaultLeaseTTL = 300 * time.Second

// Backend names.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
	BackendEtcd  = "etcd"
)

// Store is the registry of service descriptors.
type Store interface {
	// RegisterService stores desc under its normalized name, replacing any
	// previous descriptor. Lease-backed stores (re)start the lease.
	RegisterService(ctx context.Context, desc ServiceDescriptor) error

	// RegisterMethod attaches a method to an already registered service.
	// It returns an error matching util.ErrServiceNotRegistered when the
	// service is absent and never creates a partial descriptor.
	RegisterMethod(ctx context.Context, service string, method MethodDescriptor) error

	// GetServiceConfig returns a copy of the named descriptor, or an error
	// matching util.ErrServiceNotRegistered.
	GetServiceConfig(ctx context.Context, name string) (*ServiceDescriptor, error)

	// GetAllServices returns copies of all visible descriptors by name.
	GetAllServices(ctx context.Context) (map[string]ServiceDescriptor, error)

	// Heartbeat renews the lease of the named service without touching its
	// contents.
	Heartbeat(ctx context.Context, name string) error

	// Deregister removes the named service. Removing an absent service is
	// not an error.
	Deregister(ctx context.Context, name string) error

	// Backend returns the backend name.
	Backend() string

	// Close releases the store's resources.
	Close() error
}

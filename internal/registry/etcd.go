package registry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/vyrodovalexey/svcgw/internal/observability"
	"github.com/vyrodovalexey/svcgw/internal/util"
)

// DefaultEtcdPrefix namespaces all registry keys.
const DefaultEtcdPrefix = "/svcgw/"

// EtcdConfig holds configuration for the etcd store.
type EtcdConfig struct {
	Endpoints   []string
	Prefix      string
	DialTimeout time.Duration
	Username    string
	Password    string
}

// DefaultEtcdConfig returns an EtcdConfig with default values.
func DefaultEtcdConfig() *EtcdConfig {
	return &EtcdConfig{
		Endpoints:   []string{"localhost:2379"},
		Prefix:      DefaultEtcdPrefix,
		DialTimeout: 5 * time.Second,
	}
}

// EtcdStore keeps one JSON value per service attached to its own lease.
// Heartbeat renews the lease recorded on the key, so no lease state lives
// in the process.
type EtcdStore struct {
	client  *clientv3.Client
	prefix  string
	ttl     time.Duration
	logger  observability.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	closed bool
}

// NewEtcdStore connects to etcd and checks the first endpoint's status.
func NewEtcdStore(ctx context.Context, cfg *EtcdConfig, opts ...Option) (*EtcdStore, error) {
	if cfg == nil {
		cfg = DefaultEtcdConfig()
	}
	if len(cfg.Endpoints) == 0 {
		return nil, util.NewConfigError("registry.etcd.endpoints", "at least one endpoint is required")
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, util.NewPersistenceError(BackendEtcd, "connect", err)
	}

	statusCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if _, err := client.Status(statusCtx, cfg.Endpoints[0]); err != nil {
		_ = client.Close()
		return nil, util.NewPersistenceError(BackendEtcd, "connect", err)
	}

	s := NewEtcdStoreFromClient(client, cfg.Prefix, opts...)
	s.logger.Info("connected to etcd", observability.Strings("endpoints", cfg.Endpoints))
	return s, nil
}

// NewEtcdStoreFromClient wraps an existing client.
func NewEtcdStoreFromClient(client *clientv3.Client, prefix string, opts ...Option) *EtcdStore {
	o := buildOptions(opts)
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &EtcdStore{
		client:  client,
		prefix:  prefix,
		ttl:     o.ttl,
		logger:  o.logger.With(observability.String("backend", BackendEtcd)),
		metrics: o.metrics,
	}
}

// Backend implements Store.
func (s *EtcdStore) Backend() string {
	return BackendEtcd
}

func (s *EtcdStore) key(name string) string {
	return s.prefix + "service:" + name
}

func (s *EtcdStore) ttlSeconds() int64 {
	secs := int64(s.ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (s *EtcdStore) record(op string, err error) error {
	if err == nil {
		s.metrics.RecordRegistryOp(BackendEtcd, op, nil)
		return nil
	}
	if errors.Is(err, util.ErrNotRegistered) || errors.Is(err, util.ErrConfigInvalid) {
		s.metrics.RecordRegistryOp(BackendEtcd, op, err)
		return err
	}
	perr := util.NewPersistenceError(BackendEtcd, op, err)
	s.metrics.RecordRegistryOp(BackendEtcd, op, perr)
	s.logger.Error("etcd registry operation failed",
		observability.String("operation", op),
		observability.Error(err),
	)
	return perr
}

// RegisterService implements Store. Each registration grants a new lease;
// the previous lease of the key is left to expire.
func (s *EtcdStore) RegisterService(ctx context.Context, desc ServiceDescriptor) error {
	desc = desc.normalize()
	if err := desc.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(desc)
	if err != nil {
		return s.record("register_service", err)
	}

	lease, err := s.client.Grant(ctx, s.ttlSeconds())
	if err != nil {
		return s.record("register_service", err)
	}
	if _, err := s.client.Put(ctx, s.key(desc.Name), string(data), clientv3.WithLease(lease.ID)); err != nil {
		return s.record("register_service", err)
	}

	s.logger.Info("registered service",
		observability.String("service", desc.Name),
		observability.String("target", desc.Target()),
		observability.Int64("lease", int64(lease.ID)),
	)
	return s.record("register_service", nil)
}

// RegisterMethod implements Store using a compare-and-swap on the key's
// mod revision. The updated key moves to a freshly granted lease, so a
// method write restarts the full TTL like a registration does.
func (s *EtcdStore) RegisterMethod(ctx context.Context, service string, method MethodDescriptor) error {
	if err := method.validate(); err != nil {
		return err
	}
	name := NormalizeName(service)
	key := s.key(name)

	var err error
	for i := 0; i < maxTxRetries; i++ {
		var committed bool
		committed, err = s.tryRegisterMethod(ctx, key, name, method)
		if err != nil || committed {
			break
		}
	}
	if err != nil {
		if errors.Is(err, util.ErrNotRegistered) {
			s.logger.Error("service not found in registry", observability.String("service", name))
		}
		return s.record("register_method", err)
	}

	s.logger.Info("registered method",
		observability.String("service", name),
		observability.String("method", method.MethodName),
	)
	return s.record("register_method", nil)
}

func (s *EtcdStore) tryRegisterMethod(
	ctx context.Context,
	key, name string,
	method MethodDescriptor,
) (bool, error) {
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if len(resp.Kvs) == 0 {
		return false, util.NotRegistered(name)
	}
	kv := resp.Kvs[0]

	var desc ServiceDescriptor
	if err := json.Unmarshal(kv.Value, &desc); err != nil {
		return false, err
	}
	desc = desc.normalize()
	desc.Methods[method.MethodName] = method

	data, err := json.Marshal(desc)
	if err != nil {
		return false, err
	}

	lease, err := s.client.Grant(ctx, s.ttlSeconds())
	if err != nil {
		return false, err
	}

	txn, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)).
		Then(clientv3.OpPut(key, string(data), clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil || !txn.Succeeded {
		if _, rerr := s.client.Revoke(ctx, lease.ID); rerr != nil {
			s.logger.Debug("failed to revoke unused lease",
				observability.Int64("lease", int64(lease.ID)),
				observability.Error(rerr),
			)
		}
		return false, err
	}
	return true, nil
}

// GetServiceConfig implements Store.
func (s *EtcdStore) GetServiceConfig(ctx context.Context, name string) (*ServiceDescriptor, error) {
	name = NormalizeName(name)

	resp, err := s.client.Get(ctx, s.key(name))
	if err != nil {
		return nil, s.record("get_service", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, util.NotRegistered(name)
	}

	var desc ServiceDescriptor
	if err := json.Unmarshal(resp.Kvs[0].Value, &desc); err != nil {
		return nil, s.record("get_service", err)
	}
	desc = desc.normalize()
	return &desc, nil
}

// GetAllServices implements Store. Entries that fail to decode are skipped.
func (s *EtcdStore) GetAllServices(ctx context.Context) (map[string]ServiceDescriptor, error) {
	resp, err := s.client.Get(ctx, s.key(""), clientv3.WithPrefix())
	if err != nil {
		return nil, s.record("list_services", err)
	}

	out := make(map[string]ServiceDescriptor, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var desc ServiceDescriptor
		if err := json.Unmarshal(kv.Value, &desc); err != nil {
			s.logger.Warn("skipping undecodable registry entry",
				observability.String("key", string(kv.Key)),
				observability.Error(err),
			)
			continue
		}
		if desc.Name == "" {
			desc.Name = strings.TrimPrefix(string(kv.Key), s.key(""))
		}
		desc = desc.normalize()
		out[desc.Name] = desc
	}
	return out, nil
}

// Heartbeat implements Store by renewing the lease attached to the key.
func (s *EtcdStore) Heartbeat(ctx context.Context, name string) error {
	name = NormalizeName(name)

	resp, err := s.client.Get(ctx, s.key(name))
	if err != nil {
		return s.record("heartbeat", err)
	}
	if len(resp.Kvs) == 0 || resp.Kvs[0].Lease == 0 {
		return s.record("heartbeat", util.NotRegistered(name))
	}

	_, err = s.client.KeepAliveOnce(ctx, clientv3.LeaseID(resp.Kvs[0].Lease))
	if errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return s.record("heartbeat", util.NotRegistered(name))
	}
	return s.record("heartbeat", err)
}

// Deregister implements Store. The key's lease is revoked with it.
func (s *EtcdStore) Deregister(ctx context.Context, name string) error {
	name = NormalizeName(name)

	resp, err := s.client.Delete(ctx, s.key(name), clientv3.WithPrevKV())
	if err != nil {
		return s.record("deregister", err)
	}
	for _, kv := range resp.PrevKvs {
		if kv.Lease != 0 {
			_, _ = s.client.Revoke(ctx, clientv3.LeaseID(kv.Lease))
		}
	}

	s.logger.Info("deregistered service", observability.String("service", name))
	return s.record("deregister", nil)
}

// Close implements Store.
func (s *EtcdStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

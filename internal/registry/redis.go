package registry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/svcgw/internal/observability"
	"github.com/vyrodovalexey/svcgw/internal/retry"
	"github.com/vyrodovalexey/svcgw/internal/util"
)

// DefaultRedisPrefix namespaces all registry keys.
const DefaultRedisPrefix = "svcgw:"

const maxTxRetries = 5

// RedisConfig holds configuration for the Redis store.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ConnectionRetries is the number of ping attempts made before giving up.
	ConnectionRetries int
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Address:           "localhost:6379",
		Prefix:            DefaultRedisPrefix,
		DialTimeout:       5 * time.Second,
		ReadTimeout:       3 * time.Second,
		WriteTimeout:      3 * time.Second,
		ConnectionRetries: 3,
	}
}

// RedisStore keeps one JSON value per service with a TTL. Entries that are
// not renewed by Heartbeat expire and disappear from every query.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	logger  observability.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	closed bool
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, cfg *RedisConfig, opts ...Option) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	o := buildOptions(opts)

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	s := newRedisStoreWithClient(client, cfg.Prefix, o)

	retryCfg := &retry.Config{
		MaxAttempts:    cfg.ConnectionRetries,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		JitterFactor:   0.25,
	}
	_, err := retry.Do(ctx, retryCfg, func() error {
		return client.Ping(ctx).Err()
	}, &retry.Options{
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			s.logger.Warn("redis ping failed, retrying",
				observability.Int("attempt", attempt+1),
				observability.Duration("backoff", backoff),
				observability.Error(err),
			)
		},
	})
	if err != nil {
		_ = client.Close()
		return nil, util.NewPersistenceError(BackendRedis, "connect", err)
	}

	s.logger.Info("connected to redis",
		observability.String("address", cfg.Address),
		observability.Int("db", cfg.DB),
	)
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client without pinging it.
func NewRedisStoreFromClient(client *redis.Client, prefix string, opts ...Option) *RedisStore {
	return newRedisStoreWithClient(client, prefix, buildOptions(opts))
}

func newRedisStoreWithClient(client *redis.Client, prefix string, o storeOptions) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		ttl:     o.ttl,
		logger:  o.logger.With(observability.String("backend", BackendRedis)),
		metrics: o.metrics,
	}
}

// Backend implements Store.
func (s *RedisStore) Backend() string {
	return BackendRedis
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) key(name string) string {
	return s.prefix + "service:" + name
}

func (s *RedisStore) record(op string, err error) error {
	if err == nil {
		s.metrics.RecordRegistryOp(BackendRedis, op, nil)
		return nil
	}
	if errors.Is(err, util.ErrNotRegistered) || errors.Is(err, util.ErrConfigInvalid) {
		s.metrics.RecordRegistryOp(BackendRedis, op, err)
		return err
	}
	perr := util.NewPersistenceError(BackendRedis, op, err)
	s.metrics.RecordRegistryOp(BackendRedis, op, perr)
	s.logger.Error("redis registry operation failed",
		observability.String("operation", op),
		observability.Error(err),
	)
	return perr
}

// RegisterService implements Store. The entry gets a fresh TTL.
func (s *RedisStore) RegisterService(ctx context.Context, desc ServiceDescriptor) error {
	desc = desc.normalize()
	if err := desc.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(desc)
	if err != nil {
		return s.record("register_service", err)
	}
	if err := s.client.Set(ctx, s.key(desc.Name), data, s.ttl).Err(); err != nil {
		return s.record("register_service", err)
	}

	s.logger.Info("registered service",
		observability.String("service", desc.Name),
		observability.String("target", desc.Target()),
		observability.Duration("ttl", s.ttl),
	)
	return s.record("register_service", nil)
}

// RegisterMethod implements Store. The read-modify-write runs in a WATCH
// transaction so concurrent writers cannot lose each other's methods.
func (s *RedisStore) RegisterMethod(ctx context.Context, service string, method MethodDescriptor) error {
	if err := method.validate(); err != nil {
		return err
	}
	name := NormalizeName(service)
	key := s.key(name)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return util.NotRegistered(name)
		}
		if err != nil {
			return err
		}

		var desc ServiceDescriptor
		if err := json.Unmarshal(data, &desc); err != nil {
			return err
		}
		desc = desc.normalize()
		desc.Methods[method.MethodName] = method

		updated, err := json.Marshal(desc)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, s.ttl)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < maxTxRetries; i++ {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
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

// GetServiceConfig implements Store.
func (s *RedisStore) GetServiceConfig(ctx context.Context, name string) (*ServiceDescriptor, error) {
	name = NormalizeName(name)

	data, err := s.client.Get(ctx, s.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, util.NotRegistered(name)
	}
	if err != nil {
		return nil, s.record("get_service", err)
	}

	var desc ServiceDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, s.record("get_service", err)
	}
	desc = desc.normalize()
	return &desc, nil
}

// GetAllServices implements Store. Entries that fail to decode are skipped.
func (s *RedisStore) GetAllServices(ctx context.Context) (map[string]ServiceDescriptor, error) {
	pattern := s.key("*")
	out := make(map[string]ServiceDescriptor)

	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, s.record("list_services", err)
	}
	if len(keys) == 0 {
		return out, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, s.record("list_services", err)
	}

	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// expired between SCAN and MGET
			continue
		}
		var desc ServiceDescriptor
		if err := json.Unmarshal([]byte(raw), &desc); err != nil {
			s.logger.Warn("skipping undecodable registry entry",
				observability.String("key", keys[i]),
				observability.Error(err),
			)
			continue
		}
		if desc.Name == "" {
			desc.Name = strings.TrimPrefix(keys[i], s.key(""))
		}
		desc = desc.normalize()
		out[desc.Name] = desc
	}
	return out, nil
}

// Heartbeat implements Store by resetting the entry's TTL.
func (s *RedisStore) Heartbeat(ctx context.Context, name string) error {
	name = NormalizeName(name)

	ok, err := s.client.Expire(ctx, s.key(name), s.ttl).Result()
	if err != nil {
		return s.record("heartbeat", err)
	}
	if !ok {
		return s.record("heartbeat", util.NotRegistered(name))
	}
	return s.record("heartbeat", nil)
}

// Deregister implements Store.
func (s *RedisStore) Deregister(ctx context.Context, name string) error {
	name = NormalizeName(name)
	if err := s.client.Del(ctx, s.key(name)).Err(); err != nil {
		return s.record("deregister", err)
	}
	s.logger.Info("deregistered service", observability.String("service", name))
	return s.record("deregister", nil)
}

// Close implements Store.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

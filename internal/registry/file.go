package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/svcgw/internal/observability"
	"github.com/vyrodovalexey/svcgw/internal/util"
)

// File store defaults.
const (
	// DefaultFilePath is used when neither a path nor GRPC_CONFIG_FILE is set.
	DefaultFilePath = "/app/config/grpc_services.json"

	// FilePathEnv names the environment variable holding the registry file path.
	FilePathEnv = "GRPC_CONFIG_FILE"

	watchDebounce = 100 * time.Millisecond
)

// FileStore persists all descriptors in a single JSON file. Writes are
// serialized and replace the file atomically.
type FileStore struct {
	path     string
	logger   observability.Logger
	metrics  *observability.Metrics
	mu       sync.RWMutex
	services map[string]ServiceDescriptor
}

// NewFileStore opens the registry file at path, creating its directory if
// needed. An empty path falls back to GRPC_CONFIG_FILE, then
// DefaultFilePath. A missing file yields an empty store; an unreadable or
// corrupt one is logged and also yields an empty store.
func NewFileStore(path string, opts ...Option) (*FileStore, error) {
	o := buildOptions(opts)

	if path == "" {
		path = util.EnvOrDefault(FilePathEnv, DefaultFilePath)
	}

	s := &FileStore{
		path:     path,
		logger:   o.logger.With(observability.String("backend", BackendFile)),
		metrics:  o.metrics,
		services: make(map[string]ServiceDescriptor),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, util.NewPersistenceError(BackendFile, "mkdir", err)
	}

	if services, err := s.load(); err != nil {
		s.logger.Error("failed to load service registry, starting empty",
			observability.String("path", path),
			observability.Error(err),
		)
	} else if services != nil {
		s.services = services
		s.logger.Info("loaded service registry",
			observability.String("path", path),
			observability.Int("services", len(services)),
		)
	}

	return s, nil
}

// Path returns the registry file path.
func (s *FileStore) Path() string {
	return s.path
}

// Backend implements Store.
func (s *FileStore) Backend() string {
	return BackendFile
}

// load reads the registry file. It returns nil, nil when the file does not exist.
func (s *FileStore) load() (map[string]ServiceDescriptor, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	raw := make(map[string]ServiceDescriptor)
	if len(data) == 0 {
		return raw, nil
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}

	// Keys written by hand may differ in case; the last one in sorted
	// order wins.
	services := make(map[string]ServiceDescriptor, len(raw))
	for _, key := range slices.Sorted(maps.Keys(raw)) {
		desc := raw[key]
		desc.Name = key
		desc = desc.normalize()
		if _, dup := services[desc.Name]; dup {
			s.logger.Warn("duplicate service entry in registry file",
				observability.String("path", s.path),
				observability.String("service", desc.Name),
				observability.String("key", key),
			)
		}
		services[desc.Name] = desc
	}
	return services, nil
}

// save writes services to a temporary file and renames it over the
// registry file. Callers hold s.mu.
func (s *FileStore) save(services map[string]ServiceDescriptor) error {
	data, err := json.MarshalIndent(services, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".grpc_services-*.json")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// commit persists next and, on success, makes it the in-memory state.
func (s *FileStore) commit(op string, next map[string]ServiceDescriptor) error {
	if err := s.save(next); err != nil {
		perr := util.NewPersistenceError(BackendFile, op, err)
		s.logger.Error("failed to save service registry",
			observability.String("path", s.path),
			observability.Error(err),
		)
		s.metrics.RecordRegistryOp(BackendFile, op, perr)
		return perr
	}
	s.services = next
	s.metrics.RecordRegistryOp(BackendFile, op, nil)
	return nil
}

func (s *FileStore) snapshot() map[string]ServiceDescriptor {
	next := make(map[string]ServiceDescriptor, len(s.services)+1)
	for k, v := range s.services {
		next[k] = v
	}
	return next
}

// RegisterService implements Store.
func (s *FileStore) RegisterService(_ context.Context, desc ServiceDescriptor) error {
	desc = desc.normalize()
	if err := desc.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.snapshot()
	next[desc.Name] = desc
	if err := s.commit("register_service", next); err != nil {
		return err
	}

	s.logger.Info("registered service",
		observability.String("service", desc.Name),
		observability.String("target", desc.Target()),
	)
	return nil
}

// RegisterMethod implements Store.
func (s *FileStore) RegisterMethod(_ context.Context, service string, method MethodDescriptor) error {
	if err := method.validate(); err != nil {
		return err
	}
	name := NormalizeName(service)

	s.mu.Lock()
	defer s.mu.Unlock()

	desc, ok := s.services[name]
	if !ok {
		s.logger.Error("service not found in registry", observability.String("service", name))
		return util.NotRegistered(name)
	}

	desc = desc.Clone()
	desc.Methods[method.MethodName] = method

	next := s.snapshot()
	next[name] = desc
	if err := s.commit("register_method", next); err != nil {
		return err
	}

	s.logger.Info("registered method",
		observability.String("service", name),
		observability.String("method", method.MethodName),
	)
	return nil
}

// GetServiceConfig implements Store.
func (s *FileStore) GetServiceConfig(_ context.Context, name string) (*ServiceDescriptor, error) {
	name = NormalizeName(name)

	s.mu.RLock()
	desc, ok := s.services[name]
	s.mu.RUnlock()

	if !ok {
		return nil, util.NotRegistered(name)
	}
	out := desc.Clone()
	return &out, nil
}

// GetAllServices implements Store.
func (s *FileStore) GetAllServices(_ context.Context) (map[string]ServiceDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]ServiceDescriptor, len(s.services))
	for name, desc := range s.services {
		out[name] = desc.Clone()
	}
	return out, nil
}

// Heartbeat implements Store. File entries have no lease, so this only
// reports whether the service is present.
func (s *FileStore) Heartbeat(_ context.Context, name string) error {
	name = NormalizeName(name)

	s.mu.RLock()
	_, ok := s.services[name]
	s.mu.RUnlock()

	if !ok {
		return util.NotRegistered(name)
	}
	return nil
}

// Deregister implements Store.
func (s *FileStore) Deregister(_ context.Context, name string) error {
	name = NormalizeName(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.services[name]; !ok {
		return nil
	}

	next := s.snapshot()
	delete(next, name)
	if err := s.commit("deregister", next); err != nil {
		return err
	}

	s.logger.Info("deregistered service", observability.String("service", name))
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	return nil
}

// Watch reloads the store whenever another process rewrites the registry
// file. It returns once the watch is established; watching ends when ctx
// is cancelled.
func (s *FileStore) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return err
	}

	s.logger.Info("watching service registry file", observability.String("path", s.path))

	go s.watchLoop(ctx, w)
	return nil
}

func (s *FileStore) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	defer func() { _ = w.Close() }()

	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(watchDebounce)
			} else {
				debounce.Reset(watchDebounce)
			}
			debounceC = debounce.C

		case <-debounceC:
			debounceC = nil
			s.reload()

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Error("registry file watcher error", observability.Error(err))
		}
	}
}

func (s *FileStore) reload() {
	s.mu.Lock()
	defer s.mu.Unlock()

	services, err := s.load()
	if err != nil {
		s.logger.Error("failed to reload service registry", observability.Error(err))
		s.metrics.RecordRegistryOp(BackendFile, "reload", err)
		return
	}
	if services == nil {
		return
	}

	s.services = services
	s.metrics.RecordRegistryOp(BackendFile, "reload", nil)
	s.logger.Info("reloaded service registry", observability.Int("services", len(services)))
}

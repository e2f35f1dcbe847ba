// Package discovery registers the services declared in compiled protobuf
// schemas into a registry store at startup.
package discovery

import (
	"context"
	"errors"
	"sort"

	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"

	"github.com/vyrodovalexey/svcgw/internal/binding"
	"github.com/vyrodovalexey/svcgw/internal/observability"
	"github.com/vyrodovalexey/svcgw/internal/registry"
	"github.com/vyrodovalexey/svcgw/internal/util"
)

// Discovery defaults.
const (
	DefaultPackage = "capyface"
	DefaultHost    = "localhost"
	DefaultPort    = 50051
)

// Result summarizes a discovery run.
type Result struct {
	// Registered lists the service names written to the store.
	Registered []string
	// Skipped maps service names that could not be registered to the reason.
	Skipped map[string]error
}

// Scanner walks protobuf file descriptors and registers their services.
type Scanner struct {
	store   registry.Store
	catalog *binding.Catalog
	files   *protoregistry.Files
	pkg     string
	logger  observability.Logger
	metrics *observability.Metrics
}

// Option is a functional option for configuring a Scanner.
type Option func(*Scanner)

// WithPackage restricts discovery to a proto package and its sub-packages.
func WithPackage(pkg string) Option {
	return func(s *Scanner) {
		s.pkg = pkg
	}
}

// WithFiles sets the schema source. Defaults to protoregistry.GlobalFiles.
func WithFiles(files *protoregistry.Files) Option {
	return func(s *Scanner) {
		s.files = files
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Scanner) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scanner) {
		s.metrics = m
	}
}

// NewScanner creates a Scanner that writes to store and resolves stubs
// through catalog.
func NewScanner(store registry.Store, catalog *binding.Catalog, opts ...Option) *Scanner {
	s := &Scanner{
		store:   store,
		catalog: catalog,
		files:   protoregistry.GlobalFiles,
		pkg:     DefaultPackage,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("discovery")
	return s
}

// DiscoverAndRegister registers every service found in the configured
// package. A service that fails is logged and skipped; the others are
// still processed. The error is non-nil only when ctx ends the run.
func (s *Scanner) DiscoverAndRegister(ctx context.Context) (Result, error) {
	res := Result{Skipped: make(map[string]error)}

	var services []protoreflect.ServiceDescriptor
	s.files.RangeFiles(func(fd protoreflect.FileDescriptor) bool {
		if !binding.InPackage(fd.Package(), s.pkg) {
			return true
		}
		svcs := fd.Services()
		for i := 0; i < svcs.Len(); i++ {
			services = append(services, svcs.Get(i))
		}
		return true
	})
	sort.Slice(services, func(i, j int) bool {
		return services[i].FullName() < services[j].FullName()
	})

	if len(services) == 0 {
		s.logger.Warn("no services found in proto package", observability.String("package", s.pkg))
	}

	for _, sd := range services {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		name := registry.NormalizeName(string(sd.Name()))
		if err := s.register(ctx, name, sd); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return res, err
			}
			res.Skipped[name] = err
			continue
		}
		res.Registered = append(res.Registered, name)
		s.logger.Info("auto-registered service",
			observability.String("service", name),
			observability.String("stub", string(sd.FullName())),
		)
	}

	s.metrics.SetDiscoveredServices(len(res.Registered))
	return res, nil
}

func (s *Scanner) register(ctx context.Context, name string, sd protoreflect.ServiceDescriptor) error {
	stubID := string(sd.FullName())
	if !s.catalog.HasService(stubID) {
		err := util.NewStubResolutionError(binding.KindStub, stubID)
		s.logger.Error("cannot find stub for service",
			observability.String("service", string(sd.Name())),
			observability.Error(err),
		)
		return err
	}

	prefix := util.ServiceEnvPrefix(name)
	desc := registry.ServiceDescriptor{
		Name:           name,
		Host:           util.EnvOrDefault(prefix+"_HOST", DefaultHost),
		Port:           util.EnvInt(prefix+"_PORT", DefaultPort),
		UseTLS:         util.EnvBool(prefix+"_TLS", false),
		StubIdentifier: stubID,
		Methods:        map[string]registry.MethodDescriptor{},
	}
	if err := s.store.RegisterService(ctx, desc); err != nil {
		s.logger.Error("failed to register discovered service",
			observability.String("service", name),
			observability.Error(err),
		)
		return err
	}

	methods := sd.Methods()
	for i := 0; i < methods.Len(); i++ {
		md := methods.Get(i)
		m := registry.MethodDescriptor{
			MethodName:            string(md.Name()),
			RequestTypeIdentifier: string(md.Input().FullName()),
		}
		if err := s.store.RegisterMethod(ctx, name, m); err != nil {
			s.logger.Error("failed to register discovered method",
				observability.String("service", name),
				observability.String("method", m.MethodName),
				observability.Error(err),
			)
			return err
		}
	}
	return nil
}

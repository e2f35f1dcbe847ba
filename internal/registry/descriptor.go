package registry

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/vyrodovalexey/svcgw/internal/util"
)

// MethodDescriptor describes one remote method of a service.
type MethodDescriptor struct {
	MethodName            string `json:"method"`
	RequestTypeIdentifier string `json:"request_type"`
}

// ServiceDescriptor is the registry record of a service's address and
// exposed methods.
type ServiceDescriptor struct {
	Name           string                      `json:"name"`
	Host           string                      `json:"host"`
	Port           int                         `json:"port"`
	UseTLS         bool                        `json:"use_tls"`
	StubIdentifier string                      `json:"stub"`
	Methods        map[string]MethodDescriptor `json:"methods"`
}

// NormalizeName returns the canonical, lower case form of a service name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Target returns the "host:port" dial target of the service.
func (d ServiceDescriptor) Target() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Method returns the named method descriptor.
func (d ServiceDescriptor) Method(name string) (MethodDescriptor, bool) {
	m, ok := d.Methods[name]
	return m, ok
}

// Clone returns a deep copy, so callers never share the methods map with
// a store.
func (d ServiceDescriptor) Clone() ServiceDescriptor {
	out := d
	out.Methods = make(map[string]MethodDescriptor, len(d.Methods))
	for k, v := range d.Methods {
		out.Methods[k] = v
	}
	return out
}

// Validate checks the descriptor's address fields.
func (d ServiceDescriptor) Validate() error {
	if d.Name == "" {
		return util.NewConfigError("name", "service name is required")
	}
	if d.Host == "" {
		return util.NewConfigError("host", fmt.Sprintf("service %s has no host", d.Name))
	}
	if d.Port <= 0 || d.Port > 65535 {
		return util.NewConfigError("port", fmt.Sprintf("service %s has invalid port %d", d.Name, d.Port))
	}
	return nil
}

// normalize returns a cloned descriptor with a canonical name and a
// non-nil methods map whose entries carry their own names.
func (d ServiceDescriptor) normalize() ServiceDescriptor {
	out := d.Clone()
	out.Name = NormalizeName(d.Name)
	for name, m := range out.Methods {
		if m.MethodName == "" {
			m.MethodName = name
			out.Methods[name] = m
		}
	}
	return out
}

func (m MethodDescriptor) validate() error {
	if m.MethodName == "" {
		return util.NewConfigError("method", "method name is required")
	}
	if m.RequestTypeIdentifier == "" {
		return util.NewConfigError("request_type", fmt.Sprintf("method %s has no request type", m.MethodName))
	}
	return nil
}

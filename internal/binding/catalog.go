package binding

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/vyrodovalexey/svcgw/internal/util"
)

// Resolution kinds reported in StubResolutionError.
const (
	KindStub     = "stub"
	KindMessage  = "message"
	KindMethod   = "method"
	KindResponse = "response"
)

// Catalog holds the service and message bindings known to the process.
type Catalog struct {
	mu       sync.RWMutex
	services map[string]protoreflect.ServiceDescriptor
	messages map[string]protoreflect.MessageType
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		services: make(map[string]protoreflect.ServiceDescriptor),
		messages: make(map[string]protoreflect.MessageType),
	}
}

// InPackage reports whether the proto package name equals pkg or is
// nested under it. An empty pkg matches everything.
func InPackage(name protoreflect.FullName, pkg string) bool {
	if pkg == "" {
		return true
	}
	s := string(name)
	return s == pkg || strings.HasPrefix(s, pkg+".")
}

// FromRegistry builds a catalog from every file in files whose package is
// pkg or nested under it. Message types are taken from types when present,
// otherwise a dynamic type is built from the descriptor.
func FromRegistry(files *protoregistry.Files, types *protoregistry.Types, pkg string) *Catalog {
	if files == nil {
		files = protoregistry.GlobalFiles
	}
	if types == nil {
		types = protoregistry.GlobalTypes
	}

	c := NewCatalog()
	files.RangeFiles(func(fd protoreflect.FileDescriptor) bool {
		if !InPackage(fd.Package(), pkg) {
			return true
		}
		svcs := fd.Services()
		for i := 0; i < svcs.Len(); i++ {
			c.AddService(svcs.Get(i))
		}
		c.addMessages(fd.Messages(), types)
		return true
	})
	return c
}

func (c *Catalog) addMessages(msgs protoreflect.MessageDescriptors, types *protoregistry.Types) {
	for i := 0; i < msgs.Len(); i++ {
		md := msgs.Get(i)
		if md.IsMapEntry() {
			continue
		}
		if mt, err := types.FindMessageByName(md.FullName()); err == nil {
			c.AddMessage(mt)
		} else {
			c.AddMessage(dynamicpb.NewMessageType(md))
		}
		c.addMessages(md.Messages(), types)
	}
}

// AddService registers a service binding under its full name.
func (c *Catalog) AddService(sd protoreflect.ServiceDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[string(sd.FullName())] = sd
}

// AddMessage registers a message type under its full name.
func (c *Catalog) AddMessage(mt protoreflect.MessageType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages[string(mt.Descriptor().FullName())] = mt
}

// Service returns the service binding for a stub identifier.
func (c *Catalog) Service(id string) (protoreflect.ServiceDescriptor, error) {
	c.mu.RLock()
	sd, ok := c.services[id]
	c.mu.RUnlock()
	if !ok {
		return nil, util.NewStubResolutionError(KindStub, id)
	}
	return sd, nil
}

// HasService reports whether a stub identifier is bound.
func (c *Catalog) HasService(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.services[id]
	return ok
}

// ServiceNames returns the sorted stub identifiers in the catalog.
func (c *Catalog) ServiceNames() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	c.mu.RUnlock()

	sort.Strings(names)
	return names
}

// NewMessage returns a new, empty message of the named type.
func (c *Catalog) NewMessage(id string) (proto.Message, error) {
	c.mu.RLock()
	mt, ok := c.messages[id]
	c.mu.RUnlock()
	if !ok {
		return nil, util.NewStubResolutionError(KindMessage, id)
	}
	return mt.New().Interface(), nil
}

// newMessageFor returns a new message for a descriptor, preferring the
// catalog's binding for its name.
func (c *Catalog) newMessageFor(md protoreflect.MessageDescriptor) proto.Message {
	if m, err := c.NewMessage(string(md.FullName())); err == nil {
		return m
	}
	return dynamicpb.NewMessage(md)
}

// BuildRequest creates a message of type id populated from fields. Field
// names may be proto or JSON names; values follow the protobuf JSON
// mapping.
func (c *Catalog) BuildRequest(id string, fields map[string]any) (proto.Message, error) {
	msg, err := c.NewMessage(id)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return msg, nil
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return nil, &util.RequestConstructionError{RequestType: id, Cause: err}
	}
	if err := protojson.Unmarshal(data, msg); err != nil {
		return nil, &util.RequestConstructionError{RequestType: id, Cause: err}
	}
	return msg, nil
}

// Package binding maps the string identifiers stored in registry
// descriptors to generated protobuf bindings.
//
// A Catalog is populated once at startup from a protoregistry (normally
// protoregistry.GlobalFiles, which every generated *.pb.go file registers
// into when linked). Stub identifiers are full proto service names such as
// "capyface.face.FaceEmbedding"; request type identifiers are full message
// names. Lookups never fall back to reflection over Go types.
package binding

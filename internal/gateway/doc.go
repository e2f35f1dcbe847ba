// Package gateway invokes registered gRPC methods by service and method
// name.
//
// A Gateway resolves the service's descriptor from a registry.Store,
// reuses one *grpc.ClientConn per "host:port" and one stub per service for
// the life of the process, builds the typed request from a field map and
// retries transient failures with exponential backoff. Callers receive the
// response message or an error matching one of the util sentinels.
package gateway

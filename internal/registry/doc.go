// Package registry stores service descriptors for the service gateway.
//
// All backends implement Store. They differ in persistence and liveness
// semantics:
//
//   - FileStore keeps every descriptor in one JSON file, rewritten in full
//     on each mutation. Entries never expire; they disappear only through
//     Deregister. Heartbeat is a presence check.
//   - RedisStore and EtcdStore keep each descriptor under a lease of
//     DefaultLeaseTTL. A lease that is not renewed by Heartbeat or by a
//     write within its TTL is no longer visible to readers.
//
// StartHeartbeat wires a Store into a heartbeat.Agent that renews a
// service's lease periodically.
package registry

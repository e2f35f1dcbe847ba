// Package routereg announces a service's routes to an external API
// gateway and keeps the announcement alive with periodic heartbeats.
//
// Client handles plain HTTP services and WebSocketClient handles WebSocket
// services. Both send one registration POST on Register, with no automatic
// retry, and post {"service_name": ...} to their heartbeat endpoint from a
// heartbeat.Agent. Failures are logged and never escalated.
package routereg

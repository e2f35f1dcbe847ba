// Package config loads the svcgw process configuration.
//
// Configuration comes from an optional YAML file with ${VAR} and
// ${VAR:-default} environment substitution, decoded over Default().
// Well-known environment variables (GRPC_CONFIG_FILE, REDIS_*,
// ETCD_ENDPOINTS, API_GATEWAY_URL and so on) are applied last, so a
// deployment can override a baked-in file. Without a file the result is
// FromEnv().
package config

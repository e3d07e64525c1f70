// Package config handles relay configuration loading and validation.
//
// # Overview
//
// Configuration is loaded from YAML with environment variable expansion
// (${VAR} syntax). Durations are written as Go duration strings ("30s",
// "5m") and parsed after decode.
//
// # Example
//
//	server:
//	  listen_addr: "localhost:8787"
//
//	tailscale:
//	  enabled: false
//	  hostname: "crosswire"
//
//	database:
//	  path: "/var/lib/crosswire/relay.db"
//
//	auth:
//	  jwt_secret: "${CROSSWIRE_JWT_SECRET}"
//
//	liveness:
//	  auth_timeout: "30s"
//	  ping_interval: "30s"
//	  write_timeout: "10s"
//
//	logging:
//	  level: "info"
//	  format: "text"
//
// # Validation
//
// Load fails fast on a missing database path or JWT secret, and requires
// either a listen address or Tailscale to be enabled. When Tailscale is
// enabled a hostname is required and listen_addr becomes optional.
package config

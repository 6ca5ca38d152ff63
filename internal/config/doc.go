// Package config handles configuration loading for handoff-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files, or TOML files when the path ends
// in .toml, with environment variable expansion. Optional settings get
// defaults and the result is validated before use.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from HANDOFF_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/handoff/gateway.yaml
//  3. ~/.config/handoff/gateway.yaml
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${HANDOFF_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"    # API and event stream
//	  grpc_addr: "0.0.0.0:50051"   # grpc.health.v1, optional
//
//	database:
//	  driver: "sqlite"             # sqlite, sqlite3, pgx
//	  path: "/var/lib/handoff/gateway.db"
//	  dsn: ""                      # required for pgx
//
//	routing:
//	  transfer_timeout: "2m"       # pending transfers older than this expire
//	  drain_interval: "5s"
//	  sweep_interval: "30s"
//	  max_claim_attempts: 3
//	  default_max_concurrent: 3
//
//	events:
//	  driver: "none"               # none, log, nats, amqp, redis, kafka
//	  url: "nats://localhost:4222"
//	  brokers: ["localhost:9092"]  # kafka
//
//	tailscale:
//	  enabled: false
//	  hostname: "handoff"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: false                 # :443 with tailnet certificates
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config

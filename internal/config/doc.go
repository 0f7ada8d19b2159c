// Package config handles configuration loading for the coven-net registry daemon.
//
// # Configuration File
//
// Files ending in .toml are read as TOML; anything else is read as YAML.
// Default location (in order):
//
//  1. Path from COVEN_NET_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven-net/registry.yaml
//  3. ~/.config/coven-net/registry.yaml
//
// With no file the built-in defaults apply.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_NET_JWT_SECRET}"
//
// # Overrides
//
// After the file is read these variables win:
//
//   - COVEN_NET_ADDR: server.addr
//   - COVEN_NET_ALIVE_TIMEOUT: network.alive_timeout (duration or seconds)
//   - COVEN_NET_ENV: env; "production" shortens the default alive-timeout
//
// # Configuration Sections
//
//	env: development              # development, production
//
//	server:
//	  addr: "localhost:3737"      # registry endpoint for agents and clients
//	  http_addr: "localhost:3738" # health, API and metrics
//
//	network:
//	  tick: "1s"
//	  alive_timeout: "1h"         # 10s in production
//	  session_timeout: "0"
//	  ping_interval: "5s"
//	  ping_timeout: "5s"
//	  max_ping_failures: 3
//	  query_timeout: "30s"
//	  unused_container_timeout: "1m"
//	  max_message_bytes: 4194304
//
//	auth:
//	  jwt_secret: "${COVEN_NET_JWT_SECRET}" # at least 32 bytes; empty disables auth
//
//	tailscale:
//	  enabled: false
//	  hostname: "coven-net"
//	  auth_key: "${TS_AUTHKEY}"
//	  port: 3737
//
//	journal:
//	  path: "~/.local/share/coven-net/journal.db" # empty disables the journal
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Durations accept Go syntax ("30s", "5m") or a plain number of seconds.
package config

// Package config handles configuration loading for polylog-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${POLYLOG_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	assistant:
//	  lull_timeout: "30s"
//	session:
//	  heartbeat_interval: "30s"
//	  grace_period: "60s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # WebSocket and REST API
//
// Database:
//
//	database:
//	  path: "/var/lib/polylog/gateway.db"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${POLYLOG_JWT_SECRET}"   # Required
//
// Assistant participant:
//
//	assistant:
//	  provider: "anthropic"        # openai or anthropic; empty disables the assistant
//	  api_key: "${ANTHROPIC_API_KEY}"
//	  model: "claude-3-5-sonnet-20241022"
//	  name: "AI Assistant"
//	  mention_tokens: ["@ai", "@assistant", "hey ai", "ok ai"]
//	  lull_timeout: "30s"
//	  context_window_size: 50
//
// Conversation limits:
//
//	conversation:
//	  max_message_length: 4000
//	  rate_limit_per_user_per_minute: 0   # 0 disables
//	  dedupe_window: "30s"
//
// Session timing:
//
//	session:
//	  heartbeat_interval: "30s"
//	  heartbeat_misses: 2
//	  grace_period: "60s"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/polylog/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

// Package config handles configuration loading for clyre-server.
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
//	  jwt_secret: "${CLYRE_JWT_SECRET}"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
// Database:
//
//	database:
//	  path: "/var/lib/clyre/clyre.db"
//
// Inference backend:
//
//	llama:
//	  base_url: "http://127.0.0.1:8081"
//	  model: "default"
//	  max_tokens: 800
//	  temperature: 0.7
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${CLYRE_JWT_SECRET}"
//	  access_token_ttl: "30m"
//	  refresh_token_ttl: "336h"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Metrics:
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config

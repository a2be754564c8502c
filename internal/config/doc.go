// Package config handles configuration loading for wagateway.
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
//	  jwt_secret: "${WAGATEWAY_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	whatsapp:
//	  reconnect_delay: "5s"
//	  reconcile_every: "10m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # API and event stream
//
// Database:
//
//	database:
//	  path: "/var/lib/wagateway/data.db"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${WAGATEWAY_JWT_SECRET}"   # Required
//
// Session timing:
//
//	whatsapp:
//	  reconnect_delay: "5s"    # pause before automatic reconnects
//	  reconcile_every: "10m"   # orphan message linking interval
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/wagateway/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

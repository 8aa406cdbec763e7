// ABOUTME: Package documentation for courier-gateway configuration.
// ABOUTME: Documents the YAML layout and loading behavior.

// Package config handles configuration loading for courier-gateway.
//
// Configuration is YAML with ${ENV_VAR} expansion applied before parsing.
// Durations are plain Go duration strings ("30s", "24h"). Absent sections
// fall back to defaults; see the Default* constants.
//
// A minimal config:
//
//	server:
//	  http_addr: ":8080"
//
//	channels:
//	  - name: echo
//	    type: echo
//
// A fuller one, with persistence, a webhook channel, and the legacy bridge:
//
//	server:
//	  http_addr: ":8080"
//
//	database:
//	  path: "/var/lib/courier/routes.db"
//
//	routes:
//	  max_idle: "24h"
//	  sweep_interval: "1m"
//
//	channels:
//	  - name: sms
//	    type: webhook
//	    url: "${SMS_WEBHOOK_URL}"
//	    timeout: "5s"
//	    max_in_flight: 32
//
//	bridge:
//	  endpoint: "http://legacy-gateway:9090/relay"
//	  timeout: "30s"
//
//	logging:
//	  level: "info"
//	  format: "text"
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config

// Package config loads Sharehub configuration from environment variables.
//
// # Keys
//
// Server:
//
//	SHAREHUB_ADDR=":8080"
//	SHAREHUB_READ_TIMEOUT="15s"
//	SHAREHUB_WRITE_TIMEOUT="15s"
//	SHAREHUB_SHUTDOWN_TIMEOUT="30s"
//	SHAREHUB_MAX_BODY_BYTES="1048576"
//
// Dependencies:
//
//	SHAREHUB_DATABASE_URL="postgres://sharehub@localhost/sharehub?sslmode=disable"
//	SHAREHUB_REDIS_URL="redis://localhost:6379/0"
//
// Authentication and authorization:
//
//	SHAREHUB_JWT_SECRET="<at least 32 bytes>"
//	SHAREHUB_JWT_TTL="24h"
//	SHAREHUB_CACHE_TTL="5m"
//	SHAREHUB_POLICY_FILE="/etc/sharehub/policy.yaml"
//	SHAREHUB_POLICY_WATCH="true"
//	SHAREHUB_ROLE_SWEEP_SCHEDULE="*/5 * * * *"
//
// Rate limiting:
//
//	SHAREHUB_RATE_LIMIT_ENABLED="true"
//	SHAREHUB_RATE_LIMIT_WINDOW="15m"
//	SHAREHUB_RATE_LIMIT_MAX="100"
//	SHAREHUB_RATE_LIMIT_AUTH_WINDOW="15m"
//	SHAREHUB_RATE_LIMIT_AUTH_MAX="5"
//	SHAREHUB_RATE_LIMIT_TRUSTED_PROXIES="10.0.0.0/8,192.168.1.1"
//
// Forwarding headers are ignored unless the peer is a trusted proxy.
//
// Observability:
//
//	SHAREHUB_LOG_LEVEL="info"
//	SHAREHUB_LOG_FORMAT="json"
//	SHAREHUB_METRICS_ENABLED="true"
//	SHAREHUB_OTEL_ENABLED="false"
//	SHAREHUB_OTEL_ENDPOINT="localhost:4317"
//
// An empty SHAREHUB_REDIS_URL runs without the identity cache and without
// rate limiting. LoadConfig validates everything and reports all problems at once.
package config

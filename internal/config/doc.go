// Package config handles configuration loading for fleet-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion. TOML (.toml) and JSON with comments (.json, .jsonc) are also
// accepted and decoded into the same structs. Defaults are applied, then the
// whole document is validated, including the dependency graph and the route
// table, before anything starts.
//
// # Configuration File
//
// Resolution order:
//
//  1. --config flag
//  2. FLEET_GATEWAY_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/fleet-gateway/gateway.yaml
//
// # Environment Variable Expansion
//
//	secret_store:
//	  secret_id: "${FLEET_SECRET_ID}"
//
// Unset variables expand to the empty string.
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  grpc_addr: "0.0.0.0:8081"   # grpc.health.v1, optional
//	  drain_period: "10s"
//
//	auth:
//	  jwt_secret: "${FLEET_JWT_SECRET}"  # at least 32 bytes
//
//	database:
//	  path: "/var/lib/fleet-gateway/ledger.db"
//
//	secret_store:
//	  address: "http://127.0.0.1:8200"
//	  role_id: "${FLEET_ROLE_ID}"
//	  secret_id: "${FLEET_SECRET_ID}"
//	  ready_timeout: "2m"
//
//	bootstrap:
//	  secrets_dir: "/run/fleet-gateway/secrets"
//	  readiness_timeout: "60s"
//	  default_restart: {max_attempts: 5, backoff: exponential, initial: "500ms", max: "30s"}
//
//	services:
//	  - name: db
//	    address: "127.0.0.1:5432"
//	    launch: {command: ["postgres", "-D", "/var/lib/pg"]}
//	  - name: migrate
//	    kind: task
//	    run_once: true
//	    depends_on: [db]
//	    secrets: [{name: db-password, path: secret/data/db, key: password}]
//	    launch: {command: ["./migrate"]}
//	  - name: api
//	    address: "127.0.0.1:9000"
//	    depends_on: [migrate]
//	    readiness: {type: http, path: /healthz}
//	    launch: {type: docker, container: api}
//
//	routes:
//	  - {path: /api, service: api, rewrite: {strip_prefix: /api, prefix: /}}
//	  - {path: /api/exec, service: api, mode: stream, idle_timeout: "10m", auth: required}
//
// # Validation
//
// Validate returns the first failure as a *ConfigError. Dependency graph
// failures are ConfigErrors that unwrap to graph.CycleError,
// graph.UnknownDependencyError or graph.DuplicateServiceError.
package config

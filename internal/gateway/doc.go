// Package gateway is the single client-facing entry point of the fleet.
//
// # Overview
//
// The Gateway owns the HTTP listener (plain TCP or a tailscale tsnet node),
// an optional gRPC listener carrying grpc.health.v1, and the route table that
// maps incoming requests onto fleet services. It is constructed from
// validated configuration plus the orchestrator's readiness view:
//
//	gw, err := gateway.New(gateway.Options{
//	    Config: cfg,
//	    Fleet:  orch,
//	    Events: orch.Broadcaster(),
//	    Ledger: ledger,
//	    Logger: logger,
//	})
//
// # Routing
//
// Exact rules beat prefix rules regardless of configuration order. Among
// prefix rules the longest prefix wins and ties keep configuration order.
// Prefixes match on segment boundaries, so "/api" matches "/api/x" but not
// "/apix". A rule's method and regex, when set, must also match.
//
// A matched request for a service that is not ready gets 503 without any
// upstream connection. Otherwise it is forwarded according to the rule's mode:
//
//   - http: httputil.ReverseProxy with X-Forwarded-* and X-Real-IP set from the client address
//   - websocket: a message relay between the client and an upstream websocket
//   - stream: the websocket relay plus an idle timeout between frames
//
// # Built-in endpoints
//
//   - GET /health - Liveness
//   - GET /health/ready - 200 when every routed service is ready, 503 otherwise
//   - GET /status - Snapshot of every service's state
//   - GET /status/events - SSE stream of state transitions
//   - GET /status/history - Transitions recorded in the state ledger
//
// The /status endpoints require an operator bearer token when auth.jwt_secret
// is configured.
//
// # Shutdown
//
// Shutdown stops accepting connections and gives in-flight requests and relays
// the configured drain period before force-closing them.
package gateway

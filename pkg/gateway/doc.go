// Package gateway exposes the agent core to remote clients as JSON-RPC 2.0
// over WebSocket.
//
// Endpoints:
//   - GET /ws       WebSocket upgrade, shared-secret auth (Bearer or ?token=)
//   - GET /healthz  liveness probe
//   - GET /metrics  Prometheus metrics
//
// Invariants:
//   - Every connection owns a private Agent and transcript session, so two
//     clients never see each other's turns.
//   - Requests on one connection run concurrently; responses are matched to
//     requests by id, not by order.
//   - Stop drains in-flight requests before closing connections.
//
// Usage:
//
//	srv, _ := gateway.NewServer(gateway.Config{
//		Port:         8713,
//		SharedSecret: secret,
//		NewAgent:     newAgent,
//		Tools:        manager,
//	})
//	_ = srv.Start()
//	defer srv.Stop()
package gateway

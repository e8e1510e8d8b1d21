// Package gateway is the HTTP and WebSocket front door.
//
// # Endpoints
//
//   - GET /ws?conversation_id=...          WebSocket upgrade (JWT required)
//   - GET /api/conversations/{id}/messages Paginated history (JWT required)
//   - GET /api/conversations/{id}/participants Present users (JWT required)
//   - GET /healthz                         Liveness probe (no auth)
//   - GET /metrics                         Prometheus metrics (optional)
//
// # WebSocket lifecycle
//
// A connection authenticates during the upgrade request via the
// Authorization header or the token query parameter. A failed
// credential is answered with close code 4001, which clients treat as
// terminal. After the upgrade the gateway registers the connection
// with the session registry, replays nothing (history is pulled over
// the REST endpoint), and enters the read loop.
//
// Inbound frames are envelopes: message frames run through the
// ingestion pipeline and are answered with an ack or error frame to
// the sender only; typing frames are relayed to the conversation
// without persistence; ping frames refresh the heartbeat and are
// answered with pong.
//
// Presence events from the session registry fan out to the
// conversation as user_joined and user_left frames.
package gateway

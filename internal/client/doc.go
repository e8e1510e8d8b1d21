// Package client is the Go client for the conversation gateway.
//
// Manager owns one logical WebSocket connection and its lifecycle:
//
//	Idle -> Connecting -> Open -> Connecting -> ... -> Closed
//
// Reconnection uses exponential backoff starting at one second and
// doubling to a cap, reset whenever a connection opens. Close codes
// 1000 (normal) and 4001 (auth failure) are terminal; everything else
// triggers a reconnect attempt.
//
// Sends are tracked by idempotency token until the server's ack
// arrives. Unacked sends are replayed on reconnect with their
// original token, which the server's dedupe window collapses into at
// most one committed message. Repeated server connection notices are
// suppressed so the application sees one notice per logical session.
package client

// ABOUTME: Package session maps authenticated users to live connections per conversation.
// ABOUTME: Tracks logical presence, grace-period reconnects, heartbeats, and presence events.

// Package session implements the registry between transport
// connections and logical user presence. A user has at most one
// session per conversation no matter how many connections they hold;
// reconnecting replaces connections inside the session rather than
// creating presence churn. The registry emits user_joined/user_left
// events, survives brief disconnects through a grace period, and
// force-closes connections that stop answering heartbeats.
package session

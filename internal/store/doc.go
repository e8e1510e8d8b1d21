// ABOUTME: Package store defines persistence for conversations, messages, and participants.
// ABOUTME: Provides the Store interface, a SQLite implementation, and an in-memory store for tests.

// Package store is the durable side of the gateway. A conversation is
// an append-only message log with per-conversation sequence numbers;
// the store persists appends, serves paginated reads ordered by
// sequence, and tracks the participant roster. The pipeline owns
// sequence assignment; the store enforces uniqueness so a racing
// double-assignment fails loudly instead of corrupting order.
package store

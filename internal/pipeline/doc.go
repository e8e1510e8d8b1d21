// ABOUTME: Package pipeline validates, sequences, persists, dedupes, and fans out messages.
// ABOUTME: The per-conversation commit lock is the single serialization point for ordering.

// Package pipeline is the ingestion path every message takes, human
// and assistant alike. It validates content, applies per-user rate
// limits, absorbs idempotent retries, assigns the conversation's next
// sequence number under a conversation-scoped lock, persists before
// acknowledging, and hands the committed message to fanout and to the
// trigger engine. A persistence failure after sequencing burns the
// sequence slot: the caller gets an explicit error and retries with a
// fresh idempotency token, and the resulting gap is the documented
// price of at-most-once-per-token semantics.
package pipeline

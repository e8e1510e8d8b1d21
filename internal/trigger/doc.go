// ABOUTME: Package trigger decides when the assistant speaks and injects its replies.
// ABOUTME: Guarantees at most one generation in flight per conversation.

// Package trigger implements the assistant's participation policy. It
// taps the pipeline's committed message stream, tracks per-conversation
// silence, and fires a generation on a direct mention or when the lull
// timer elapses with the last human message still unanswered. A firing
// that lands while a generation is already in flight is dropped, never
// queued; the next natural trigger fires again if still warranted.
// Replies re-enter the pipeline as ordinary assistant messages, so
// fanout cannot tell them apart from human traffic.
package trigger

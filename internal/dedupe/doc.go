// ABOUTME: Package dedupe tracks recently seen idempotency tokens per conversation.
// ABOUTME: Backs the pipeline's duplicate-send suppression and the client's notice dedupe.

// Package dedupe implements a trailing-window duplicate detector.
// A retried send carrying the same idempotency token within the window
// is recognized as a duplicate; the window is TTL-based and size-bounded
// so a burst of unique tokens cannot grow memory without limit.
package dedupe

// ABOUTME: Package llm wraps language-model providers behind one Client interface.
// ABOUTME: The trigger engine treats providers as opaque, possibly slow, possibly-down functions.

// Package llm provides the language-model collaborator. The engine
// never depends on a concrete provider: it hands a context window of
// chat messages to Client.Complete and either gets text back or an
// error it is expected to swallow silently.
package llm

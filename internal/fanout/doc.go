// ABOUTME: Package fanout delivers one logical message to every active connection.
// ABOUTME: Per-connection send failures are isolated and never fail the originating ingest.

package fanout

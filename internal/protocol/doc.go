// ABOUTME: Package protocol defines the JSON wire envelope exchanged over WebSocket.
// ABOUTME: Envelopes are a tagged union over an enumerated type discriminator.

// Package protocol defines the wire format shared by the gateway and
// its clients. Every frame is an Envelope: a type discriminator plus a
// payload whose shape depends on the type. Decoding is exhaustive over
// the known types; unknown types are an error so protocol drift is
// caught loudly instead of ignored.
package protocol

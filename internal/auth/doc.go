// Package auth authenticates WebSocket and HTTP clients.
//
// Clients present a JWT signed with HS256 using the configured
// jwt_secret. The "sub" claim carries the user id and the "name" claim
// the display name shown to other participants. Tokens arrive either
// in the Authorization header as a bearer token or, for browser
// WebSocket clients that cannot set headers, in the "token" query
// parameter.
//
// The verified Identity travels through request handling via
// WithIdentity/FromContext.
package auth

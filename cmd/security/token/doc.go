// Package token issues and verifies the session tokens that authenticate REST and
// WebSocket callers.
//
// Tokens are HS256 JWTs carrying the user id (sub) and a session id (sid). Identity
// and password handling live outside this service; a trusted issuer mints tokens with
// the shared secret.
//
// Environment:
// - WANDER_JWT_SECRET: signing key, at least MinKeyBytes bytes.
package token

// Package auth provides bearer-token authentication for relay endpoints.
//
// Tokens are HS256-signed JWTs issued by the relay at registration, with the
// agent name in the "sub" claim. No refresh or rotation is modeled; an agent
// that loses its token re-registers for a fresh one.
package auth

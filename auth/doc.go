// Package auth protects HTTP handlers with bearer token (JWT) verification
// against the identity provider that the authorization broker federates to.
//
// An Authenticator validates an incoming bearer token string and returns the
// verified Claims (or an error). Middleware extracts the token from the
// Authorization header and maps sentinel errors onto RFC 6750 challenges.
//
// Example:
//
//	authn, err := auth.NewFromJWKS(ctx, issuer, issuer+"/.well-known/jwks.json", brokerClientID)
//	if err != nil { log.Fatal(err) }
//	mux.Handle("POST /mcp", auth.Middleware(authn, prmURL)(mcpHandler))
//
// # Errors
//
// ErrUnauthorized signals the token is invalid (signature, expiry, issuer,
// audience). Middleware answers 401 with error="invalid_token".
// ErrInsufficientScope signals successful authentication but missing required
// scope(s) and is answered with 403. Any other error is a server-side problem
// and is answered with 500.
package auth

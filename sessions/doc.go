// Package sessions defines the authorization session record shared by the
// broker and its storage backends, together with the Store contract those
// backends implement.
//
// A session is created when a client starts an authorization request and is
// removed when the user denies consent, when the code is exchanged for
// tokens, or when its TTL elapses. Readers treat an expired session exactly
// like a missing one.
//
// Backends:
//   - memoryhost: process-local map guarded by a mutex (tests, single node)
//   - redishost: Redis hashes with Lua scripts for conditional updates
//
// Both backends are exercised by the conformance suite in sessionstest.
package sessions

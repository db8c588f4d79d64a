// Package redishost implements sessions.Store on Redis.
//
// Each session is a hash at "<prefix>session:<id>" holding the immutable
// creation record as JSON plus separate fields for the mutable consent and
// code state. The hash carries a PEXPIRE equal to the session deadline so
// Redis evicts abandoned flows on its own.
//
// Conditional transitions run as Lua scripts so they are atomic on the
// server:
//   - create: fails if the key exists
//   - consent: succeeds only while consented == "0"
//   - claim: HGETALL + DEL in one step, so exactly one caller wins
//
// Example:
//
//	host, err := redishost.NewFromEnv()
//	if err != nil { ... }
//	defer host.Close()
package redishost

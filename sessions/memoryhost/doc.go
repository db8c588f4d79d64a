// Package memoryhost provides an in-process sessions.Store. State is lost on
// restart and is not shared between processes; use redishost for
// multi-instance deployments.
package memoryhost

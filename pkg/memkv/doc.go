// Package memkv is a small thread-safe in-memory key/value store with TTL
// support: Set/Get, atomic Update, Expire/TTL and cheap metrics on atomics.
//
// Properties:
//   - sharded map with RW mutexes (default 64 shards)
//   - lazy expiry on access plus a background sweep goroutine
//   - values copied on Set and Get (callers may mutate results freely)
//   - optional hard cap on total value bytes (Options.MaxBytes)
package memkv

// Package notifier delivers event notifications through a chat transport.
//
// Sends go through a bounded queue served by a small worker pool with a
// shared token-bucket rate limit, retry with jittered backoff and a
// short-lived dedup window that drops identical messages to the same channel.
// Send blocks until the message is delivered, suppressed or given up on so
// callers can react to domain.ErrNotifierUnauthorized.
//
// A small in-memory history of delivered messages is kept for diagnostics.
package notifier

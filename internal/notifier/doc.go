// Package notifier delivers user-facing notifications asynchronously.
//
// Notify only enqueues. A small worker pool drains the queue and hands every
// notification to each configured Sink (desktop, Telegram, log) under a
// shared rate limit, retrying failed sends with jittered exponential backoff.
//
// # History
//
// For debugging and operator visibility, the service keeps a small in-memory
// history of recently delivered notifications.
package notifier

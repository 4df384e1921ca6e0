// Package notifier delivers best-effort operator and lifecycle notices.
//
// Notices go through a bounded queue, a small worker pool, a shared rate
// limit and a retry with jittered backoff. Identical notices inside the
// dedup window are dropped; the window can be mirrored to storage so a
// restart loop does not spam a chat.
//
// Reminder deliveries do not use this package: they are sent once and never
// retried.
package notifier

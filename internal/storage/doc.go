// Package storage persists the bot's durable state.
//
// It holds pending reminder schedules (the source of truth across restarts),
// scope subscriptions and their activation codes, daily digest subscribers
// and the notifier's dedup windows. Drivers: postgres, sqlite, file, memory.
package storage

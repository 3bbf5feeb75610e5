// Package storage provides the persistence layer used by the bot.
//
// It stores:
//   - Named documents (subscriptions, custom templates, created-channel ledger),
//     each written as a whole
//   - Audit log appends (subscribe/unsubscribe/push events)
//
// Drivers: "file" (one json/yaml file per document + jsonl audit),
// "sqlite" (modernc.org/sqlite) and "memory" (tests, dry runs).
package storage

// Package storage persists instances, credentials, the outbound queue,
// suppression list, chat history, outreach verdicts and the operator audit log.
//
// Drivers:
//   - "sqlite": SQLite database file (modernc.org/sqlite, WAL)
//   - "memory": process-local maps, used by tests and dry runs
package storage

// Package sqlstore provides a relational storage backend built on
// database/sql. SQLite (modernc.org/sqlite, no cgo) and MySQL
// (github.com/go-sql-driver/mysql) are supported; the schema is applied
// with embedded goose migrations when the store is opened.
//
// Authorization codes and refresh tokens are stored under their SHA-256
// digest (see storage.HashToken), never in clear.
//
// Single-use guarantees come from the database rather than from process
// locks, so several server processes may share one database:
//
//   - A code is redeemed with a conditional UPDATE on its version. Zero
//     affected rows means another caller won the race.
//   - A refresh token is rotated with a DELETE inside the transaction that
//     read it. Zero affected rows means it was already rotated.
//   - Family advancement is guarded by revoked = 0, so a token cannot be
//     added to a family revoked concurrently.
//
// Expired rows are removed by Cleanup, which RunCleanup calls periodically.
package sqlstore

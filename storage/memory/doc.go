// Package memory provides an in-memory implementation of storage.Store.
//
// All state lives in maps guarded by a single sync.RWMutex, which makes
// code redemption and refresh token rotation trivially atomic within one
// process. A background goroutine removes expired codes, pending requests
// and tokens, and drops revoked family metadata after the retention period.
//
// Use it for development, tests and single-instance deployments. For
// multiple processes sharing state use storage/valkey or storage/sqlstore.
//
//	store := memory.New()
//	defer store.Stop()
package memory

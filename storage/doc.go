// Package storage provides interfaces and shared types for OAuth client, flow and token persistence.
//
// The storage package defines the core storage interfaces used throughout the server:
//   - ClientStore: Manages registered OAuth clients
//   - FlowStore: Manages suspended authorization requests and authorization codes
//   - TokenStore: Manages rotating refresh tokens and their families
//
// Redemption of authorization codes and rotation of refresh tokens must be
// atomic inside the store itself, because several server processes may share
// one store. Each implementation documents how it achieves that.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage (Lua scripts)
//   - storage/sqlstore: SQL storage for SQLite and MySQL (conditional updates)
package storage

// Package valkey provides a Valkey storage backend for the authorization server.
//
// Valkey is a key-value store that is wire-compatible with Redis. The Store
// type implements [storage.Store] and suits deployments that run more than
// one server process against shared state.
//
// # Key Schema
//
// All keys use a configurable prefix (default "oauth:"). Authorization
// codes and refresh tokens are only ever stored under their SHA-256 digest:
//
//	{prefix}client:{clientID}                 -> JSON(Client)
//	{prefix}pending:{id}                      -> JSON(PendingAuthorization) (with TTL)
//	{prefix}code:{sha256(code)}               -> JSON(AuthorizationCode) (with TTL)
//	{prefix}refresh:{sha256(token)}           -> JSON(RefreshToken) (with TTL)
//	{prefix}lineage:{sha256(token)}           -> familyID
//	{prefix}family:{familyID}                 -> JSON(RefreshTokenFamilyMetadata)
//	{prefix}family:{familyID}:tokens          -> SET of token digests
//	{prefix}userclient:{userID}:{clientID}    -> SET of family IDs
//
// # Atomic Operations
//
// Redeeming a code, rotating a refresh token and saving a token into a
// family run as Lua scripts, so only one of several concurrent callers
// wins. Consuming a pending authorization uses GETDEL. The scripts touch
// several keys and therefore need a single-node deployment or a proxy that
// keeps the prefix on one node.
//
// # Retention
//
// Records are kept for a short grace period after they expire so that a
// late presentation is reported as expired or replayed instead of unknown.
// Revoked families and the lineage of their tokens are kept for
// RevokedFamilyRetentionDays (default 90) so that replayed stolen tokens
// are still recognised.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "valkey.example.com:6379",
//	    Password:  os.Getenv("VALKEY_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	    KeyPrefix: "oauth:",
//	})
//
// Connection failures and timeouts are wrapped with
// [storage.ErrStoreUnavailable]; error replies from the server are not.
package valkey

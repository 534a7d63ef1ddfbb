// Package security holds the cross-cutting protections used by the
// authorization server.
//
// # Rate Limiting
//
// RateLimiter is a per-key token bucket (golang.org/x/time/rate) with LRU
// eviction so a flood of distinct client IPs cannot grow memory without
// bound. Idle keys are dropped by a background goroutine; call Stop on
// shutdown.
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(ip) {
//	    limiter.SetRetryAfter(w)
//	    // respond 429
//	}
//
// # Flow State
//
// StateSigner issues the signed state value that carries a suspended
// authorization request across the login redirect. Only the pending
// request ID travels in the token; the request itself stays server-side.
//
// # Encryption at Rest
//
// Encryptor seals individual record fields with AES-256-GCM using the
// record ID as associated data.
//
// # Audit Logging
//
// Auditor writes structured security_audit records. User identifiers are
// hashed before they reach the log.
package security

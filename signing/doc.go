// Package signing manages the key material used to sign access tokens.
//
// A KeySet holds exactly one active key, used for every new signature, and
// any number of retired keys. Retired keys stay available for verification
// and are published in the JWKS document until their RetireAt time, so
// tokens signed before a rollover keep validating for the grace window.
//
// Keys are loaded from PEM files (PKCS#1, SEC 1 or PKCS#8; RSA, ECDSA or
// Ed25519) or generated. Key IDs are RFC 7638 thumbprints of the public key.
package signing

// Package testutil provides fixtures and a shared conformance suite used by
// the storage back-end and server tests.
package testutil

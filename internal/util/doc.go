// Package util holds small helpers shared by the server, storage and HTTP
// layers: log-safe truncation, scope string handling and hostname checks.
package util

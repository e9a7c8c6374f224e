// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as the
// engine services and HTTP handlers to distinguish between different
// failure scenarios without inspecting driver errors.
package repository

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// ErrNotFound is returned when a code, lock, signer or event does not
// exist. Handlers translate it into an HTTP 404 response.
var ErrNotFound = errors.New("not found")

// ErrForbidden is returned when the caller presents a secret that does
// not match the claim. Handlers should translate this into an HTTP 403
// response.
var ErrForbidden = errors.New("forbidden")

// ErrConflict is returned when an operation cannot proceed because of
// conflicting state, such as binding a code that is already bound to a
// different address or locking a beneficiary that already holds a lock.
// Handlers should translate this into an HTTP 409 response.
var ErrConflict = errors.New("conflict")

// ErrUnavailable signals that a pooled resource (signer, receiving
// address) or the ledger is not available right now. The caller may
// retry later.
var ErrUnavailable = errors.New("unavailable")

// ErrInvalid marks malformed input.
var ErrInvalid = errors.New("invalid")

// ErrStaleState is returned by conditional updates when the row no
// longer matches the expected pre-state. The transition was rejected,
// not applied.
var ErrStaleState = errors.New("stale state")

// isDuplicateKey reports whether err is a MySQL duplicate entry error
// (1062) for the named unique key. An empty key matches any key.
func isDuplicateKey(err error, key string) bool {
	var me *mysql.MySQLError
	if !errors.As(err, &me) || me.Number != 1062 {
		return false
	}
	if key == "" {
		return true
	}
	return strings.Contains(strings.ToLower(me.Message), strings.ToLower(key))
}

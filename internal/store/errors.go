package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Sentinel errors surfaced by the store adapter. Callers map these to
// HTTP codes at the server boundary only.
var (
	// ErrNotFound covers both canonical misses and tenant-scoped
	// misses; the two are indistinguishable by design.
	ErrNotFound = errors.New("not found")
	// ErrTenantRebind is returned when WithTenant is nested.
	ErrTenantRebind = errors.New("tenant context already bound")
	// ErrConflict marks version races and unique violations.
	ErrConflict = errors.New("conflict")
	// ErrDimension marks an embedding whose length does not match the
	// configured dimension.
	ErrDimension = errors.New("embedding dimension mismatch")
	// ErrTenantMismatch marks an edge whose endpoints belong to
	// different tenants.
	ErrTenantMismatch = errors.New("edge endpoints belong to different tenants")
	// ErrLexicalUnavailable signals the weighted text index is absent
	// and hybrid search should fall back to vector-only.
	ErrLexicalUnavailable = errors.New("lexical index unavailable")
	// ErrTransient marks retryable store failures.
	ErrTransient = errors.New("transient store failure")
	// ErrPermanent marks non-retryable store failures.
	ErrPermanent = errors.New("permanent store failure")
)

// transientPgCodes are Postgres error classes worth retrying:
// serialization failures, deadlocks, connection and resource trouble.
var transientPgCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"08000": true, // connection_exception
	"08003": true, // connection_does_not_exist
	"08006": true, // connection_failure
	"53300": true, // too_many_connections
	"57P03": true, // cannot_connect_now
	"55P03": true, // lock_not_available
}

// uniquePgCodes map to ErrConflict rather than ErrPermanent.
var uniquePgCodes = map[string]bool{
	"23505": true, // unique_violation
	"40002": true, // transaction_integrity_constraint_violation
}

// classify wraps a raw driver error into the store error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %v", op, ErrTransient, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case uniquePgCodes[pgErr.Code]:
			return fmt.Errorf("%s: %w: %s", op, ErrConflict, pgErr.Message)
		case transientPgCodes[pgErr.Code]:
			return fmt.Errorf("%s: %w: %s (%s)", op, ErrTransient, pgErr.Message, pgErr.Code)
		default:
			return fmt.Errorf("%s: %w: %s (%s)", op, ErrPermanent, pgErr.Message, pgErr.Code)
		}
	}

	return fmt.Errorf("%s: %w: %v", op, ErrTransient, err)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsNotFound reports whether err is a (possibly tenant-scoped) miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/raphaelgruber/recall/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// ErrTransactionConflict indicates a SurrealDB transaction conflict.
// This occurs when multiple concurrent operations attempt to modify the same records.
// Callers should typically retry the operation.
var ErrTransactionConflict = errors.New("transaction conflict")

// Markers used in THROW statements so failures inside a transaction map
// back onto the shared sentinel errors.
const (
	throwNotFound = "recall:not_found"
	throwConflict = "recall:conflict"
	throwInvalid  = "recall:invalid"
)

// wrapQueryError inspects a SurrealDB error and wraps it with the appropriate
// sentinel error if it's a known query error type. Returns the original error
// if it's not a QueryError or doesn't match known patterns.
func wrapQueryError(err error) error {
	if err == nil {
		return nil
	}

	// Extract QueryError if present - this is a database-level error
	var queryErr *surrealdb.QueryError
	if !errors.As(err, &queryErr) {
		return err
	}
	msg := queryErr.Message
	switch {
	case strings.Contains(msg, throwNotFound):
		return fmt.Errorf("%w: %s", models.ErrNotFound, clean(msg, throwNotFound))
	case strings.Contains(msg, throwConflict):
		return fmt.Errorf("%w: %s", models.ErrConflict, clean(msg, throwConflict))
	case strings.Contains(msg, throwInvalid):
		return fmt.Errorf("%w: %s", models.ErrValidation, clean(msg, throwInvalid))
	case strings.Contains(msg, "already exists"):
		return fmt.Errorf("%w: %s", models.ErrConflict, msg)
	case strings.Contains(msg, "Transaction conflict"):
		return fmt.Errorf("%w: %s", ErrTransactionConflict, msg)
	}
	return err
}

// clean drops the marker and anything SurrealDB put before it.
func clean(msg, marker string) string {
	if _, after, ok := strings.Cut(msg, marker); ok {
		return strings.TrimSpace(after)
	}
	return msg
}

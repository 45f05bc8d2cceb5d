package models

import "errors"

// Sentinel errors shared across packages.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrValidation indicates malformed input. Nothing was written.
	ErrValidation = errors.New("validation error")

	// ErrOutOfOrder indicates an activity event older than the last one
	// observed for the same source.
	ErrOutOfOrder = errors.New("out of order event")

	// ErrEmbeddingUnavailable indicates the query could not be vectorized
	// and no fallback tier was available.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrRerankUnavailable indicates the reranker failed. Callers fall back
	// to similarity order.
	ErrRerankUnavailable = errors.New("rerank unavailable")

	// ErrNotFound indicates the referenced id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a duplicate id on creation or a write to a
	// closed episode.
	ErrConflict = errors.New("conflict")
)

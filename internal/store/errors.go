package store

import "errors"

// Error kinds the store surfaces. Callers should use errors.Is against
// these sentinels rather than string-matching.
var (
	// ErrNotFound means the requested record does not exist. Callers
	// (e.g. the reconciler) should skip this record for the current pass.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict means a concurrent write changed the record's version
	// between read and update. The caller must retry with a fresh read.
	ErrConflict = errors.New("store: version conflict")

	// ErrValidation means the record failed a schema/invariant check.
	// Validation errors are surfaced immediately and never retried.
	ErrValidation = errors.New("store: validation failed")

	// ErrIO means the store could not complete the operation due to a
	// transport/persistence failure.
	ErrIO = errors.New("store: io error")

	// ErrDuplicate means a uniqueness constraint would be violated, e.g.
	// (name, namespace) for services or (name, version) for packs.
	ErrDuplicate = errors.New("store: duplicate record")
)

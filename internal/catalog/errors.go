package catalog

import "errors"

// DuplicateLabelError is returned by CreateDisk when the unique index on
// (archive_uuid, copy_id, label) is violated by a concurrent creator.
// lifecycle.Open recovers by asking NextLabelSequence for a fresh number
// and retrying, up to five times; it does not re-read the open disk.
type DuplicateLabelError struct {
	Label string
}

func (e *DuplicateLabelError) Error() string {
	return "catalog: duplicate disk label " + e.Label
}

// CatalogUnavailableError wraps a persistent connection failure after all
// retries are exhausted. The caller pauses the cycle rather than treating
// this as a phase-ending fatal error.
type CatalogUnavailableError struct {
	Op  string
	Err error
}

func (e *CatalogUnavailableError) Error() string {
	return "catalog: " + e.Op + " unavailable: " + e.Err.Error()
}

func (e *CatalogUnavailableError) Unwrap() error { return e.Err }

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("catalog: not found")

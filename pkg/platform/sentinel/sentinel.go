package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and remote clients return
// these (optionally wrapped) so services can translate them into domain errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: record does not exist in store (or read past its TTL)
// - ErrConflict: create hit an existing key
// - ErrVersionMismatch: conditional write lost an optimistic race
// - ErrInvalidState: record in wrong state for requested operation
// - ErrUnavailable: store or remote endpoint temporarily unreachable
//
// For validation errors (bad input, missing fields), use pkg/domain-errors directly.
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrVersionMismatch = errors.New("version mismatch")
	ErrInvalidState    = errors.New("invalid state")
	ErrUnavailable     = errors.New("unavailable")
)

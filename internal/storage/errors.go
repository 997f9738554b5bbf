package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrInvalidPhase is returned when a phase marker carries a tag outside the
// closed phase set. Phases are a tagged union, not free-form strings; the
// storage boundary is where that invariant is enforced.
var ErrInvalidPhase = errors.New("storage: invalid phase")

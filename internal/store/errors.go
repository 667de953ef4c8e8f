package store

import "errors"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateEmail is returned when an account with the same normalized email already exists.
var ErrDuplicateEmail = errors.New("duplicate email")

// ErrStale is returned when an update was based on a snapshot that has since changed.
var ErrStale = errors.New("stale account snapshot")

// ErrTxDone is returned when a unit of work is used after it was saved or rolled back.
var ErrTxDone = errors.New("unit of work already finished")

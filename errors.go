package ingest

import (
	"errors"
	"fmt"
)

// The feed row already exists. Happens when a feed is re-fetched
// after a restart lost track of it.
var ErrDuplicateFeed = errors.New("feed already ingested")

// Downloading a feed failed.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// A payload could not be decoded.
type ParseError struct {
	Op  string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %s: %v", e.Op, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Writing to storage failed.
type PersistenceError struct {
	Table string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting %s: %v", e.Table, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// A single record or group of records was rejected. Never aborts a
// cycle.
type ValidationError struct {
	Op  string
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validating %s: %v", e.Op, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

package ingest

import "errors"

var (
	// ErrDuplicateSession is returned when the stream key already has an
	// active publish session.
	ErrDuplicateSession = errors.New("duplicate publish session")
	// ErrUnknownStreamKey is returned when the key authorizes no record.
	ErrUnknownStreamKey = errors.New("unknown stream key")
	// ErrAuthorizationBackend is returned when the persistence adapter could
	// not be consulted. Publishers may retry.
	ErrAuthorizationBackend = errors.New("authorization backend failure")
)

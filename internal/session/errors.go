package session

import "errors"

var (
	// ErrDuplicateSession is returned by CreateSession when an active,
	// unexpired session already exists for the id.
	ErrDuplicateSession = errors.New("session already exists")

	// ErrSessionNotFound is returned by operations that require an active
	// session when none exists.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotConnected is returned by store operations invoked while the
	// underlying pool is unavailable.
	ErrNotConnected = errors.New("session store not connected")
)

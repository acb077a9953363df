package broker

import "errors"

var (
	// ErrAlreadyExists is returned when a topic name is created twice.
	ErrAlreadyExists = errors.New("topic already exists")
	// ErrNotFound is returned by Lookup for an unknown topic name.
	ErrNotFound = errors.New("topic not found")
	// ErrUnknownTopic is returned by Resolve under the static policy.
	ErrUnknownTopic = errors.New("unknown topic")
	// ErrCapacityExceeded is returned when a topic log or subscriber set is full.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrClosed is returned once the registry has been closed.
	ErrClosed = errors.New("broker closed")
	// errCancelled ends a wait whose subscriber went away.
	errCancelled = errors.New("wait cancelled")
)

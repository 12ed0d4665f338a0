package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrValidation marks admin payloads that fail rule invariants.
	// No state is mutated when it is returned.
	ErrValidation = errors.New("validation failed")
	// ErrDependencyUnavailable marks a persistence or cache dependency
	// that could not be reached within its timeout.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	// ErrSyncPublish marks a failed cross-instance broadcast. The local
	// mutation has already been applied when it is returned.
	ErrSyncPublish = errors.New("sync publish failed")
	// ErrCacheMiss is returned by cache reads when the key is absent.
	ErrCacheMiss = errors.New("cache miss")
)

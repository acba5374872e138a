package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrOperationFailed    = errors.New("operation failed")
	ErrReadDatabaseRow    = errors.New("failed to read database row")
	ErrStaleVersion       = errors.New("stale version")
	ErrDuplicateEvent     = errors.New("event already recorded")
	ErrConflictShutdown   = errors.New("actor terminated by name conflict")
	ErrActorStopped       = errors.New("actor has stopped")
	ErrRouteTimeout       = errors.New("routing request timed out")
	ErrNoMembers          = errors.New("cluster has no members")
	ErrWrongOwner         = errors.New("node does not own this user")
	ErrUserMismatch       = errors.New("job addressed to a different user")
)

// Transient reports whether err should be retried by way of bus redelivery.
// Everything else is terminal for the message and must be acked;
// ErrUserMismatch in particular is a dropped message, never a retry.
func Transient(err error) bool {
	return errors.Is(err, ErrOperationFailed) ||
		errors.Is(err, ErrRouteTimeout) ||
		errors.Is(err, ErrNoMembers) ||
		errors.Is(err, ErrWrongOwner) ||
		errors.Is(err, ErrActorStopped) ||
		errors.Is(err, ErrConflictShutdown)
}

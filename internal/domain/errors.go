package domain

import "errors"

// Error taxonomy shared by the scheduling engine and its collaborators.
// Callers classify failures with errors.Is.
var (
	// ErrNotFound: the event or calendar vanished (e.g. before a trigger fired).
	ErrNotFound = errors.New("not found")

	// ErrLockUnavailable: the distributed guard was not acquired. The attempt
	// is abandoned; the next poll sweep retries.
	ErrLockUnavailable = errors.New("lock unavailable")

	// ErrTimezoneInvalid is returned at the calendar configuration boundary.
	ErrTimezoneInvalid = errors.New("timezone invalid")

	// ErrNotifierUnauthorized: the notification channel is unreachable.
	// Fire handlers swallow it.
	ErrNotifierUnauthorized = errors.New("notifier unauthorized")

	// ErrTransientStore marks registry/store failures that self-heal on the
	// next sweep.
	ErrTransientStore = errors.New("transient store failure")

	// ErrInvalidEvent rejects malformed events before they reach the engine.
	ErrInvalidEvent = errors.New("invalid event")
)

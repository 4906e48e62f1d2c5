package safeguard

import "errors"

// Error taxonomy. Operations wrap these sentinels with context; transport
// layers translate them into structured {success:false, error} results while
// storage errors propagate as-is.
var (
	// ErrNotFound means the referenced id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState means the transition is not allowed from the row's
	// current status (already processed, already cancelled, ...).
	ErrInvalidState = errors.New("invalid state")

	// ErrExpired means the pending request is past its expires_at.
	ErrExpired = errors.New("expired")

	// ErrConflict means deferred id allocation kept colliding after the
	// retry budget was exhausted.
	ErrConflict = errors.New("id allocation conflict")
)

// IsNotFound reports whether err is a not-found failure.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidState reports whether err is a disallowed-transition failure.
func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }

// IsExpired reports whether err is an expiry failure.
func IsExpired(err error) bool { return errors.Is(err, ErrExpired) }

// IsConflict reports whether err is an id allocation conflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

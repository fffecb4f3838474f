package repository

import "errors"

var (
	// ErrNotClaimed means another dispatcher (or a cancellation) moved the
	// item out of pending before our conditional claim ran.
	ErrNotClaimed = errors.New("queue item was not claimed")

	// ErrNoTransition means a conditional state update matched no row: the
	// record is missing or already in a state the update does not apply to.
	ErrNoTransition = errors.New("no matching row for state transition")
)

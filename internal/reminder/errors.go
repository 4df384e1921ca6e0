package reminder

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyArmed is informational: a live countdown exists for the key.
	ErrAlreadyArmed = errors.New("reminder: already armed")
	// ErrStore marks every *StoreError.
	ErrStore = errors.New("reminder: store failed")
	// ErrSubjectUnresolvable is returned by a Resolver when a persisted
	// record no longer points at a reachable subject.
	ErrSubjectUnresolvable = errors.New("reminder: subject unresolvable")
	ErrInvalidTrigger      = errors.New("reminder: invalid trigger")
	ErrStopped             = errors.New("reminder: not running")
)

// StoreError reports a failed durable write or read.
type StoreError struct {
	Op  string
	Key Key
	Err error
}

func (e *StoreError) Error() string {
	if e.Key.Valid() {
		return fmt.Sprintf("reminder: store %s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("reminder: store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStore }

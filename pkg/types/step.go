package types

import (
	"errors"
	"fmt"
	"time"
)

// StepState is the variant tag of a Step.
type StepState string

const (
	StatePending StepState = "pending" // waiting for the coordinator to dispatch
	StateActive  StepState = "active"  // handed to a stage worker, result outstanding
	StateDone    StepState = "done"    // finished with a value
	StateSkipped StepState = "skipped" // policy declined to run the stage
	StateError   StepState = "error"   // terminal failure for this session
	StateRetry   StepState = "retry"   // transient failure, waiting for its deadline
)

// Terminal reports whether a step in this state will not change without a manual re-arm.
func (s StepState) Terminal() bool {
	return s == StateDone || s == StateSkipped || s == StateError
}

// ErrInvalidTransition is returned when a Step is asked to move along an edge that does not exist.
var ErrInvalidTransition = errors.New("invalid step transition")

// Step is the per-stage state of a job. Exactly one variant holds at a time; the
// zero value is Pending.
//
// Allowed edges:
//
//	Pending -> Active | Skipped
//	Active  -> Done | Error | Retry
//	Retry   -> Pending (deadline passed)
//	Error   -> Pending (manual re-arm)
type Step[T any] struct {
	state   StepState
	value   T
	err     error
	retryAt time.Time
}

// State returns the variant tag.
func (s *Step[T]) State() StepState {
	if s.state == "" {
		return StatePending
	}
	return s.state
}

// Value returns the Done payload. ok is false in every other state.
func (s *Step[T]) Value() (T, bool) {
	if s.State() != StateDone {
		var zero T
		return zero, false
	}
	return s.value, true
}

// Err returns the cause of an Error step, nil otherwise.
func (s *Step[T]) Err() error {
	if s.State() != StateError {
		return nil
	}
	return s.err
}

// RetryAt returns the deadline of a Retry step.
func (s *Step[T]) RetryAt() (time.Time, bool) {
	if s.State() != StateRetry {
		return time.Time{}, false
	}
	return s.retryAt, true
}

func (s *Step[T]) move(from []StepState, to StepState) error {
	cur := s.State()
	for _, f := range from {
		if cur == f {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, to)
}

// Activate moves Pending to Active.
func (s *Step[T]) Activate() error {
	return s.move([]StepState{StatePending}, StateActive)
}

// Skip moves Pending to Skipped.
func (s *Step[T]) Skip() error {
	return s.move([]StepState{StatePending}, StateSkipped)
}

// Complete moves Active to Done(v).
func (s *Step[T]) Complete(v T) error {
	if err := s.move([]StepState{StateActive}, StateDone); err != nil {
		return err
	}
	s.value = v
	return nil
}

// Fail moves Active to Error(cause).
func (s *Step[T]) Fail(cause error) error {
	if err := s.move([]StepState{StateActive}, StateError); err != nil {
		return err
	}
	s.err = cause
	return nil
}

// Defer moves Active to Retry(deadline).
func (s *Step[T]) Defer(deadline time.Time) error {
	if err := s.move([]StepState{StateActive}, StateRetry); err != nil {
		return err
	}
	s.retryAt = deadline
	return nil
}

// Expire moves Retry back to Pending once now has reached the deadline.
// It reports whether the step moved.
func (s *Step[T]) Expire(now time.Time) bool {
	if s.State() != StateRetry || now.Before(s.retryAt) {
		return false
	}
	s.state = StatePending
	s.retryAt = time.Time{}
	return true
}

// Rearm moves Error back to Pending and forgets the cause.
func (s *Step[T]) Rearm() error {
	if err := s.move([]StepState{StateError}, StatePending); err != nil {
		return err
	}
	s.err = nil
	return nil
}

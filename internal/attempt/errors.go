package attempt

import (
	"errors"
	"fmt"
)

var (
	// ErrAttemptLimitExceeded is returned when the user may not create another attempt.
	ErrAttemptLimitExceeded = errors.New("attempt limit exceeded")
	// ErrActiveAttempt is returned when an unfinished attempt already exists for the
	// same user and exam. It matches ErrAttemptLimitExceeded with errors.Is.
	ErrActiveAttempt = fmt.Errorf("%w: another attempt is still active", ErrAttemptLimitExceeded)
	// ErrAlreadyPassed is returned when a limited exam was already passed by the user.
	ErrAlreadyPassed = errors.New("exam already passed")
	// ErrAttemptExpired is returned for interactions after the attempt's deadline.
	ErrAttemptExpired = errors.New("attempt expired")
	// ErrInvalidStateTransition is returned when the operation is not legal in the
	// registration's current status.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInvalidReason          = errors.New("invalid finalize reason")
	ErrQuestionNotSelected    = errors.New("question is not part of this attempt")
	ErrNotManuallyGradable    = errors.New("answer cannot be graded manually")
	ErrInvalidPoints          = errors.New("points out of range")
)

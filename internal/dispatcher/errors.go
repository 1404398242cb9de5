package dispatcher

import (
	"errors"
	"fmt"
)

// ErrDispatcher is the base error every dispatcher error kind wraps; callers
// can match the whole family with errors.Is(err, ErrDispatcher).
var ErrDispatcher = errors.New("dispatcher error")

var (
	// ErrTaskAssignment wraps any failure inside task assignment; the
	// caller re-enqueues the task.
	ErrTaskAssignment = fmt.Errorf("%w: task assignment failed", ErrDispatcher)

	// ErrSlotAllocation marks a failed slot request; transient.
	ErrSlotAllocation = fmt.Errorf("%w: slot allocation failed", ErrDispatcher)

	// ErrRunnerLaunch is terminal after the launcher's configured retries.
	ErrRunnerLaunch = fmt.Errorf("%w: runner launch failed", ErrDispatcher)

	// ErrPoolNotFound is a programming or configuration error.
	ErrPoolNotFound = fmt.Errorf("%w: agent pool not found", ErrDispatcher)

	// ErrDeadlockDetected is returned only when raise-on-deadlock is
	// requested.
	ErrDeadlockDetected = fmt.Errorf("%w: deadlock detected", ErrDispatcher)
)

func assignmentError(taskID string, cause error) error {
	return fmt.Errorf("%w: task %s: %v", ErrTaskAssignment, taskID, cause)
}

func launchError(runnerID string, attempts int, cause error) error {
	return fmt.Errorf("%w: runner %s after %d attempts: %v", ErrRunnerLaunch, runnerID, attempts, cause)
}

func poolNotFound(name string) error {
	return fmt.Errorf("%w: %q", ErrPoolNotFound, name)
}

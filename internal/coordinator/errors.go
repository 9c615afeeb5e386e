package coordinator

import (
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-council/internal/agent"
)

var (
	// ErrTaskNotTerminal is returned by Aggregate while subtasks are still in flight.
	ErrTaskNotTerminal = errors.New("task has subtasks that are not terminal")
	// ErrUnknownTask is returned for task or subtask ids the orchestrator does not own.
	ErrUnknownTask = errors.New("unknown task")
	// ErrSubTaskCompleted is returned when an exception is raised on a completed subtask.
	ErrSubTaskCompleted = errors.New("subtask already completed")
)

// TimeoutError marks a subtask that showed no progress within its window.
type TimeoutError struct {
	SubTaskID string
	Agent     agent.Name
	Window    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("subtask %s (%s) made no progress within %s", e.SubTaskID, e.Agent, e.Window)
}

// DecompositionError means a request could not be turned into a task.
type DecompositionError struct {
	TaskID   string
	Attempts int
	Err      error
}

func (e *DecompositionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("decompose %s after %d attempts: %v", e.TaskID, e.Attempts, e.Err)
	}
	return fmt.Sprintf("decompose %s: %v", e.TaskID, e.Err)
}

func (e *DecompositionError) Unwrap() error { return e.Err }

package dispatch

import (
	"context"
	"time"

	"github.com/user/droidpilot/internal/types"
)

// TaskStatus represents the lifecycle state of a queued Task.
type TaskStatus string

const (
	TaskQueued   TaskStatus = "queued"
	TaskRunning  TaskStatus = "running"
	TaskComplete TaskStatus = "complete"
	TaskFailed   TaskStatus = "failed"
)

// Task is one goal submitted for execution against a session.
type Task struct {
	ID         types.TaskID
	SessionID  types.SessionID
	Goal       string
	Status     TaskStatus
	Attempts   int
	CreatedAt  time.Time
	StartedAt  *time.Time
	EndedAt    *time.Time
	Err        error
	Ctx        context.Context
	OnComplete func(result string)
}

// NewTask creates a Task in the Queued state for the given session and goal.
func NewTask(sessionID types.SessionID, goal string) *Task {
	return &Task{
		ID:        types.NewTaskID(),
		SessionID: sessionID,
		Goal:      goal,
		Status:    TaskQueued,
		CreatedAt: time.Now(),
	}
}

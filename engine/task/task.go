// Package task defines the task store contract. Drivers live under
// engine/infra; the rest of the engine depends only on this interface.
package task

import (
	"context"
	"errors"

	"github.com/buildsmith/buildsmith/engine/task/model"
)

var (
	// ErrNotFound is returned when a task id has no row.
	ErrNotFound = errors.New("task not found")
)

// Repository is the narrow persistence surface for build tasks. Every method
// is atomic; multi-row operations run in a single transaction.
type Repository interface {
	// Create inserts a pending task with start_time set to now and returns
	// the new id.
	Create(ctx context.Context, spec *model.CreateTask) (int64, error)
	Find(ctx context.Context, id int64) (*model.Task, error)
	// List returns all tasks ordered so a parent immediately precedes its
	// children, newest family first.
	List(ctx context.Context) ([]*model.Task, error)
	// UpdateState writes the state unconditionally; transition legality is
	// the caller's responsibility. A non-empty commit is written alongside.
	UpdateState(ctx context.Context, id int64, state model.TaskState, commit string) error
	// UpdateCompletion marks the task successful.
	UpdateCompletion(ctx context.Context, id int64, endTime, storagePath, installer, commit string) error
	// Update applies a partial admin patch.
	Update(ctx context.Context, patch *model.UpdateTask) error
	// Delete removes the task and, when it is a parent, all of its children.
	Delete(ctx context.Context, id int64) error

	HasRunning(ctx context.Context, server string) (bool, error)
	RunningCount(ctx context.Context, server string) (int, error)
	NextPendingChild(ctx context.Context, server string) (*model.Task, error)
	NextPendingSingle(ctx context.Context, server string) (*model.Task, error)
	Children(ctx context.Context, parentID int64) ([]*model.Task, error)

	// UpdateFamilyCommit writes commit to the task, its parent and all
	// siblings (or, for a parent, to itself and all children) atomically.
	UpdateFamilyCommit(ctx context.Context, id int64, commit string) error
	// AllChildrenPastChrome reports whether every child of parentID has
	// progressed to the chrome build or beyond.
	AllChildrenPastChrome(ctx context.Context, parentID int64) (bool, error)

	// AppendLog appends line plus a newline to the durable log, keeping at
	// most the last 100000 characters.
	AppendLog(ctx context.Context, id int64, line string) error
	GetLog(ctx context.Context, id int64) (string, error)

	// ResetOrphaned fails every task left in a running state by a previous
	// process and returns how many rows changed.
	ResetOrphaned(ctx context.Context) (int64, error)
}

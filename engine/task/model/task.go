package model

import "time"

// TimeLayout is the wall-clock format stored in start_time and end_time.
const TimeLayout = "2006-01-02 15:04:05"

// Now returns the current local time in the stored layout.
func Now() string {
	return time.Now().Format(TimeLayout)
}

// Task is one row of the pkg table. Parent tasks group per-architecture
// children; ParentID is nil for parents and for single-arch tasks.
type Task struct {
	ID              int64     `json:"id"`
	StartTime       string    `json:"start_time"`
	EndTime         *string   `json:"end_time"`
	BranchName      string    `json:"branch_name"`
	OEMName         string    `json:"oem_name"`
	CommitID        string    `json:"commit_id"`
	PkgFlag         string    `json:"pkg_flag"`
	IsSigned        bool      `json:"is_signed"`
	IsIncrement     bool      `json:"is_increment"`
	StoragePath     string    `json:"storage_path"`
	Installer       string    `json:"installer"`
	State           TaskState `json:"state"`
	Server          string    `json:"server"`
	ParentID        *int64    `json:"parent_id"`
	Architecture    *string   `json:"architecture"`
	BuildLog        *string   `json:"build_log,omitempty"`
	InstallerFormat *string   `json:"installer_format,omitempty"`
}

// IsParent reports whether the task groups architecture children rather than
// building anything itself (until the combine phase).
func (t *Task) IsParent() bool {
	return t.ParentID == nil && t.Architecture == nil
}

// Arch returns the architecture, defaulting to x64 for legacy rows.
func (t *Task) Arch() string {
	if t.Architecture == nil || *t.Architecture == "" {
		return "x64"
	}
	return *t.Architecture
}

// CreateTask carries the fields needed to insert a new pending task.
type CreateTask struct {
	Branch          string  `json:"branch"`
	OEMName         string  `json:"oem_name"`
	CommitID        string  `json:"commit_id"`
	PkgFlag         string  `json:"pkg_flag"`
	IsIncrement     bool    `json:"is_increment"`
	IsSigned        bool    `json:"is_signed"`
	Server          string  `json:"server"`
	ParentID        *int64  `json:"parent_id"`
	Architecture    *string `json:"architecture"`
	InstallerFormat *string `json:"installer_format"`
}

// UpdateTask is a partial update; nil fields are left untouched.
type UpdateTask struct {
	ID          int64      `json:"id"`
	CommitID    *string    `json:"commit_id"`
	EndTime     *string    `json:"end_time"`
	StoragePath *string    `json:"storage_path"`
	Installer   *string    `json:"installer"`
	State       *TaskState `json:"state"`
}

// DeleteTask identifies a task to cancel and remove together with its children.
type DeleteTask struct {
	TaskID int64 `json:"task_id"`
}

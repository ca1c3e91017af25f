package model

import "fmt"

// TaskState is the lifecycle phase of a build task. The string values are part
// of the persisted schema and the frontend protocol, so they never change.
type TaskState string

const (
	StatePending           TaskState = "pending"
	StateCheckout          TaskState = "checkout..."
	StateStartBuild        TaskState = "start build"
	StateCleaning          TaskState = "clean..."
	StateGeneratingProject TaskState = "gen project"
	StateBuildingPreBuild  TaskState = "build pre_build"
	StateBuildingBase      TaskState = "build base"
	StateBuildingChrome    TaskState = "build chrome"
	StateCombining         TaskState = "combining"
	StateBuildingInstaller TaskState = "build installer"
	StateSigning           TaskState = "sign"
	StateBackingUp         TaskState = "backup"
	StateSuccess           TaskState = "success"
	StateFailed            TaskState = "failed"
	StateCancelled         TaskState = "cancelled"
)

// stateRank orders states by pipeline progression, used by the fan-in gate to
// ask "has this child passed the chrome build yet".
var stateRank = map[TaskState]int{
	StatePending:           0,
	StateCheckout:          1,
	StateStartBuild:        2,
	StateCleaning:          3,
	StateGeneratingProject: 4,
	StateBuildingPreBuild:  5,
	StateBuildingBase:      6,
	StateBuildingChrome:    7,
	StateCombining:         8,
	StateBuildingInstaller: 9,
	StateSigning:           10,
	StateBackingUp:         11,
	StateSuccess:           12,
	StateFailed:            13,
	StateCancelled:         14,
}

// ParseTaskState maps a stored string back to its state. Every value produced
// by String round-trips, including "cancelled".
func ParseTaskState(s string) (TaskState, error) {
	st := TaskState(s)
	if _, ok := stateRank[st]; !ok {
		return "", fmt.Errorf("unknown task state %q", s)
	}
	return st, nil
}

func (s TaskState) String() string { return string(s) }

// IsTerminal reports whether no further transitions can occur.
func (s TaskState) IsTerminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateCancelled
}

// IsRunning reports whether the task occupies its server's build slot.
func (s TaskState) IsRunning() bool {
	return s != StatePending && !s.IsTerminal()
}

// AtLeast reports whether s has progressed to other or beyond.
func (s TaskState) AtLeast(other TaskState) bool {
	return stateRank[s] >= stateRank[other]
}

// PastChrome reports whether the task has built chrome and stayed on the
// success path. Failed and cancelled tasks are off the progression order and
// never satisfy the combine gate.
func (s TaskState) PastChrome() bool {
	if s == StateFailed || s == StateCancelled {
		return false
	}
	return s.AtLeast(StateBuildingChrome)
}

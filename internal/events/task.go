package events

import "time"

// TaskStart is emitted when a worker begins running a task.
type TaskStart struct {
	TaskID string
	Kind   string
}

// TaskFinish is emitted after a task published its result.
type TaskFinish struct {
	TaskID   string
	Kind     string
	Err      error
	Duration time.Duration
}

// FoldSplice is emitted when a folded task spliced its reconstructed
// sub-plan into the running DAG.
type FoldSplice struct {
	TaskID   string
	Paths    []string
	NewTasks int
}

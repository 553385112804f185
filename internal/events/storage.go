package events

import "time"

// StorageCommit is emitted when storage tasks are queued for a unit.
type StorageCommit struct {
	UnitID string
	Tasks  int
}

// StorageFinish is emitted when a connector finished one storage task.
type StorageFinish struct {
	TaskID   string
	UnitID   string
	Engine   string
	Err      error
	Duration time.Duration
}

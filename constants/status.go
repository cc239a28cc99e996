package constants

// TaskStatus is the canonical status for rows in the tasks table.
type TaskStatus string

// Stable values (store these exact strings in DB).
const (
	TaskStatusQueued     TaskStatus = "QUEUED"     // accepted, waiting for a worker
	TaskStatusProcessing TaskStatus = "PROCESSING" // claimed by a worker
	TaskStatusCompleted  TaskStatus = "COMPLETED"  // terminal success
	TaskStatusFailed     TaskStatus = "FAILED"     // terminal failure
	TaskStatusCancelled  TaskStatus = "CANCELLED"  // terminal, cancelled by caller
)

// IsTerminal reports whether no further transitions are permitted.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

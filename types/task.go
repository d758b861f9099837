package types

import "time"

// TaskTypeNormal is the task type whose submissions consist of a single
// code file. Any other type submits one file per entry in FileNames.
const TaskTypeNormal = "normal"

// Task represents a judged exercise that submissions answer.
// Tasks carry only metadata here; testcase data lives with the external
// judging worker.
type Task struct {
	// ID is the unique identifier of the task.
	ID int `json:"id" db:"id"`

	// Title is the human-readable name of the task.
	Title string `json:"title" db:"title"`

	// Visible controls whether non-admin users may see the task and
	// submit to it. Submissions to hidden tasks are masked in listings.
	Visible bool `json:"visible" db:"visible"`

	// Type determines the expected code layout of a submission.
	// See TaskTypeNormal.
	Type string `json:"type" db:"type"`

	// FileNames lists the expected source file names for multi-file
	// task types, in submission order.
	FileNames []string `json:"file_names" db:"file_names"`

	// CreatedAt is the timestamp at which the task was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the task.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// CodeFileCount returns the number of code files a submission to this
// task carries.
func (t Task) CodeFileCount() int {
	if t.Type == TaskTypeNormal {
		return 1
	}
	return len(t.FileNames)
}

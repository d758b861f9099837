package types

import "time"

// StatusInQueue is the status of a submission that has been received
// but not yet graded by the judging worker.
const StatusInQueue = "in_queue"

// Unmeasured is the sentinel value stored in the points, time and memory
// fields of a submission before grading has produced a measurement.
const Unmeasured = -1

// Submission represents a user's attempt at a task.
// The submitted source code is stored in the object store keyed by the
// submission ID and is never embedded in the record itself.
type Submission struct {
	// ID is the store-assigned unique identifier of the submission.
	ID int64 `json:"id" db:"id"`

	// TaskID identifies the task this submission answers.
	TaskID int `json:"task_id" db:"task_id"`

	// UserID identifies the user who made the submission.
	UserID int `json:"user_id" db:"user_id"`

	// Username is the submitting user's name, denormalized at creation
	// time so listings need no user lookup.
	Username string `json:"username" db:"username"`

	// Language is the identifier of the programming language used.
	Language string `json:"language" db:"language"`

	// Status is StatusInQueue until the grading worker reports a result,
	// after which it holds the final verdict string. It is overwritten
	// exactly once; last write wins.
	Status string `json:"status" db:"status"`

	// Points is the total score awarded, or Unmeasured before grading.
	Points float64 `json:"points" db:"points"`

	// Time is the execution time in seconds, or Unmeasured before grading.
	Time float64 `json:"time" db:"time"`

	// Memory is the peak memory usage in kilobytes, or Unmeasured
	// before grading.
	Memory int64 `json:"memory" db:"memory"`

	// FileCount is the number of code files stored for this submission.
	FileCount int `json:"file_count" db:"file_count"`

	// Groups holds the per-group grading breakdown when the grading
	// backend reports one. Absence is a valid state: the submission is
	// either ungraded or was graded by the legacy backend.
	Groups []GroupResult `json:"groups,omitempty" db:"groups"`

	// CreatedAt is the timestamp when the submission was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// GroupResult is the grading outcome of one group of test cases.
type GroupResult struct {
	// Score is the number of points awarded for this group.
	Score float64 `json:"score"`

	// FullScore is the maximum number of points this group is worth.
	FullScore float64 `json:"fullScore"`

	// Statuses holds the per-case execution measurements of the group.
	Statuses []CaseStatus `json:"status"`
}

// CaseStatus is the execution measurement of a single test case within
// a group result.
type CaseStatus struct {
	// Verdict is the per-case outcome code, when reported.
	Verdict string `json:"verdict,omitempty"`

	// Time is the execution time of the case in seconds.
	Time float64 `json:"time"`

	// Memory is the peak memory usage of the case in kilobytes.
	Memory int64 `json:"memory"`
}

// CaseVerdict is the grading outcome of a single test case, keyed by a
// case identifier of the form "<subtask>/<subcase>". Verdicts are
// grouped by subtask when a submission's detail is read.
type CaseVerdict struct {
	// SubmissionID identifies the submission this verdict belongs to.
	SubmissionID int64 `json:"submission_id" db:"submission_id"`

	// CaseID encodes the subtask and subcase as "<subtask>/<subcase>".
	CaseID string `json:"case_id" db:"case_id"`

	// Verdict is the outcome code of this case.
	Verdict string `json:"verdict" db:"verdict"`

	// Time is the execution time of the case in seconds.
	Time float64 `json:"time" db:"time"`

	// Memory is the peak memory usage of the case in kilobytes.
	Memory int64 `json:"memory" db:"memory"`
}

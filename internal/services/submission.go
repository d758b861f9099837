package services

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/cpjudge/apiserver/internal/apperrors"
	"github.com/cpjudge/apiserver/internal/store"
	"github.com/cpjudge/apiserver/types"
)

const (
	adminRole = "admin"

	// publicPageSize is the fixed page size of the public listing once an
	// offset is given.
	publicPageSize = 20

	// JudgeQueueChannel is the broker channel notified when a submission
	// enters the queue.
	JudgeQueueChannel = "judge.submissions"
)

// localeTimestampLayout renders timestamps the way the web frontend
// historically displayed them.
const localeTimestampLayout = "1/2/2006, 3:04:05 PM"

// SubmissionRepository defines persistence operations for submissions.
type SubmissionRepository interface {
	Get(ctx context.Context, id int64) (types.Submission, error)
	ListRecent(ctx context.Context, limit int, afterID int64) ([]types.Submission, error)
	ListFiltered(ctx context.Context, limit int, userID, taskID *int) ([]types.Submission, error)
	ListQueued(ctx context.Context, limit int, taskID *int) ([]types.Submission, error)
	ListPublic(ctx context.Context, username *string, taskID *int, offset, limit int) ([]store.PublicSubmission, error)
	Create(ctx context.Context, submission types.Submission) (types.Submission, error)
	UpdateResult(ctx context.Context, id int64, status string, points, execTime float64, memory int64, groups []types.GroupResult) error
	ReplaceCaseVerdicts(ctx context.Context, id int64, verdicts []types.CaseVerdict) error
	ListCaseVerdicts(ctx context.Context, id int64) ([]types.CaseVerdict, error)
}

// TaskRepository defines the task lookups the submission flow needs.
type TaskRepository interface {
	Get(ctx context.Context, id int) (types.Task, error)
}

// CodeStore reads and writes submission code in the blob store.
type CodeStore interface {
	Write(ctx context.Context, submissionID int64, files []string) error
	Read(ctx context.Context, submissionID int64, count int) ([]string, error)
}

// QueuePublisher notifies a broker channel. Satisfied by *mq.MQ.
type QueuePublisher interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
}

// Unzipper extracts named files from an archived code payload.
type Unzipper func(data []byte, names []string) ([]string, error)

// SubmissionService encapsulates the submission read and write use-cases.
type SubmissionService struct {
	subs  SubmissionRepository
	tasks TaskRepository
	users UserRepository
	code  CodeStore
	unzip Unzipper
	queue QueuePublisher
}

// NewSubmissionService constructs the service. queue may be nil when no
// broker is configured; the grading worker then polls the queue feed.
func NewSubmissionService(
	subs SubmissionRepository,
	tasks TaskRepository,
	users UserRepository,
	code CodeStore,
	unzip Unzipper,
	queue QueuePublisher,
) *SubmissionService {
	return &SubmissionService{
		subs:  subs,
		tasks: tasks,
		users: users,
		code:  code,
		unzip: unzip,
		queue: queue,
	}
}

// SubmissionDetail combines a submission's metadata, code and per-subtask
// verdicts.
type SubmissionDetail struct {
	Submission  types.Submission            `json:"metadata"`
	Code        []string                    `json:"code"`
	CaseResults map[int][]types.CaseVerdict `json:"case_results"`
}

// QueuedSubmission is a queue feed entry annotated with its code.
type QueuedSubmission struct {
	types.Submission
	Code []string `json:"code"`
}

// SubmissionView is the full view of one submission joined with its task
// and submitting user.
type SubmissionView struct {
	Submission  types.Submission `json:"submission"`
	Task        types.Task       `json:"task"`
	Username    string           `json:"username"`
	SubmittedAt string           `json:"submitted_at"`
	Code        []string         `json:"code"`
}

// PublicRow is one row of the public listing. For submissions to hidden
// tasks only ID is populated.
type PublicRow struct {
	ID           int64    `json:"id"`
	Username     string   `json:"username,omitempty"`
	Timestamp    int64    `json:"timestamp,omitempty"`
	Language     string   `json:"language,omitempty"`
	Score        *float64 `json:"score,omitempty"`
	FullScore    *float64 `json:"fullScore,omitempty"`
	Time         *float64 `json:"time,omitempty"`
	Memory       *int64   `json:"memory,omitempty"`
	TaskID       int      `json:"task_id,omitempty"`
	SubmissionID int64    `json:"submission_id,omitempty"`
}

// CreateInput is the simple creation schema: a single code string owned by
// an explicitly named user.
type CreateInput struct {
	UserID   int
	TaskID   int
	Code     string
	Language string
}

// SubmitInput is the task-aware creation schema. Exactly one of CodeFiles
// and CodeArchive is set: per-file contents, or a zip archive to extract
// against the task's expected file names.
type SubmitInput struct {
	TaskID      int
	CodeFiles   []string
	CodeArchive []byte
	Language    string
}

// ResultInput carries a grading result reported by the judging worker.
// CaseVerdicts and Groups are optional; only the richer grading backend
// reports them.
type ResultInput struct {
	ID           int64
	Status       string
	Points       float64
	Time         float64
	Memory       int64
	CaseVerdicts []types.CaseVerdict
	Groups       []types.GroupResult
}

// ListRecent returns submissions newest first, optionally resuming after
// afterID and capped at limit. Both options are ignored when zero.
func (s *SubmissionService) ListRecent(ctx context.Context, limit int, afterID int64) ([]types.Submission, error) {
	submissions, err := s.subs.ListRecent(ctx, limit, afterID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnknown, "failed to list submissions", err)
	}
	return submissions, nil
}

// ListFiltered returns up to limit submissions matching the given
// equality filters.
func (s *SubmissionService) ListFiltered(ctx context.Context, limit int, userID, taskID *int) ([]types.Submission, error) {
	if limit <= 0 {
		return nil, apperrors.New(apperrors.KindInvalidArgument, "limit must be a positive number")
	}
	if userID != nil && *userID <= 0 {
		return nil, apperrors.New(apperrors.KindInvalidArgument, "invalid user id")
	}
	if taskID != nil && *taskID <= 0 {
		return nil, apperrors.New(apperrors.KindInvalidArgument, "invalid task id")
	}
	submissions, err := s.subs.ListFiltered(ctx, limit, userID, taskID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnknown, "failed to list submissions", err)
	}
	return submissions, nil
}

// GetDetail returns one submission with its code and its verdicts grouped
// by subtask.
func (s *SubmissionService) GetDetail(ctx context.Context, id int64) (SubmissionDetail, error) {
	if id <= 0 {
		return SubmissionDetail{}, apperrors.New(apperrors.KindInvalidArgument, "invalid submission id")
	}

	submission, err := s.subs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return SubmissionDetail{}, apperrors.New(apperrors.KindDataLoss, "submission not found")
		}
		return SubmissionDetail{}, apperrors.Wrap(apperrors.KindUnknown, "failed to fetch submission", err)
	}

	code, err := s.code.Read(ctx, submission.ID, submission.FileCount)
	if err != nil {
		return SubmissionDetail{}, apperrors.Wrap(apperrors.KindUnknown, "failed to read code", err)
	}

	verdicts, err := s.subs.ListCaseVerdicts(ctx, id)
	if err != nil {
		return SubmissionDetail{}, apperrors.Wrap(apperrors.KindUnknown, "failed to read case verdicts", err)
	}

	return SubmissionDetail{
		Submission:  submission,
		Code:        code,
		CaseResults: groupVerdictsBySubtask(verdicts),
	}, nil
}

// ListQueued returns up to limit ungraded submissions oldest first, each
// annotated with its code. This is the dequeue feed of the grading worker.
func (s *SubmissionService) ListQueued(ctx context.Context, limit int, taskID *int) ([]QueuedSubmission, error) {
	if limit <= 0 {
		return nil, apperrors.New(apperrors.KindInvalidArgument, "limit must be a positive number")
	}
	if taskID != nil && *taskID <= 0 {
		return nil, apperrors.New(apperrors.KindInvalidArgument, "invalid task id")
	}

	submissions, err := s.subs.ListQueued(ctx, limit, taskID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnknown, "failed to list queued submissions", err)
	}

	queued := make([]QueuedSubmission, 0, len(submissions))
	for _, submission := range submissions {
		code, err := s.code.Read(ctx, submission.ID, submission.FileCount)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindUnknown, "failed to read code", err)
		}
		queued = append(queued, QueuedSubmission{Submission: submission, Code: code})
	}
	return queued, nil
}

// GetOne returns the full view of a submission. A nil view with nil error
// means the task is hidden from the caller; the endpoint then responds
// with an empty object and no leaked fields.
func (s *SubmissionService) GetOne(ctx context.Context, callerID int, id int64) (*SubmissionView, error) {
	if id <= 0 {
		return nil, apperrors.New(apperrors.KindInvalidArgument, "invalid submission id")
	}

	submission, err := s.subs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.New(apperrors.KindDataLoss, "submission not found")
		}
		return nil, apperrors.Wrap(apperrors.KindUnknown, "failed to fetch submission", err)
	}

	task, err := s.tasks.Get(ctx, submission.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.New(apperrors.KindDataLoss, "task not found")
		}
		return nil, apperrors.Wrap(apperrors.KindUnknown, "failed to fetch task", err)
	}

	if !task.Visible && !s.isAdmin(ctx, callerID) {
		return nil, nil
	}

	user, err := s.users.GetByID(ctx, submission.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.New(apperrors.KindDataLoss, "user not found")
		}
		return nil, apperrors.Wrap(apperrors.KindUnknown, "failed to fetch user", err)
	}

	code, err := s.code.Read(ctx, submission.ID, task.CodeFileCount())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnknown, "failed to read code", err)
	}

	return &SubmissionView{
		Submission:  submission,
		Task:        task,
		Username:    user.Username,
		SubmittedAt: submission.CreatedAt.Format(localeTimestampLayout),
		Code:        code,
	}, nil
}

// ListPublic returns the public listing. When offset is non-nil the page
// size is fixed at publicPageSize. Submissions to hidden tasks are masked
// down to their id.
func (s *SubmissionService) ListPublic(ctx context.Context, username *string, taskID *int, offset *int) ([]PublicRow, error) {
	pageOffset, pageLimit := 0, 0
	if offset != nil {
		if *offset < 0 {
			return nil, apperrors.New(apperrors.KindInvalidArgument, "invalid offset")
		}
		pageOffset = *offset
		pageLimit = publicPageSize
	}

	submissions, err := s.subs.ListPublic(ctx, username, taskID, pageOffset, pageLimit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnknown, "failed to list submissions", err)
	}

	rows := make([]PublicRow, 0, len(submissions))
	for _, submission := range submissions {
		if !submission.TaskVisible {
			rows = append(rows, PublicRow{ID: submission.ID})
			continue
		}

		row := PublicRow{
			ID:           submission.ID,
			Username:     submission.Username,
			Timestamp:    submission.CreatedAt.UnixMilli(),
			Language:     submission.Language,
			TaskID:       submission.TaskID,
			SubmissionID: submission.ID,
		}
		if len(submission.Groups) > 0 {
			score, fullScore, execTime, memory := aggregateGroups(submission.Groups)
			row.Score = &score
			row.FullScore = &fullScore
			row.Time = &execTime
			row.Memory = &memory
		} else {
			points, execTime, memory := submission.Points, submission.Time, submission.Memory
			row.Score = &points
			row.Time = &execTime
			row.Memory = &memory
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Create inserts a submission using the simple schema: one code string,
// owned by the caller.
func (s *SubmissionService) Create(ctx context.Context, callerID int, in CreateInput) (int64, error) {
	if in.UserID <= 0 || in.TaskID <= 0 {
		return 0, apperrors.New(apperrors.KindInvalidArgument, "invalid user or task id")
	}
	if strings.TrimSpace(in.Code) == "" {
		return 0, apperrors.New(apperrors.KindInvalidArgument, "code must not be empty")
	}
	if strings.TrimSpace(in.Language) == "" {
		return 0, apperrors.New(apperrors.KindInvalidArgument, "language must not be empty")
	}
	if callerID != in.UserID {
		return 0, apperrors.New(apperrors.KindPermissionDenied, "cannot submit as another user")
	}

	user, err := s.users.GetByID(ctx, in.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, apperrors.New(apperrors.KindDataLoss, "user not found")
		}
		return 0, apperrors.Wrap(apperrors.KindUnknown, "failed to fetch user", err)
	}

	submission, err := s.subs.Create(ctx, types.Submission{
		TaskID:    in.TaskID,
		UserID:    in.UserID,
		Username:  user.Username,
		Language:  in.Language,
		Status:    types.StatusInQueue,
		Points:    types.Unmeasured,
		Time:      types.Unmeasured,
		Memory:    types.Unmeasured,
		FileCount: 1,
	})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindUnknown, "failed to create submission", err)
	}

	if err := s.code.Write(ctx, submission.ID, []string{in.Code}); err != nil {
		return 0, apperrors.Wrap(apperrors.KindUnknown, "failed to write code", err)
	}

	s.notifyJudgeQueue(ctx, submission)
	return submission.ID, nil
}

// Submit inserts a submission using the task-aware schema. Archived code
// is extracted against the task's expected file names.
func (s *SubmissionService) Submit(ctx context.Context, callerID int, in SubmitInput) (int64, error) {
	if in.TaskID <= 0 {
		return 0, apperrors.New(apperrors.KindInvalidArgument, "invalid task id")
	}
	if strings.TrimSpace(in.Language) == "" {
		return 0, apperrors.New(apperrors.KindInvalidArgument, "language must not be empty")
	}

	task, err := s.tasks.Get(ctx, in.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, apperrors.New(apperrors.KindDataLoss, "task not found")
		}
		return 0, apperrors.Wrap(apperrors.KindUnknown, "failed to fetch task", err)
	}
	if !task.Visible && !s.isAdmin(ctx, callerID) {
		return 0, apperrors.New(apperrors.KindPermissionDenied, "task is not visible")
	}

	files := in.CodeFiles
	if files == nil {
		if len(task.FileNames) == 0 {
			return 0, apperrors.New(apperrors.KindInvalidArgument, "task declares no file names to extract")
		}
		files, err = s.unzip(in.CodeArchive, task.FileNames)
		if err != nil {
			return 0, apperrors.Wrap(apperrors.KindInvalidArgument, "code did not extract to a file list", err)
		}
	}
	if len(files) != task.CodeFileCount() {
		return 0, apperrors.Newf(apperrors.KindInvalidArgument, "expected %d code files, got %d", task.CodeFileCount(), len(files))
	}

	user, err := s.users.GetByID(ctx, callerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, apperrors.New(apperrors.KindDataLoss, "user not found")
		}
		return 0, apperrors.Wrap(apperrors.KindUnknown, "failed to fetch user", err)
	}

	submission, err := s.subs.Create(ctx, types.Submission{
		TaskID:    in.TaskID,
		UserID:    callerID,
		Username:  user.Username,
		Language:  in.Language,
		Status:    types.StatusInQueue,
		Points:    types.Unmeasured,
		Time:      types.Unmeasured,
		Memory:    types.Unmeasured,
		FileCount: len(files),
	})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindUnknown, "failed to create submission", err)
	}

	if err := s.code.Write(ctx, submission.ID, files); err != nil {
		return 0, apperrors.Wrap(apperrors.KindUnknown, "failed to write code", err)
	}

	s.notifyJudgeQueue(ctx, submission)
	return submission.ID, nil
}

// UpdateResult overwrites the grading fields of a submission. This is the
// only mutation path; the grading worker calls it once per submission and
// a later write simply wins.
func (s *SubmissionService) UpdateResult(ctx context.Context, in ResultInput) error {
	if in.ID <= 0 {
		return apperrors.New(apperrors.KindInvalidArgument, "invalid submission id")
	}
	if strings.TrimSpace(in.Status) == "" {
		return apperrors.New(apperrors.KindInvalidArgument, "status must not be empty")
	}

	if err := s.subs.UpdateResult(ctx, in.ID, in.Status, in.Points, in.Time, in.Memory, in.Groups); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.New(apperrors.KindDataLoss, "submission not found")
		}
		return apperrors.Wrap(apperrors.KindUnknown, "failed to update submission", err)
	}

	if len(in.CaseVerdicts) > 0 {
		if err := s.subs.ReplaceCaseVerdicts(ctx, in.ID, in.CaseVerdicts); err != nil {
			return apperrors.Wrap(apperrors.KindUnknown, "failed to store case verdicts", err)
		}
	}
	return nil
}

// IsAdmin reports whether the given user has the admin role. Unknown and
// unauthenticated callers are not admins.
func (s *SubmissionService) IsAdmin(ctx context.Context, userID int) bool {
	return s.isAdmin(ctx, userID)
}

func (s *SubmissionService) isAdmin(ctx context.Context, userID int) bool {
	if userID <= 0 {
		return false
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return false
	}
	return strings.EqualFold(user.Role, adminRole)
}

func (s *SubmissionService) notifyJudgeQueue(ctx context.Context, submission types.Submission) {
	if s.queue == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"submission_id": submission.ID,
		"task_id":       submission.TaskID,
		"language":      submission.Language,
	})
	if err != nil {
		return
	}
	// Best effort: the grading worker also polls the queue feed.
	_, _ = s.queue.Publish(ctx, JudgeQueueChannel, payload, nil)
}

// groupVerdictsBySubtask buckets verdicts by the integer prefix of their
// case id before the "/", ordering each bucket by subcase. Verdicts with
// malformed case ids are dropped.
func groupVerdictsBySubtask(verdicts []types.CaseVerdict) map[int][]types.CaseVerdict {
	grouped := make(map[int][]types.CaseVerdict)
	for _, verdict := range verdicts {
		subtask, _, ok := splitCaseID(verdict.CaseID)
		if !ok {
			continue
		}
		grouped[subtask] = append(grouped[subtask], verdict)
	}
	for subtask := range grouped {
		bucket := grouped[subtask]
		sort.SliceStable(bucket, func(i, j int) bool {
			_, a, _ := splitCaseID(bucket[i].CaseID)
			_, b, _ := splitCaseID(bucket[j].CaseID)
			return a < b
		})
	}
	return grouped
}

func splitCaseID(caseID string) (subtask, subcase int, ok bool) {
	parts := strings.SplitN(caseID, "/", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	subtask, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	subcase, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false
	}
	return subtask, subcase, true
}

// aggregateGroups sums score and full score over all groups and maximizes
// time and memory over every case status in every group.
func aggregateGroups(groups []types.GroupResult) (score, fullScore, maxTime float64, maxMemory int64) {
	for _, group := range groups {
		score += group.Score
		fullScore += group.FullScore
		for _, status := range group.Statuses {
			if status.Time > maxTime {
				maxTime = status.Time
			}
			if status.Memory > maxMemory {
				maxMemory = status.Memory
			}
		}
	}
	return score, fullScore, maxTime, maxMemory
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cpjudge/apiserver/types"
)

const submissionColumns = `id, task_id, user_id, username, language, status,
		       points, exec_time, memory, file_count, groups, created_at`

// SubmissionRepository handles persistence for submissions and their
// per-case verdicts.
type SubmissionRepository struct {
	db *sql.DB
}

func NewSubmissionRepository(db *sql.DB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

// PublicSubmission is a submission row joined with the visibility flag of
// its task, used by the public listing.
type PublicSubmission struct {
	types.Submission
	TaskVisible bool
}

func (r *SubmissionRepository) Get(ctx context.Context, id int64) (types.Submission, error) {
	query := `
		SELECT ` + submissionColumns + `
		FROM submissions
		WHERE id = $1`
	row := r.db.QueryRowContext(ctx, query, id)
	submission, err := scanSubmission(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Submission{}, ErrNotFound
		}
		return types.Submission{}, err
	}
	return submission, nil
}

// ListRecent returns submissions newest first, optionally resuming after
// the position of a given submission (keyset cursor) and optionally capped
// at limit. Non-positive limit means no cap; afterID zero means start from
// the newest.
func (r *SubmissionRepository) ListRecent(ctx context.Context, limit int, afterID int64) ([]types.Submission, error) {
	query := `
		SELECT ` + submissionColumns + `
		FROM submissions`
	args := make([]any, 0, 2)
	if afterID > 0 {
		args = append(args, afterID)
		query += fmt.Sprintf(`
		WHERE (created_at, id) < (SELECT created_at, id FROM submissions WHERE id = $%d)`, len(args))
	}
	query += `
		ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(`
		LIMIT $%d`, len(args))
	}
	return r.querySubmissions(ctx, query, args...)
}

// ListFiltered returns submissions newest first matching the given
// equality filters. Nil filters are not applied.
func (r *SubmissionRepository) ListFiltered(ctx context.Context, limit int, userID, taskID *int) ([]types.Submission, error) {
	query := `
		SELECT ` + submissionColumns + `
		FROM submissions`
	var conditions []string
	args := make([]any, 0, 3)
	if userID != nil {
		args = append(args, *userID)
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if taskID != nil {
		args = append(args, *taskID)
		conditions = append(conditions, fmt.Sprintf("task_id = $%d", len(args)))
	}
	if len(conditions) > 0 {
		query += `
		WHERE ` + strings.Join(conditions, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(`
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`, len(args))
	return r.querySubmissions(ctx, query, args...)
}

// ListQueued returns ungraded submissions oldest first, the dequeue feed
// for the grading worker.
func (r *SubmissionRepository) ListQueued(ctx context.Context, limit int, taskID *int) ([]types.Submission, error) {
	query := `
		SELECT ` + submissionColumns + `
		FROM submissions
		WHERE status = $1`
	args := []any{types.StatusInQueue}
	if taskID != nil {
		args = append(args, *taskID)
		query += fmt.Sprintf(` AND task_id = $%d`, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(`
		ORDER BY created_at ASC, id ASC
		LIMIT $%d`, len(args))
	return r.querySubmissions(ctx, query, args...)
}

// ListPublic returns submissions joined with their task's visibility flag,
// newest first. Non-positive limit means no cap.
func (r *SubmissionRepository) ListPublic(ctx context.Context, username *string, taskID *int, offset, limit int) ([]PublicSubmission, error) {
	query := `
		SELECT s.id, s.task_id, s.user_id, s.username, s.language, s.status,
		       s.points, s.exec_time, s.memory, s.file_count, s.groups, s.created_at,
		       t.visible
		FROM submissions s
		JOIN tasks t ON t.id = s.task_id`
	var conditions []string
	args := make([]any, 0, 4)
	if username != nil {
		args = append(args, *username)
		conditions = append(conditions, fmt.Sprintf("s.username = $%d", len(args)))
	}
	if taskID != nil {
		args = append(args, *taskID)
		conditions = append(conditions, fmt.Sprintf("s.task_id = $%d", len(args)))
	}
	if len(conditions) > 0 {
		query += `
		WHERE ` + strings.Join(conditions, " AND ")
	}
	query += `
		ORDER BY s.created_at DESC, s.id DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(`
		LIMIT $%d`, len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(`
		OFFSET $%d`, len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []PublicSubmission
	for rows.Next() {
		var item PublicSubmission
		var groupsJSON []byte
		if err := rows.Scan(
			&item.ID,
			&item.TaskID,
			&item.UserID,
			&item.Username,
			&item.Language,
			&item.Status,
			&item.Points,
			&item.Time,
			&item.Memory,
			&item.FileCount,
			&groupsJSON,
			&item.CreatedAt,
			&item.TaskVisible,
		); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(groupsJSON, &item.Groups)
		results = append(results, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *SubmissionRepository) Create(ctx context.Context, submission types.Submission) (types.Submission, error) {
	submission.CreatedAt = time.Now()

	const query = `
		INSERT INTO submissions (
			task_id, user_id, username, language, status,
			points, exec_time, memory, file_count, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`
	if err := r.db.QueryRowContext(
		ctx,
		query,
		submission.TaskID,
		submission.UserID,
		submission.Username,
		submission.Language,
		submission.Status,
		submission.Points,
		submission.Time,
		submission.Memory,
		submission.FileCount,
		submission.CreatedAt,
	).Scan(&submission.ID); err != nil {
		return types.Submission{}, err
	}
	return submission, nil
}

// UpdateResult overwrites the four mutable grading fields of a submission.
// Groups, when non-nil, records the per-group breakdown alongside them.
func (r *SubmissionRepository) UpdateResult(ctx context.Context, id int64, status string, points, execTime float64, memory int64, groups []types.GroupResult) error {
	var groupsJSON any
	if groups != nil {
		data, err := json.Marshal(groups)
		if err != nil {
			return err
		}
		groupsJSON = data
	}

	const query = `
		UPDATE submissions
		SET status = $1,
			points = $2,
			exec_time = $3,
			memory = $4,
			groups = COALESCE($5, groups)
		WHERE id = $6`
	result, err := r.db.ExecContext(ctx, query, status, points, execTime, memory, groupsJSON, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceCaseVerdicts swaps the stored per-case verdicts of a submission
// for the given set, preserving insertion order.
func (r *SubmissionRepository) ReplaceCaseVerdicts(ctx context.Context, id int64, verdicts []types.CaseVerdict) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM case_verdicts WHERE submission_id = $1`, id); err != nil {
		return err
	}

	const insert = `
		INSERT INTO case_verdicts (submission_id, case_id, verdict, exec_time, memory)
		VALUES ($1, $2, $3, $4, $5)`
	for _, verdict := range verdicts {
		if _, err := tx.ExecContext(ctx, insert, id, verdict.CaseID, verdict.Verdict, verdict.Time, verdict.Memory); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListCaseVerdicts returns the per-case verdicts of a submission in
// insertion order. An empty result is a valid state.
func (r *SubmissionRepository) ListCaseVerdicts(ctx context.Context, id int64) ([]types.CaseVerdict, error) {
	const query = `
		SELECT submission_id, case_id, verdict, exec_time, memory
		FROM case_verdicts
		WHERE submission_id = $1
		ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var verdicts []types.CaseVerdict
	for rows.Next() {
		var verdict types.CaseVerdict
		if err := rows.Scan(
			&verdict.SubmissionID,
			&verdict.CaseID,
			&verdict.Verdict,
			&verdict.Time,
			&verdict.Memory,
		); err != nil {
			return nil, err
		}
		verdicts = append(verdicts, verdict)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return verdicts, nil
}

func (r *SubmissionRepository) querySubmissions(ctx context.Context, query string, args ...any) ([]types.Submission, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var submissions []types.Submission
	for rows.Next() {
		submission, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		submissions = append(submissions, submission)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return submissions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (types.Submission, error) {
	var submission types.Submission
	var groupsJSON []byte
	if err := row.Scan(
		&submission.ID,
		&submission.TaskID,
		&submission.UserID,
		&submission.Username,
		&submission.Language,
		&submission.Status,
		&submission.Points,
		&submission.Time,
		&submission.Memory,
		&submission.FileCount,
		&groupsJSON,
		&submission.CreatedAt,
	); err != nil {
		return types.Submission{}, err
	}
	_ = json.Unmarshal(groupsJSON, &submission.Groups)
	return submission, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"statusflow/internal/domain"
)

const runColumns = `id, schedule_id, created_by_member_id, status, next_execution_at,
last_execution_at, execution_count, execution_metadata, last_execution_error, created_at, updated_at`

func scanRun(row interface{ Scan(...any) error }) (domain.ScheduleRun, error) {
	var (
		r        domain.ScheduleRun
		lastExec sql.NullTime
		meta     sql.NullString
		lastErr  sql.NullString
	)
	err := row.Scan(&r.ID, &r.ScheduleID, &r.CreatedByMemberID, &r.Status, &r.NextExecutionAt,
		&lastExec, &r.ExecutionCount, &meta, &lastErr, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return domain.ScheduleRun{}, err
	}
	if lastExec.Valid {
		t := lastExec.Time
		r.LastExecutionAt = &t
	}
	if meta.Valid {
		r.ExecutionMetadata = json.RawMessage(meta.String)
	}
	if lastErr.Valid {
		s := lastErr.String
		r.LastExecutionError = &s
	}
	return r, nil
}

func (s *sqliteStore) LoadRun(ctx context.Context, id string) (RunDetail, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT r.id, r.schedule_id, r.created_by_member_id, r.status, r.next_execution_at,
       r.last_execution_at, r.execution_count, r.execution_metadata, r.last_execution_error,
       r.created_at, r.updated_at,
       sc.id, sc.organization_id, sc.name, sc.config, sc.is_active, sc.created_by_member_id,
       sc.created_at, sc.updated_at,
       o.id, o.slug, o.name
FROM schedule_runs r
JOIN schedules sc ON sc.id = r.schedule_id
JOIN organizations o ON o.id = sc.organization_id
WHERE r.id = ?`, id)

	var (
		d        RunDetail
		lastExec sql.NullTime
		meta     sql.NullString
		lastErr  sql.NullString
		cfg      string
	)
	err := row.Scan(
		&d.Run.ID, &d.Run.ScheduleID, &d.Run.CreatedByMemberID, &d.Run.Status, &d.Run.NextExecutionAt,
		&lastExec, &d.Run.ExecutionCount, &meta, &lastErr, &d.Run.CreatedAt, &d.Run.UpdatedAt,
		&d.Schedule.ID, &d.Schedule.OrganizationID, &d.Schedule.Name, &cfg, &d.Schedule.IsActive,
		&d.Schedule.CreatedByMemberID, &d.Schedule.CreatedAt, &d.Schedule.UpdatedAt,
		&d.Organization.ID, &d.Organization.Slug, &d.Organization.Name,
	)
	if err == sql.ErrNoRows {
		return RunDetail{}, ErrNotFound
	}
	if err != nil {
		return RunDetail{}, err
	}
	if lastExec.Valid {
		t := lastExec.Time
		d.Run.LastExecutionAt = &t
	}
	if meta.Valid {
		d.Run.ExecutionMetadata = json.RawMessage(meta.String)
	}
	if lastErr.Valid {
		s := lastErr.String
		d.Run.LastExecutionError = &s
	}
	if err := json.Unmarshal([]byte(cfg), &d.Schedule.Config); err != nil {
		return RunDetail{}, fmt.Errorf("decode schedule config: %w", err)
	}
	return d, nil
}

// ClaimRun takes ownership of a run for one execution. The conditional
// update is the concurrency control: a pending run is claimable by exactly
// one caller, and a running run only once its lease has lapsed (crashed
// executor). Only the winner observes rows-affected == 1. A takeover keeps
// the original last_execution_at so the summarized window does not shift.
func (s *sqliteStore) ClaimRun(ctx context.Context, id string, now time.Time, lease time.Duration) (bool, error) {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE schedule_runs
SET status='running',
    last_execution_at=CASE WHEN status='pending' THEN ? ELSE last_execution_at END,
    lease_expires_at=?,
    updated_at=CURRENT_TIMESTAMP
WHERE id=? AND (status='pending'
	OR (status='running' AND (lease_expires_at IS NULL OR lease_expires_at<=?)))`,
		now, now.Add(lease), id, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) FinishRun(ctx context.Context, id string, status domain.RunStatus, executionCount int, metadata []byte, lastError *string) error {
	var meta, lastErr sql.NullString
	if len(metadata) > 0 {
		meta = sql.NullString{String: string(metadata), Valid: true}
	}
	if lastError != nil {
		lastErr = sql.NullString{String: *lastError, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE schedule_runs
SET status=?, execution_count=?, execution_metadata=?, last_execution_error=?,
    lease_expires_at=NULL, updated_at=CURRENT_TIMESTAMP
WHERE id=?`, status, executionCount, meta, lastErr, id)
	return err
}

func (s *sqliteStore) InsertRun(ctx context.Context, run domain.ScheduleRun) (string, error) {
	id := run.ID
	if id == "" {
		id = "run_" + uuid.NewString()
	}
	if run.Status == "" {
		run.Status = domain.RunPending
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO schedule_runs (id, schedule_id, created_by_member_id, status, next_execution_at, execution_count, created_at, updated_at)
VALUES (?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)`,
		id, run.ScheduleID, run.CreatedByMemberID, run.Status, run.NextExecutionAt.UTC(), run.ExecutionCount)
	return id, err
}

// CancelPendingRuns supersedes the schedule's pending runs. They are kept as
// audit rows, never deleted.
func (s *sqliteStore) CancelPendingRuns(ctx context.Context, scheduleID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE schedule_runs SET status='cancelled', updated_at=CURRENT_TIMESTAMP
WHERE schedule_id=? AND status='pending'`, scheduleID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) DuePendingRuns(ctx context.Context, now time.Time, limit int) ([]DueRun, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT r.id, r.schedule_id, sc.organization_id
FROM schedule_runs r
JOIN schedules sc ON sc.id = r.schedule_id
WHERE r.status='pending' AND r.next_execution_at <= ?
ORDER BY r.next_execution_at
LIMIT ?`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []DueRun
	for rows.Next() {
		var d DueRun
		if err := rows.Scan(&d.RunID, &d.ScheduleID, &d.OrganizationID); err != nil {
			return nil, err
		}
		due = append(due, d)
	}
	return due, rows.Err()
}

// StaleRunningRuns lists running runs whose lease has lapsed: their executor
// died mid-workflow and they need to be resumed.
func (s *sqliteStore) StaleRunningRuns(ctx context.Context, now time.Time, limit int) ([]DueRun, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT r.id, r.schedule_id, sc.organization_id
FROM schedule_runs r
JOIN schedules sc ON sc.id = r.schedule_id
WHERE r.status='running' AND (r.lease_expires_at IS NULL OR r.lease_expires_at <= ?)
ORDER BY r.lease_expires_at
LIMIT ?`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stale []DueRun
	for rows.Next() {
		var d DueRun
		if err := rows.Scan(&d.RunID, &d.ScheduleID, &d.OrganizationID); err != nil {
			return nil, err
		}
		stale = append(stale, d)
	}
	return stale, rows.Err()
}

func (s *sqliteStore) RunsForSchedule(ctx context.Context, scheduleID string, limit int) ([]domain.ScheduleRun, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+runColumns+` FROM schedule_runs
WHERE schedule_id=? ORDER BY created_at DESC LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.ScheduleRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *sqliteStore) InsertTasks(ctx context.Context, tasks []domain.ScheduleRunTask) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// ON CONFLICT keeps the insert idempotent when a step replays after a
	// partially persisted first attempt.
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO schedule_run_tasks (id, schedule_run_id, status, target_key, results, attempts, max_attempts, created_at)
VALUES (?,?,?,?,?,?,?,CURRENT_TIMESTAMP)
ON CONFLICT(schedule_run_id, target_key) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range tasks {
		id := t.ID
		if id == "" {
			id = "tsk_" + uuid.NewString()
		}
		results, err := json.Marshal(t.Results)
		if err != nil {
			return err
		}
		key := domain.Target{Type: t.Results.Type, Target: t.Results.Target}.Key()
		if _, err := stmt.ExecContext(ctx, id, t.ScheduleRunID, t.Status, key, string(results), t.Attempts, t.MaxAttempts); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) TasksForRun(ctx context.Context, runID string) ([]domain.ScheduleRunTask, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, schedule_run_id, status, results, attempts, max_attempts, created_at, updated_at
FROM schedule_run_tasks WHERE schedule_run_id=? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.ScheduleRunTask
	for rows.Next() {
		var (
			t       domain.ScheduleRunTask
			results string
			updated sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.ScheduleRunID, &t.Status, &results, &t.Attempts, &t.MaxAttempts, &t.CreatedAt, &updated); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(results), &t.Results); err != nil {
			return nil, fmt.Errorf("decode task results: %w", err)
		}
		if updated.Valid {
			u := updated.Time
			t.UpdatedAt = &u
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTaskByTarget records one terminal send outcome, keyed by the stable
// (type, target) identifier assigned at creation.
func (s *sqliteStore) UpdateTaskByTarget(ctx context.Context, runID, targetKey string, status domain.TaskStatus, results domain.TaskResult, attempts int) error {
	payload, err := json.Marshal(results)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE schedule_run_tasks
SET status=?, results=?, attempts=?, updated_at=CURRENT_TIMESTAMP
WHERE schedule_run_id=? AND target_key=?`, status, string(payload), attempts, runID, targetKey)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s for run %s: %w", targetKey, runID, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) StepResult(ctx context.Context, runID, step string) ([]byte, bool, error) {
	var result string
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM workflow_steps WHERE run_id=? AND step=?`, runID, step).Scan(&result)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(result), true, nil
}

func (s *sqliteStore) SaveStepResult(ctx context.Context, runID, step string, result []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO workflow_steps (run_id, step, result) VALUES (?,?,?)
ON CONFLICT(run_id, step) DO UPDATE SET result=excluded.result, completed_at=CURRENT_TIMESTAMP`,
		runID, step, string(result))
	return err
}

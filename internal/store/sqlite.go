// Package store persists schedules, runs, tasks and workflow checkpoints in
// SQLite, and serves the batched directory lookups target resolution needs.
package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"statusflow/internal/domain"
)

var ErrNotFound = errors.New("not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS organizations (
  id TEXT PRIMARY KEY,
  slug TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  email TEXT NOT NULL DEFAULT '',
  name TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS members (
  id TEXT PRIMARY KEY,
  organization_id TEXT NOT NULL REFERENCES organizations(id),
  user_id TEXT NOT NULL REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_members_org ON members(organization_id);
CREATE TABLE IF NOT EXISTS teams (
  id TEXT PRIMARY KEY,
  organization_id TEXT NOT NULL REFERENCES organizations(id),
  name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS team_memberships (
  team_id TEXT NOT NULL REFERENCES teams(id),
  member_id TEXT NOT NULL REFERENCES members(id),
  PRIMARY KEY (team_id, member_id)
);
CREATE TABLE IF NOT EXISTS channels (
  id TEXT PRIMARY KEY,
  organization_id TEXT NOT NULL REFERENCES organizations(id),
  channel_id TEXT NOT NULL,
  name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  organization_id TEXT NOT NULL REFERENCES organizations(id),
  name TEXT NOT NULL,
  config TEXT NOT NULL,
  is_active INTEGER NOT NULL DEFAULT 1,
  created_by_member_id TEXT NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_schedules_org ON schedules(organization_id);
CREATE TABLE IF NOT EXISTS schedule_runs (
  id TEXT PRIMARY KEY,
  schedule_id TEXT NOT NULL REFERENCES schedules(id),
  created_by_member_id TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','running','completed','partial','failed','cancelled')) DEFAULT 'pending',
  next_execution_at DATETIME NOT NULL,
  last_execution_at DATETIME,
  execution_count INTEGER NOT NULL DEFAULT 0,
  execution_metadata TEXT,
  last_execution_error TEXT,
  lease_expires_at DATETIME,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_runs_due ON schedule_runs(status, next_execution_at);
CREATE INDEX IF NOT EXISTS idx_runs_schedule ON schedule_runs(schedule_id);
CREATE TABLE IF NOT EXISTS schedule_run_tasks (
  id TEXT PRIMARY KEY,
  schedule_run_id TEXT NOT NULL REFERENCES schedule_runs(id),
  status TEXT NOT NULL CHECK(status IN ('pending','completed','failed')) DEFAULT 'pending',
  target_key TEXT NOT NULL,
  results TEXT NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME,
  UNIQUE (schedule_run_id, target_key)
);
CREATE TABLE IF NOT EXISTS workflow_steps (
  run_id TEXT NOT NULL,
  step TEXT NOT NULL,
  result TEXT NOT NULL,
  completed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY (run_id, step)
);
`
	_, err := db.Exec(schema)
	return err
}

// RunDetail is a schedule run loaded together with its schedule and
// organization, the shape the workflow's initialize step needs.
type RunDetail struct {
	Run          domain.ScheduleRun
	Schedule     domain.Schedule
	Organization domain.Organization
}

// DueRun identifies a pending run that is ready to execute.
type DueRun struct {
	RunID          string
	ScheduleID     string
	OrganizationID string
}

type Store interface {
	// Schedules
	CreateSchedule(ctx context.Context, s domain.Schedule) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context, orgID string) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s domain.Schedule) error

	// Runs
	LoadRun(ctx context.Context, id string) (RunDetail, error)
	ClaimRun(ctx context.Context, id string, now time.Time, lease time.Duration) (bool, error)
	FinishRun(ctx context.Context, id string, status domain.RunStatus, executionCount int, metadata []byte, lastError *string) error
	InsertRun(ctx context.Context, run domain.ScheduleRun) (string, error)
	CancelPendingRuns(ctx context.Context, scheduleID string) (int, error)
	DuePendingRuns(ctx context.Context, now time.Time, limit int) ([]DueRun, error)
	StaleRunningRuns(ctx context.Context, now time.Time, limit int) ([]DueRun, error)
	RunsForSchedule(ctx context.Context, scheduleID string, limit int) ([]domain.ScheduleRun, error)

	// Tasks
	InsertTasks(ctx context.Context, tasks []domain.ScheduleRunTask) error
	TasksForRun(ctx context.Context, runID string) ([]domain.ScheduleRunTask, error)
	UpdateTaskByTarget(ctx context.Context, runID, targetKey string, status domain.TaskStatus, results domain.TaskResult, attempts int) error

	// Directory (batched; one query per entity kind)
	Members(ctx context.Context, ids []string) ([]domain.MemberInfo, error)
	TeamsWithMembers(ctx context.Context, ids []string) ([]domain.TeamInfo, error)
	Channels(ctx context.Context, ids []string) ([]domain.ChannelInfo, error)
	AllOrgMembers(ctx context.Context, orgID string) ([]domain.MemberInfo, error)

	// Directory writes (ingestion glue and fixtures)
	UpsertOrganization(ctx context.Context, o domain.Organization) error
	UpsertUser(ctx context.Context, id, email, name string) error
	UpsertMember(ctx context.Context, id, orgID, userID string) error
	UpsertTeam(ctx context.Context, id, orgID, name string) error
	AddTeamMember(ctx context.Context, teamID, memberID string) error
	UpsertChannel(ctx context.Context, c domain.ChannelInfo, orgID string) error

	// Workflow checkpoints
	StepResult(ctx context.Context, runID, step string) ([]byte, bool, error)
	SaveStepResult(ctx context.Context, runID, step string, result []byte) error
}

type sqliteStore struct{ db *sql.DB }

func NewSQLite(db *sql.DB) Store { return &sqliteStore{db: db} }

// placeholders renders "?,?,?" for IN clauses.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func args(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

package domain

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a single schedule run.
// pending -> running -> completed|partial|failed, or pending -> cancelled.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further automatic transition happens from s.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunPartial, RunFailed, RunCancelled:
		return true
	}
	return false
}

// TaskStatus is the state of one delivery attempt within a run.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

type Organization struct {
	ID   string
	Slug string
	Name string
}

type Schedule struct {
	ID                string
	OrganizationID    string
	Name              string
	Config            ScheduleConfig
	IsActive          bool
	CreatedByMemberID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type ScheduleRun struct {
	ID                 string
	ScheduleID         string
	CreatedByMemberID  string
	Status             RunStatus
	NextExecutionAt    time.Time // UTC
	LastExecutionAt    *time.Time
	ExecutionCount     int
	ExecutionMetadata  json.RawMessage
	LastExecutionError *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RunMetadata is the free-form outcome summary persisted on a terminal run.
type RunMetadata struct {
	TotalTargets     int       `json:"totalTargets"`
	ChatSent         int       `json:"chatSent"`
	ChatFailed       int       `json:"chatFailed"`
	EmailSent        int       `json:"emailSent"`
	EmailFailed      int       `json:"emailFailed"`
	SummaryGenerated bool      `json:"summaryGenerated"`
	HighlightCount   int       `json:"highlightCount"`
	CompletedAt      time.Time `json:"completedAt"`
}

type ScheduleRunTask struct {
	ID            string
	ScheduleRunID string
	Status        TaskStatus
	Results       TaskResult
	Attempts      int
	MaxAttempts   int
	CreatedAt     time.Time
	UpdatedAt     *time.Time
}

// TaskResult carries the resolved target a task delivers to, plus the
// terminal outcome once the send happened.
type TaskResult struct {
	Type        TargetType `json:"type"`
	Target      string     `json:"target"`
	DisplayName string     `json:"displayName"`
	Success     *bool      `json:"success,omitempty"`
	SentAt      *time.Time `json:"sentAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// TargetType tags a resolved delivery endpoint.
type TargetType string

const (
	TargetEmail       TargetType = "email"
	TargetChatChannel TargetType = "chat_channel"
)

// Target is a resolved, concrete delivery endpoint. It is transient: tasks
// persist it inside their results payload, targets themselves are never
// stored.
type Target struct {
	Type        TargetType `json:"type"`
	Target      string     `json:"target"` // email address or provider channel ID
	DisplayName string     `json:"displayName"`
}

// Key identifies a target for dedup and for matching tasks to send outcomes.
// Stable across retries, unlike the full results payload.
func (t Target) Key() string { return string(t.Type) + ":" + t.Target }

// MemberInfo is a member joined with its user record, as returned by the
// batched directory lookups.
type MemberInfo struct {
	ID    string
	Email string
	Name  string
}

// DisplayName prefers the user's name and falls back to the email address.
func (m MemberInfo) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.Email
}

type TeamInfo struct {
	ID      string
	Name    string
	Members []MemberInfo
}

// ChannelInfo is a chat channel record. ID is the internal record id
// referenced by schedule configs; ChannelID is the provider-side id messages
// are addressed to.
type ChannelInfo struct {
	ID        string
	ChannelID string
	Name      string
}

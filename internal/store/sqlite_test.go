package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"statusflow/internal/domain"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, EnsureSchema(db))
	return NewSQLite(db)
}

func seedOrg(t *testing.T, st Store) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.UpsertOrganization(ctx, domain.Organization{ID: "org_1", Slug: "acme", Name: "Acme"}))
	return "org_1"
}

func seedSchedule(t *testing.T, st Store, orgID string) domain.Schedule {
	t.Helper()
	sc := domain.Schedule{
		OrganizationID: orgID,
		Name:           "weekly digest",
		Config: domain.ScheduleConfig{
			Recurrence: domain.Weekly,
			TimeOfDay:  "09:00",
			Timezone:   "UTC",
			DeliveryMethods: []domain.DeliveryMethod{
				{Type: domain.DeliverCustomEmail, Value: "ops@acme.test"},
			},
		},
		IsActive:          true,
		CreatedByMemberID: "mem_creator",
	}
	id, err := st.CreateSchedule(context.Background(), sc)
	require.NoError(t, err)
	sc.ID = id
	return sc
}

func seedRun(t *testing.T, st Store, scheduleID string, at time.Time) string {
	t.Helper()
	id, err := st.InsertRun(context.Background(), domain.ScheduleRun{
		ScheduleID:        scheduleID,
		CreatedByMemberID: "mem_creator",
		Status:            domain.RunPending,
		NextExecutionAt:   at,
	})
	require.NoError(t, err)
	return id
}

func TestScheduleRoundTrip(t *testing.T) {
	st := newTestStore(t)
	orgID := seedOrg(t, st)
	sc := seedSchedule(t, st, orgID)
	ctx := context.Background()

	got, err := st.GetSchedule(ctx, sc.ID)
	require.NoError(t, err)
	require.Equal(t, sc.Name, got.Name)
	require.Equal(t, sc.Config, got.Config)
	require.True(t, got.IsActive)

	got.Name = "renamed"
	got.IsActive = false
	require.NoError(t, st.UpdateSchedule(ctx, got))

	again, err := st.GetSchedule(ctx, sc.ID)
	require.NoError(t, err)
	require.Equal(t, "renamed", again.Name)
	require.False(t, again.IsActive)

	list, err := st.ListSchedules(ctx, orgID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = st.GetSchedule(ctx, "sch_missing")
	require.ErrorIs(t, err, ErrNotFound)

	err = st.UpdateSchedule(ctx, domain.Schedule{ID: "sch_missing", Config: sc.Config})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClaimRunClaimsOnce(t *testing.T) {
	st := newTestStore(t)
	sc := seedSchedule(t, st, seedOrg(t, st))
	runID := seedRun(t, st, sc.ID, time.Now().UTC())
	ctx := context.Background()
	now := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

	claimed, err := st.ClaimRun(ctx, runID, now, 15*time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	// A second claim must lose while the lease is live.
	claimed, err = st.ClaimRun(ctx, runID, now.Add(time.Minute), 15*time.Minute)
	require.NoError(t, err)
	require.False(t, claimed)

	detail, err := st.LoadRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, domain.RunRunning, detail.Run.Status)
	require.NotNil(t, detail.Run.LastExecutionAt)
}

func TestClaimRunTakesOverLapsedLease(t *testing.T) {
	st := newTestStore(t)
	sc := seedSchedule(t, st, seedOrg(t, st))
	runID := seedRun(t, st, sc.ID, time.Now().UTC())
	ctx := context.Background()
	now := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

	claimed, err := st.ClaimRun(ctx, runID, now, 15*time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)
	first, err := st.LoadRun(ctx, runID)
	require.NoError(t, err)

	// Once the lease lapses the run counts as crashed and is claimable again.
	claimed, err = st.ClaimRun(ctx, runID, now.Add(16*time.Minute), 15*time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	// Takeover keeps the original claim timestamp.
	second, err := st.LoadRun(ctx, runID)
	require.NoError(t, err)
	require.True(t, second.Run.LastExecutionAt.Equal(*first.Run.LastExecutionAt))
}

func TestClaimRunRejectsTerminalRun(t *testing.T) {
	st := newTestStore(t)
	sc := seedSchedule(t, st, seedOrg(t, st))
	runID := seedRun(t, st, sc.ID, time.Now().UTC())
	ctx := context.Background()

	_, err := st.CancelPendingRuns(ctx, sc.ID)
	require.NoError(t, err)

	claimed, err := st.ClaimRun(ctx, runID, time.Now().UTC(), 15*time.Minute)
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestStaleRunningRuns(t *testing.T) {
	st := newTestStore(t)
	sc := seedSchedule(t, st, seedOrg(t, st))
	ctx := context.Background()
	now := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

	crashed := seedRun(t, st, sc.ID, now)
	claimed, err := st.ClaimRun(ctx, crashed, now, 15*time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	healthy := seedRun(t, st, sc.ID, now)
	claimed, err = st.ClaimRun(ctx, healthy, now.Add(10*time.Minute), 15*time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	finished := seedRun(t, st, sc.ID, now)
	claimed, err = st.ClaimRun(ctx, finished, now, 15*time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, st.FinishRun(ctx, finished, domain.RunCompleted, 1, nil, nil))

	seedRun(t, st, sc.ID, now) // still pending, not stale

	// Only the run whose lease lapsed shows up; live leases and finished
	// runs do not.
	stale, err := st.StaleRunningRuns(ctx, now.Add(16*time.Minute), 100)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, crashed, stale[0].RunID)

	none, err := st.StaleRunningRuns(ctx, now.Add(time.Minute), 100)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestLoadRunDetail(t *testing.T) {
	st := newTestStore(t)
	orgID := seedOrg(t, st)
	sc := seedSchedule(t, st, orgID)
	runID := seedRun(t, st, sc.ID, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	detail, err := st.LoadRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, runID, detail.Run.ID)
	require.Equal(t, sc.ID, detail.Schedule.ID)
	require.Equal(t, sc.Config, detail.Schedule.Config)
	require.Equal(t, orgID, detail.Organization.ID)
	require.Equal(t, "acme", detail.Organization.Slug)

	_, err = st.LoadRun(ctx, "run_missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCancelPendingRuns(t *testing.T) {
	st := newTestStore(t)
	sc := seedSchedule(t, st, seedOrg(t, st))
	ctx := context.Background()

	first := seedRun(t, st, sc.ID, time.Now().UTC())
	second := seedRun(t, st, sc.ID, time.Now().UTC().Add(time.Hour))

	running := seedRun(t, st, sc.ID, time.Now().UTC())
	claimed, err := st.ClaimRun(ctx, running, time.Now().UTC(), 15*time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	n, err := st.CancelPendingRuns(ctx, sc.ID)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	for _, id := range []string{first, second} {
		d, err := st.LoadRun(ctx, id)
		require.NoError(t, err)
		require.Equal(t, domain.RunCancelled, d.Run.Status)
	}
	// The executing run is untouched.
	d, err := st.LoadRun(ctx, running)
	require.NoError(t, err)
	require.Equal(t, domain.RunRunning, d.Run.Status)
}

func TestDuePendingRuns(t *testing.T) {
	st := newTestStore(t)
	sc := seedSchedule(t, st, seedOrg(t, st))
	ctx := context.Background()
	now := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

	past := seedRun(t, st, sc.ID, now.Add(-time.Minute))
	atNow := seedRun(t, st, sc.ID, now)
	seedRun(t, st, sc.ID, now.Add(time.Hour)) // future, not due

	due, err := st.DuePendingRuns(ctx, now, 100)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, past, due[0].RunID)
	require.Equal(t, atNow, due[1].RunID)
	require.Equal(t, sc.ID, due[0].ScheduleID)
	require.Equal(t, "org_1", due[0].OrganizationID)
}

func TestTaskLifecycle(t *testing.T) {
	st := newTestStore(t)
	sc := seedSchedule(t, st, seedOrg(t, st))
	runID := seedRun(t, st, sc.ID, time.Now().UTC())
	ctx := context.Background()

	tasks := []domain.ScheduleRunTask{
		{
			ScheduleRunID: runID,
			Status:        domain.TaskPending,
			Results:       domain.TaskResult{Type: domain.TargetEmail, Target: "a@acme.test", DisplayName: "A"},
			MaxAttempts:   3,
		},
		{
			ScheduleRunID: runID,
			Status:        domain.TaskPending,
			Results:       domain.TaskResult{Type: domain.TargetChatChannel, Target: "C123", DisplayName: "#general"},
			MaxAttempts:   3,
		},
	}
	require.NoError(t, st.InsertTasks(ctx, tasks))

	// Re-inserting the same targets is a no-op, not a constraint violation.
	require.NoError(t, st.InsertTasks(ctx, tasks))

	got, err := st.TasksForRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, got, 2)

	ok := true
	sentAt := time.Now().UTC()
	res := domain.TaskResult{
		Type: domain.TargetEmail, Target: "a@acme.test", DisplayName: "A",
		Success: &ok, SentAt: &sentAt,
	}
	key := domain.Target{Type: domain.TargetEmail, Target: "a@acme.test"}.Key()
	require.NoError(t, st.UpdateTaskByTarget(ctx, runID, key, domain.TaskCompleted, res, 1))

	got, err = st.TasksForRun(ctx, runID)
	require.NoError(t, err)
	var updated domain.ScheduleRunTask
	for _, task := range got {
		if task.Results.Target == "a@acme.test" {
			updated = task
		}
	}
	require.Equal(t, domain.TaskCompleted, updated.Status)
	require.Equal(t, 1, updated.Attempts)
	require.NotNil(t, updated.Results.Success)
	require.True(t, *updated.Results.Success)

	err = st.UpdateTaskByTarget(ctx, runID, "email:nobody@acme.test", domain.TaskFailed, res, 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFinishRunRecordsOutcome(t *testing.T) {
	st := newTestStore(t)
	sc := seedSchedule(t, st, seedOrg(t, st))
	runID := seedRun(t, st, sc.ID, time.Now().UTC())
	ctx := context.Background()

	msg := "2 deliveries failed"
	require.NoError(t, st.FinishRun(ctx, runID, domain.RunPartial, 1, []byte(`{"totalTargets":5}`), &msg))

	d, err := st.LoadRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, domain.RunPartial, d.Run.Status)
	require.Equal(t, 1, d.Run.ExecutionCount)
	require.JSONEq(t, `{"totalTargets":5}`, string(d.Run.ExecutionMetadata))
	require.NotNil(t, d.Run.LastExecutionError)
	require.Equal(t, msg, *d.Run.LastExecutionError)
}

func TestStepResults(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, ok, err := st.StepResult(ctx, "run_1", "generate")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, st.SaveStepResult(ctx, "run_1", "generate", []byte(`{"n":1}`)))

	data, ok, err := st.StepResult(ctx, "run_1", "generate")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"n":1}`, string(data))

	// Upsert replaces.
	require.NoError(t, st.SaveStepResult(ctx, "run_1", "generate", []byte(`{"n":2}`)))
	data, _, err = st.StepResult(ctx, "run_1", "generate")
	require.NoError(t, err)
	require.JSONEq(t, `{"n":2}`, string(data))
}

func TestDirectoryLookups(t *testing.T) {
	st := newTestStore(t)
	orgID := seedOrg(t, st)
	ctx := context.Background()

	require.NoError(t, st.UpsertUser(ctx, "usr_a", "alice@acme.test", "Alice"))
	require.NoError(t, st.UpsertUser(ctx, "usr_b", "bob@acme.test", "Bob"))
	require.NoError(t, st.UpsertMember(ctx, "mem_a", orgID, "usr_a"))
	require.NoError(t, st.UpsertMember(ctx, "mem_b", orgID, "usr_b"))
	require.NoError(t, st.UpsertTeam(ctx, "team_1", orgID, "Core"))
	require.NoError(t, st.AddTeamMember(ctx, "team_1", "mem_a"))
	require.NoError(t, st.AddTeamMember(ctx, "team_1", "mem_b"))
	require.NoError(t, st.UpsertChannel(ctx, domain.ChannelInfo{ID: "chan_1", ChannelID: "C123", Name: "general"}, orgID))

	members, err := st.Members(ctx, []string{"mem_a", "mem_missing"})
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, "alice@acme.test", members[0].Email)
	require.Equal(t, "Alice", members[0].Name)

	teams, err := st.TeamsWithMembers(ctx, []string{"team_1"})
	require.NoError(t, err)
	require.Len(t, teams, 1)
	require.Equal(t, "Core", teams[0].Name)
	require.Len(t, teams[0].Members, 2)

	channels, err := st.Channels(ctx, []string{"chan_1"})
	require.NoError(t, err)
	require.Len(t, channels, 1)
	require.Equal(t, "C123", channels[0].ChannelID)

	all, err := st.AllOrgMembers(ctx, orgID)
	require.NoError(t, err)
	require.Len(t, all, 2)

	// Empty id sets short-circuit to no rows.
	none, err := st.Members(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, none)
}

// Package engine orchestrates one schedule run end to end: claim the run,
// generate the summary, resolve targets, fan out deliveries, finalize the
// outcome and arm the next run.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"statusflow/internal/domain"
	"statusflow/internal/recurrence"
	"statusflow/internal/resolve"
	"statusflow/internal/send"
	"statusflow/internal/store"
	"statusflow/internal/summary"
	"statusflow/internal/workflow"
)

// Step retry budgets. Sends share a shape but keep independent budgets.
var (
	generatePolicy = workflow.RetryPolicy{MaxAttempts: 3, Delay: 30 * time.Second}
	sendPolicy     = workflow.RetryPolicy{MaxAttempts: 3, Delay: 10 * time.Second}
)

// leaseDuration bounds how long one executor owns a claimed run. While the
// lease is live a second trigger for the same run is rejected outright; once
// it lapses the run counts as crashed and becomes claimable again.
const leaseDuration = 15 * time.Minute

type Engine struct {
	store  store.Store
	gen    summary.Generator
	chat   send.ChatSender
	email  send.EmailSender
	appURL string
	log    zerolog.Logger

	now func() time.Time
}

func New(st store.Store, gen summary.Generator, chat send.ChatSender, email send.EmailSender, appURL string, log zerolog.Logger) *Engine {
	return &Engine{
		store:  st,
		gen:    gen,
		chat:   chat,
		email:  email,
		appURL: appURL,
		log:    log,
		now:    time.Now,
	}
}

// initData is the checkpointed output of the initialize step. Later steps
// read the schedule from here, not from the database, so a config change
// mid-run cannot alter an in-flight execution.
type initData struct {
	ScheduleID        string                `json:"scheduleId"`
	ScheduleName      string                `json:"scheduleName"`
	Config            domain.ScheduleConfig `json:"config"`
	IsActive          bool                  `json:"isActive"`
	OrganizationID    string                `json:"organizationId"`
	OrganizationSlug  string                `json:"organizationSlug"`
	OrganizationName  string                `json:"organizationName"`
	ExecutionCount    int                   `json:"executionCount"`
	CreatedByMemberID string                `json:"createdByMemberId"`
	LastExecutionAt   *time.Time            `json:"lastExecutionAt"`
	NextExecutionAt   time.Time             `json:"nextExecutionAt"`
}

type generated struct {
	Report summary.Report `json:"report"`
	From   time.Time      `json:"from"`
	To     time.Time      `json:"to"`
}

type sendTotals struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

type finalOutcome struct {
	Status    domain.RunStatus `json:"status"`
	NextRunID string           `json:"nextRunId,omitempty"`
}

// Run executes the send-summaries workflow for one schedule run. Guard
// violations abort with no writes and the lease claim happens before any
// step executes, so a duplicate trigger of an in-flight run is rejected
// instead of replaying its way past the entry guard. A run whose lease has
// lapsed (crashed executor) is re-claimed here and resumed: completed steps
// replay from their checkpoints, pending ones execute. Any failure after the
// claim marks the run failed and still arms the next one.
func (e *Engine) Run(ctx context.Context, runID, orgID string) error {
	d, err := e.store.LoadRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = fmt.Errorf("schedule run %s not found", runID)
		}
		e.log.Error().Str("run_id", runID).Err(err).Msg("schedule run rejected")
		return err
	}
	if err := e.guard(d, runID, orgID); err != nil {
		e.log.Warn().Str("run_id", runID).Err(err).Msg("schedule run rejected")
		return err
	}

	claimed, err := e.store.ClaimRun(ctx, runID, e.now(), leaseDuration)
	if err != nil {
		return err
	}
	if !claimed {
		// Another executor holds a live lease on this run.
		err := fmt.Errorf("schedule run %s is held by a live execution", runID)
		e.log.Warn().Str("run_id", runID).Err(err).Msg("schedule run rejected")
		return err
	}

	r := workflow.NewRunner(e.store, runID, e.log)

	// The snapshot is checkpointed so a resumed run keeps the config it
	// started under, even if the schedule changed in between.
	init, err := workflow.Step(ctx, r, "initialize", workflow.RetryPolicy{}, func(context.Context) (initData, error) {
		return snapshot(d), nil
	})
	if err != nil {
		e.log.Error().Str("run_id", runID).Err(err).Msg("schedule run initialization failed")
		return err
	}

	if err := e.execute(ctx, r, runID, init); err != nil {
		e.markFailed(ctx, runID, init, err)
		return err
	}
	return nil
}

func (e *Engine) guard(d store.RunDetail, runID, orgID string) error {
	if d.Run.Status.Terminal() {
		return fmt.Errorf("schedule run %s is already %s", runID, d.Run.Status)
	}
	if d.Schedule.OrganizationID != orgID {
		return fmt.Errorf("schedule run %s does not belong to organization %s", runID, orgID)
	}
	if !d.Schedule.IsActive {
		return fmt.Errorf("schedule %s is not active", d.Schedule.ID)
	}
	return nil
}

func snapshot(d store.RunDetail) initData {
	return initData{
		ScheduleID:        d.Schedule.ID,
		ScheduleName:      d.Schedule.Name,
		Config:            d.Schedule.Config,
		IsActive:          d.Schedule.IsActive,
		OrganizationID:    d.Schedule.OrganizationID,
		OrganizationSlug:  d.Organization.Slug,
		OrganizationName:  d.Organization.Name,
		ExecutionCount:    d.Run.ExecutionCount,
		CreatedByMemberID: d.Run.CreatedByMemberID,
		LastExecutionAt:   d.Run.LastExecutionAt,
		NextExecutionAt:   d.Run.NextExecutionAt,
	}
}

// execute runs everything after the run is claimed.
func (e *Engine) execute(ctx context.Context, r *workflow.Runner, runID string, init initData) error {
	gen, err := workflow.Step(ctx, r, "generate-summary", generatePolicy, func(ctx context.Context) (generated, error) {
		from, to := summary.Window(init.Config.Recurrence, init.LastExecutionAt, e.now())
		rep, err := e.gen.Generate(ctx, init.OrganizationID, from, to)
		if err != nil {
			return generated{}, err
		}
		if rep.Empty() {
			return generated{}, errors.New("no summary content generated")
		}
		return generated{Report: *rep, From: from, To: to}, nil
	})
	if err != nil {
		return err
	}

	targets, err := workflow.Step(ctx, r, "resolve-delivery-targets", workflow.RetryPolicy{}, func(ctx context.Context) ([]domain.Target, error) {
		return resolve.Targets(ctx, e.store, init.OrganizationID, init.Config.DeliveryMethods, e.log)
	})
	if err != nil {
		return err
	}

	if _, err := workflow.Step(ctx, r, "create-task-tracking", workflow.RetryPolicy{}, func(ctx context.Context) (int, error) {
		tasks := make([]domain.ScheduleRunTask, 0, len(targets))
		for _, t := range targets {
			tasks = append(tasks, domain.ScheduleRunTask{
				ScheduleRunID: runID,
				Status:        domain.TaskPending,
				Results:       domain.TaskResult{Type: t.Type, Target: t.Target, DisplayName: t.DisplayName},
				MaxAttempts:   3,
			})
		}
		if err := e.store.InsertTasks(ctx, tasks); err != nil {
			return 0, err
		}
		return len(tasks), nil
	}); err != nil {
		return err
	}

	chatTotals, err := workflow.Step(ctx, r, "send-chat-messages", sendPolicy, func(ctx context.Context) (sendTotals, error) {
		return e.deliver(ctx, runID, domain.TargetChatChannel, init, gen)
	})
	if err != nil {
		return err
	}

	emailTotals, err := workflow.Step(ctx, r, "send-emails", sendPolicy, func(ctx context.Context) (sendTotals, error) {
		return e.deliver(ctx, runID, domain.TargetEmail, init, gen)
	})
	if err != nil {
		return err
	}

	outcome, err := workflow.Step(ctx, r, "finalize-execution", workflow.RetryPolicy{}, func(ctx context.Context) (finalOutcome, error) {
		return e.finalize(ctx, runID, init, gen, len(targets), chatTotals, emailTotals)
	})
	if err != nil {
		return err
	}

	e.log.Info().Str("run_id", runID).Str("schedule", init.ScheduleName).
		Str("status", string(outcome.Status)).
		Int("sent", chatTotals.Sent+emailTotals.Sent).
		Int("failed", chatTotals.Failed+emailTotals.Failed).
		Str("next_run_id", outcome.NextRunID).
		Msg("schedule run finished")
	return nil
}

// deliver sends the rendered summary to every still-pending task of one
// target type. Task status is the dedup key: a replay after a crash skips
// everything already completed or failed. Transport outages propagate so the
// step retries the remaining batch; per-target errors become task outcomes.
func (e *Engine) deliver(ctx context.Context, runID string, kind domain.TargetType, init initData, gen generated) (sendTotals, error) {
	tasks, err := e.store.TasksForRun(ctx, runID)
	if err != nil {
		return sendTotals{}, err
	}
	content := send.Content{
		OrganizationName: init.OrganizationName,
		OrganizationSlug: init.OrganizationSlug,
		Report:           gen.Report,
		From:             gen.From,
		To:               gen.To,
		AppURL:           e.appURL,
	}

	for _, t := range tasks {
		if t.Results.Type != kind || t.Status != domain.TaskPending {
			continue
		}

		var sendErr error
		switch kind {
		case domain.TargetChatChannel:
			sendErr = e.chat.SendChannelMessage(ctx, t.Results.Target, send.ChatMessage(content))
		case domain.TargetEmail:
			sendErr = e.email.SendEmail(ctx, t.Results.Target,
				send.EmailSubject(content),
				send.EmailBody(send.RecipientName(t.Results.DisplayName), content))
		}

		key := domain.Target{Type: t.Results.Type, Target: t.Results.Target}.Key()
		now := e.now().UTC()
		if sendErr == nil {
			res := t.Results
			ok := true
			res.Success = &ok
			res.SentAt = &now
			if err := e.store.UpdateTaskByTarget(ctx, runID, key, domain.TaskCompleted, res, t.Attempts+1); err != nil {
				return sendTotals{}, err
			}
			continue
		}
		if errors.Is(sendErr, send.ErrUnavailable) {
			return sendTotals{}, sendErr
		}

		e.log.Warn().Str("run_id", runID).Str("target", t.Results.DisplayName).Err(sendErr).
			Msg("delivery failed")
		res := t.Results
		notOK := false
		res.Success = &notOK
		res.FailedAt = &now
		res.Error = sendErr.Error()
		if err := e.store.UpdateTaskByTarget(ctx, runID, key, domain.TaskFailed, res, t.Attempts+1); err != nil {
			return sendTotals{}, err
		}
	}

	// Recount from the store so totals include tasks settled before a replay.
	tasks, err = e.store.TasksForRun(ctx, runID)
	if err != nil {
		return sendTotals{}, err
	}
	var totals sendTotals
	for _, t := range tasks {
		if t.Results.Type != kind {
			continue
		}
		switch t.Status {
		case domain.TaskCompleted:
			totals.Sent++
		case domain.TaskFailed:
			totals.Failed++
		}
	}
	return totals, nil
}

func (e *Engine) finalize(ctx context.Context, runID string, init initData, gen generated, totalTargets int, chat, email sendTotals) (finalOutcome, error) {
	sent := chat.Sent + email.Sent
	failed := chat.Failed + email.Failed

	var status domain.RunStatus
	switch {
	case failed == 0:
		status = domain.RunCompleted
	case sent > 0:
		status = domain.RunPartial
	default:
		status = domain.RunFailed
	}

	meta, err := json.Marshal(domain.RunMetadata{
		TotalTargets:     totalTargets,
		ChatSent:         chat.Sent,
		ChatFailed:       chat.Failed,
		EmailSent:        email.Sent,
		EmailFailed:      email.Failed,
		SummaryGenerated: true,
		HighlightCount:   len(gen.Report.Items),
		CompletedAt:      e.now().UTC(),
	})
	if err != nil {
		return finalOutcome{}, err
	}

	var lastErr *string
	if failed > 0 {
		s := fmt.Sprintf("%d deliveries failed", failed)
		lastErr = &s
	}
	if err := e.store.FinishRun(ctx, runID, status, init.ExecutionCount+1, meta, lastErr); err != nil {
		return finalOutcome{}, err
	}

	nextRunID, err := e.rearm(ctx, init)
	if err != nil {
		return finalOutcome{}, err
	}
	return finalOutcome{Status: status, NextRunID: nextRunID}, nil
}

// rearm inserts the next pending run, computed from the current time rather
// than the prior nextExecutionAt so a delayed execution does not pile up
// overdue runs.
func (e *Engine) rearm(ctx context.Context, init initData) (string, error) {
	if !init.IsActive {
		return "", nil
	}
	next := recurrence.NextExecution(init.Config, e.now())
	if next.IsZero() {
		e.log.Warn().Str("schedule", init.ScheduleID).
			Msg("no next execution computable, schedule goes dormant")
		return "", nil
	}
	return e.store.InsertRun(ctx, domain.ScheduleRun{
		ScheduleID:        init.ScheduleID,
		CreatedByMemberID: init.CreatedByMemberID,
		Status:            domain.RunPending,
		NextExecutionAt:   next,
	})
}

// markFailed records a terminal workflow failure. Skipped when the run
// already reached a terminal state (a finalize-stage error must not clobber
// the recorded outcome).
func (e *Engine) markFailed(ctx context.Context, runID string, init initData, cause error) {
	d, err := e.store.LoadRun(ctx, runID)
	if err != nil {
		e.log.Error().Str("run_id", runID).Err(err).Msg("load run for failure marking")
		return
	}
	if d.Run.Status.Terminal() {
		return
	}

	msg := cause.Error()
	if err := e.store.FinishRun(ctx, runID, domain.RunFailed, init.ExecutionCount+1, nil, &msg); err != nil {
		e.log.Error().Str("run_id", runID).Err(err).Msg("mark run failed")
		return
	}
	if _, err := e.rearm(ctx, init); err != nil {
		e.log.Error().Str("run_id", runID).Err(err).Msg("arm next run after failure")
	}
	e.log.Error().Str("run_id", runID).Str("schedule", init.ScheduleName).Err(cause).
		Msg("schedule run failed")
}

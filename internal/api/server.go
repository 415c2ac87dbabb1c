// Package api exposes the schedule management surface over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"statusflow/internal/domain"
	"statusflow/internal/recurrence"
	"statusflow/internal/store"
)

type Server struct {
	r   *chi.Mux
	st  store.Store
	now func() time.Time
}

func NewServer(st store.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, st: st, now: time.Now}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.listSchedules)
	r.Get("/api/schedules/{id}", s.getSchedule)
	r.Put("/api/schedules/{id}", s.updateSchedule)
	r.Get("/api/schedules/{id}/runs", s.listRuns)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("statusflow_up 1\n"))
}

type scheduleReq struct {
	OrganizationID    string                `json:"organization_id"`
	Name              string                `json:"name"`
	Config            domain.ScheduleConfig `json:"config"`
	IsActive          *bool                 `json:"is_active"`
	CreatedByMemberID string                `json:"created_by_member_id"`
}

type scheduleResp struct {
	ID                string                `json:"id"`
	OrganizationID    string                `json:"organization_id"`
	Name              string                `json:"name"`
	Config            domain.ScheduleConfig `json:"config"`
	IsActive          bool                  `json:"is_active"`
	CreatedByMemberID string                `json:"created_by_member_id"`
	NextExecutionAt   *time.Time            `json:"next_execution_at,omitempty"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.OrganizationID == "" || req.Name == "" {
		http.Error(w, "organization_id and name are required", http.StatusBadRequest)
		return
	}
	if err := req.Config.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	sc := domain.Schedule{
		OrganizationID:    req.OrganizationID,
		Name:              req.Name,
		Config:            req.Config,
		IsActive:          active,
		CreatedByMemberID: req.CreatedByMemberID,
	}
	id, err := s.st.CreateSchedule(r.Context(), sc)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sc.ID = id

	resp := scheduleResp{
		ID:                id,
		OrganizationID:    sc.OrganizationID,
		Name:              sc.Name,
		Config:            sc.Config,
		IsActive:          sc.IsActive,
		CreatedByMemberID: sc.CreatedByMemberID,
	}
	if next, err := s.seedRun(r, sc); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	} else if next != nil {
		resp.NextExecutionAt = next
	}
	writeJSON(w, http.StatusCreated, resp)
}

// updateSchedule applies a config or active-state change. Pending runs are
// always cancelled first; exactly one fresh pending run is re-seeded when the
// schedule stays active. A run already executing is left to finish naturally.
func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.st.GetSchedule(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "schedule not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := req.Config.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	existing.Config = req.Config
	if req.Name != "" {
		existing.Name = req.Name
	}
	if req.IsActive != nil {
		existing.IsActive = *req.IsActive
	}
	if err := s.st.UpdateSchedule(r.Context(), existing); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if _, err := s.st.CancelPendingRuns(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := scheduleResp{
		ID:                existing.ID,
		OrganizationID:    existing.OrganizationID,
		Name:              existing.Name,
		Config:            existing.Config,
		IsActive:          existing.IsActive,
		CreatedByMemberID: existing.CreatedByMemberID,
	}
	if next, err := s.seedRun(r, existing); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	} else if next != nil {
		resp.NextExecutionAt = next
	}
	writeJSON(w, http.StatusOK, resp)
}

// seedRun inserts the next pending run for an active schedule. A nil time
// with nil error means no run is schedulable.
func (s *Server) seedRun(r *http.Request, sc domain.Schedule) (*time.Time, error) {
	if !sc.IsActive {
		return nil, nil
	}
	next := recurrence.NextExecution(sc.Config, s.now())
	if next.IsZero() {
		return nil, nil
	}
	_, err := s.st.InsertRun(r.Context(), domain.ScheduleRun{
		ScheduleID:        sc.ID,
		CreatedByMemberID: sc.CreatedByMemberID,
		Status:            domain.RunPending,
		NextExecutionAt:   next,
	})
	if err != nil {
		return nil, err
	}
	return &next, nil
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.st.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "schedule not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, scheduleResp{
		ID:                sc.ID,
		OrganizationID:    sc.OrganizationID,
		Name:              sc.Name,
		Config:            sc.Config,
		IsActive:          sc.IsActive,
		CreatedByMemberID: sc.CreatedByMemberID,
	})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("org")
	if orgID == "" {
		http.Error(w, "org query parameter is required", http.StatusBadRequest)
		return
	}
	schedules, err := s.st.ListSchedules(r.Context(), orgID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]scheduleResp, 0, len(schedules))
	for _, sc := range schedules {
		out = append(out, scheduleResp{
			ID:                sc.ID,
			OrganizationID:    sc.OrganizationID,
			Name:              sc.Name,
			Config:            sc.Config,
			IsActive:          sc.IsActive,
			CreatedByMemberID: sc.CreatedByMemberID,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type runResp struct {
	ID                 string          `json:"id"`
	Status             string          `json:"status"`
	NextExecutionAt    time.Time       `json:"next_execution_at"`
	LastExecutionAt    *time.Time      `json:"last_execution_at,omitempty"`
	ExecutionCount     int             `json:"execution_count"`
	ExecutionMetadata  json.RawMessage `json:"execution_metadata,omitempty"`
	LastExecutionError *string         `json:"last_execution_error,omitempty"`
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.st.RunsForSchedule(r.Context(), chi.URLParam(r, "id"), 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]runResp, 0, len(runs))
	for _, run := range runs {
		out = append(out, runResp{
			ID:                 run.ID,
			Status:             string(run.Status),
			NextExecutionAt:    run.NextExecutionAt,
			LastExecutionAt:    run.LastExecutionAt,
			ExecutionCount:     run.ExecutionCount,
			ExecutionMetadata:  run.ExecutionMetadata,
			LastExecutionError: run.LastExecutionError,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

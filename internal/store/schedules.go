package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"statusflow/internal/domain"
)

func (s *sqliteStore) CreateSchedule(ctx context.Context, sc domain.Schedule) (string, error) {
	id := sc.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	cfg, err := json.Marshal(sc.Config)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO schedules (id, organization_id, name, config, is_active, created_by_member_id, created_at, updated_at)
VALUES (?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)`,
		id, sc.OrganizationID, sc.Name, string(cfg), sc.IsActive, sc.CreatedByMemberID)
	return id, err
}

func (s *sqliteStore) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, organization_id, name, config, is_active, created_by_member_id, created_at, updated_at
FROM schedules WHERE id=?`, id)
	return scanSchedule(row)
}

func (s *sqliteStore) ListSchedules(ctx context.Context, orgID string) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, organization_id, name, config, is_active, created_by_member_id, created_at, updated_at
FROM schedules WHERE organization_id=? ORDER BY name`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sc)
	}
	return schedules, rows.Err()
}

func (s *sqliteStore) UpdateSchedule(ctx context.Context, sc domain.Schedule) error {
	cfg, err := json.Marshal(sc.Config)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE schedules SET name=?, config=?, is_active=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		sc.Name, string(cfg), sc.IsActive, sc.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s: %w", sc.ID, ErrNotFound)
	}
	return nil
}

func scanSchedule(row interface{ Scan(...any) error }) (domain.Schedule, error) {
	var (
		sc  domain.Schedule
		cfg string
	)
	err := row.Scan(&sc.ID, &sc.OrganizationID, &sc.Name, &cfg, &sc.IsActive,
		&sc.CreatedByMemberID, &sc.CreatedAt, &sc.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Schedule{}, ErrNotFound
	}
	if err != nil {
		return domain.Schedule{}, err
	}
	if err := json.Unmarshal([]byte(cfg), &sc.Config); err != nil {
		return domain.Schedule{}, fmt.Errorf("decode schedule config: %w", err)
	}
	return sc, nil
}

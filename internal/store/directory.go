package store

import (
	"context"

	"statusflow/internal/domain"
)

func (s *sqliteStore) Members(ctx context.Context, ids []string) ([]domain.MemberInfo, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT m.id, u.email, u.name
FROM members m JOIN users u ON u.id = m.user_id
WHERE m.id IN (`+placeholders(len(ids))+`)`, args(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []domain.MemberInfo
	for rows.Next() {
		var m domain.MemberInfo
		if err := rows.Scan(&m.ID, &m.Email, &m.Name); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// TeamsWithMembers fetches teams and their member rosters in two queries
// regardless of how many teams are asked for.
func (s *sqliteStore) TeamsWithMembers(ctx context.Context, ids []string) ([]domain.TeamInfo, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name FROM teams WHERE id IN (`+placeholders(len(ids))+`)`, args(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := map[string]*domain.TeamInfo{}
	var order []string
	for rows.Next() {
		var t domain.TeamInfo
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, err
		}
		byID[t.ID] = &t
		order = append(order, t.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	memberRows, err := s.db.QueryContext(ctx, `
SELECT tm.team_id, m.id, u.email, u.name
FROM team_memberships tm
JOIN members m ON m.id = tm.member_id
JOIN users u ON u.id = m.user_id
WHERE tm.team_id IN (`+placeholders(len(ids))+`)
ORDER BY tm.team_id, m.id`, args(ids)...)
	if err != nil {
		return nil, err
	}
	defer memberRows.Close()

	for memberRows.Next() {
		var (
			teamID string
			m      domain.MemberInfo
		)
		if err := memberRows.Scan(&teamID, &m.ID, &m.Email, &m.Name); err != nil {
			return nil, err
		}
		if t := byID[teamID]; t != nil {
			t.Members = append(t.Members, m)
		}
	}
	if err := memberRows.Err(); err != nil {
		return nil, err
	}

	teams := make([]domain.TeamInfo, 0, len(order))
	for _, id := range order {
		teams = append(teams, *byID[id])
	}
	return teams, nil
}

func (s *sqliteStore) Channels(ctx context.Context, ids []string) ([]domain.ChannelInfo, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, channel_id, name FROM channels WHERE id IN (`+placeholders(len(ids))+`)`, args(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []domain.ChannelInfo
	for rows.Next() {
		var c domain.ChannelInfo
		if err := rows.Scan(&c.ID, &c.ChannelID, &c.Name); err != nil {
			return nil, err
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

func (s *sqliteStore) AllOrgMembers(ctx context.Context, orgID string) ([]domain.MemberInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT m.id, u.email, u.name
FROM members m JOIN users u ON u.id = m.user_id
WHERE m.organization_id=? ORDER BY m.id`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []domain.MemberInfo
	for rows.Next() {
		var m domain.MemberInfo
		if err := rows.Scan(&m.ID, &m.Email, &m.Name); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *sqliteStore) UpsertOrganization(ctx context.Context, o domain.Organization) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO organizations (id, slug, name) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET slug=excluded.slug, name=excluded.name`, o.ID, o.Slug, o.Name)
	return err
}

func (s *sqliteStore) UpsertUser(ctx context.Context, id, email, name string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (id, email, name) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET email=excluded.email, name=excluded.name`, id, email, name)
	return err
}

func (s *sqliteStore) UpsertMember(ctx context.Context, id, orgID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO members (id, organization_id, user_id) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET organization_id=excluded.organization_id, user_id=excluded.user_id`,
		id, orgID, userID)
	return err
}

func (s *sqliteStore) UpsertTeam(ctx context.Context, id, orgID, name string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO teams (id, organization_id, name) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET organization_id=excluded.organization_id, name=excluded.name`,
		id, orgID, name)
	return err
}

func (s *sqliteStore) AddTeamMember(ctx context.Context, teamID, memberID string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO team_memberships (team_id, member_id) VALUES (?,?)
ON CONFLICT(team_id, member_id) DO NOTHING`, teamID, memberID)
	return err
}

func (s *sqliteStore) UpsertChannel(ctx context.Context, c domain.ChannelInfo, orgID string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO channels (id, organization_id, channel_id, name) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET channel_id=excluded.channel_id, name=excluded.name`,
		c.ID, orgID, c.ChannelID, c.Name)
	return err
}

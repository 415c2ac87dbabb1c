// Package resolve turns a schedule's delivery configuration into concrete,
// deduplicated delivery targets.
package resolve

import (
	"context"

	"github.com/rs/zerolog"

	"statusflow/internal/domain"
)

// Directory is the batched read surface target resolution needs. Each method
// is one query regardless of input size, so resolution cost is bound by the
// number of distinct referenced entities, not by the delivery method count.
type Directory interface {
	Members(ctx context.Context, ids []string) ([]domain.MemberInfo, error)
	TeamsWithMembers(ctx context.Context, ids []string) ([]domain.TeamInfo, error)
	Channels(ctx context.Context, ids []string) ([]domain.ChannelInfo, error)
	AllOrgMembers(ctx context.Context, orgID string) ([]domain.MemberInfo, error)
}

// Targets resolves methods into delivery endpoints. Bad references (deleted
// channels, members without an email, unknown method tags) degrade to fewer
// targets with a logged warning; they never fail the run.
func Targets(ctx context.Context, dir Directory, orgID string, methods []domain.DeliveryMethod, log zerolog.Logger) ([]domain.Target, error) {
	// First pass: collect referenced ids per entity kind.
	memberIDs := map[string]bool{}
	teamIDs := map[string]bool{}
	channelIDs := map[string]bool{}
	everyone := false
	for _, m := range methods {
		switch m.Type {
		case domain.DeliverMember:
			memberIDs[m.Value] = true
		case domain.DeliverTeam:
			teamIDs[m.Value] = true
		case domain.DeliverChatChannel:
			channelIDs[m.Value] = true
		case domain.DeliverEveryone:
			everyone = true
		}
	}

	// One batched lookup per entity kind.
	members, err := dir.Members(ctx, keys(memberIDs))
	if err != nil {
		return nil, err
	}
	teams, err := dir.TeamsWithMembers(ctx, keys(teamIDs))
	if err != nil {
		return nil, err
	}
	channels, err := dir.Channels(ctx, keys(channelIDs))
	if err != nil {
		return nil, err
	}
	var orgMembers []domain.MemberInfo
	if everyone {
		orgMembers, err = dir.AllOrgMembers(ctx, orgID)
		if err != nil {
			return nil, err
		}
	}

	memberByID := map[string]domain.MemberInfo{}
	for _, m := range members {
		memberByID[m.ID] = m
	}
	teamByID := map[string]domain.TeamInfo{}
	for _, t := range teams {
		teamByID[t.ID] = t
	}
	channelByID := map[string]domain.ChannelInfo{}
	for _, c := range channels {
		channelByID[c.ID] = c
	}

	// Second pass: resolve against the in-memory maps.
	var targets []domain.Target
	for _, m := range methods {
		switch m.Type {
		case domain.DeliverMember:
			member, ok := memberByID[m.Value]
			if !ok || member.Email == "" {
				continue
			}
			targets = append(targets, emailTarget(member))

		case domain.DeliverTeam:
			for _, member := range teamByID[m.Value].Members {
				if member.Email == "" {
					continue
				}
				targets = append(targets, emailTarget(member))
			}

		case domain.DeliverChatChannel:
			channel, ok := channelByID[m.Value]
			if !ok {
				log.Warn().Str("channel", m.Value).Msg("skipping chat channel, record not found")
				continue
			}
			targets = append(targets, domain.Target{
				Type:        domain.TargetChatChannel,
				Target:      channel.ChannelID,
				DisplayName: "#" + channel.Name,
			})

		case domain.DeliverCustomEmail:
			targets = append(targets, domain.Target{
				Type:        domain.TargetEmail,
				Target:      m.Value,
				DisplayName: m.Value,
			})

		case domain.DeliverEveryone:
			// handled below so a repeated flag does not re-scan the roster

		default:
			log.Warn().Str("type", string(m.Type)).Msg("skipping unknown delivery method")
		}
	}
	for _, member := range orgMembers {
		if member.Email == "" {
			continue
		}
		targets = append(targets, emailTarget(member))
	}

	return dedup(targets), nil
}

func emailTarget(m domain.MemberInfo) domain.Target {
	return domain.Target{Type: domain.TargetEmail, Target: m.Email, DisplayName: m.DisplayName()}
}

// dedup keeps the first target per (type, target) key, preserving order.
func dedup(targets []domain.Target) []domain.Target {
	seen := map[string]bool{}
	out := targets[:0]
	for _, t := range targets {
		if seen[t.Key()] {
			continue
		}
		seen[t.Key()] = true
		out = append(out, t)
	}
	return out
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

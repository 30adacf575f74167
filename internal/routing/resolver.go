package routing

import (
	"strings"

	"github.com/copperline/agentrelay/internal/sessions"
)

// Matched-by tags identifying which resolution tier produced a match.
const (
	MatchedByPeer       = "binding.peer"
	MatchedByPeerParent = "binding.peer.parent"
	MatchedByGuildRoles = "binding.guild+roles"
	MatchedByGuild      = "binding.guild"
	MatchedByTeam       = "binding.team"
	MatchedByAccount    = "binding.account"
	MatchedByChannel    = "binding.channel"
	MatchedByDefault    = "default"
)

// ResolverConfig carries the non-binding inputs to route resolution:
// the platform default agent and the session-key derivation policy.
type ResolverConfig struct {
	DefaultAgentID string
	DMScope        string // sessions.DMScope* (empty = per-account-channel-peer)
	MainKey        string
	IdentityLinks  sessions.IdentityLinks
}

// ResolvedAgentRoute is the resolver's output: the responsible agent plus the
// derived session keys and the tier that matched, for observability.
type ResolvedAgentRoute struct {
	AgentID        string `json:"agentId"`
	Channel        string `json:"channel"`
	AccountID      string `json:"accountId"`
	SessionKey     string `json:"sessionKey"`
	MainSessionKey string `json:"mainSessionKey"`
	MatchedBy      string `json:"matchedBy"`
}

// ResolveAgentRoute selects the agent responsible for a message via tiered
// best-match over the configured bindings. It never fails: when nothing
// matches, the configured default agent is returned with MatchedBy "default".
// Ties within a tier break by declaration order (first declared wins).
func ResolveAgentRoute(bindings []AgentBinding, cfg ResolverConfig, rc RouteContext) ResolvedAgentRoute {
	ctx := normalizeContext(rc)

	// Candidate filter: channel equality plus account-pattern match.
	var candidates []binding
	for _, raw := range bindings {
		b := normalizeBinding(raw)
		if b.agentID == "" || b.channel == "" || b.channel != ctx.channel {
			continue
		}
		if !b.matchesAccount(ctx.accountID) {
			continue
		}
		candidates = append(candidates, b)
	}

	agentID, matchedBy := pickAgent(candidates, ctx)
	if agentID == "" {
		agentID = strings.TrimSpace(cfg.DefaultAgentID)
		if agentID == "" {
			agentID = "default"
		}
		matchedBy = MatchedByDefault
	}

	route := ResolvedAgentRoute{
		AgentID:        agentID,
		Channel:        ctx.channel,
		AccountID:      ctx.accountID,
		MainSessionKey: sessions.BuildAgentMainSessionKey(agentID, cfg.MainKey),
		MatchedBy:      matchedBy,
	}
	if ctx.peer.state == peerValid {
		route.SessionKey = sessions.BuildPeerSessionKey(agentID, ctx.channel, ctx.accountID, ctx.peer.kind, ctx.peer.id, cfg.IdentityLinks, cfg.DMScope, cfg.MainKey)
	} else {
		route.SessionKey = route.MainSessionKey
	}
	return route
}

// pickAgent walks the tiers in fixed priority order and returns the first
// satisfying candidate's agent id. Returns ("", "") when no tier matches.
func pickAgent(candidates []binding, ctx resolvedContext) (string, string) {
	// Tier 1: exact peer match.
	if ctx.peer.state == peerValid {
		for _, b := range candidates {
			if b.peer.equals(ctx.peer.kind, ctx.peer.id) && b.matchesScope(ctx) {
				return b.agentID, MatchedByPeer
			}
		}
	}

	// Tier 2: the binding's peer matches the thread's parent peer.
	if ctx.parentPeer.state == peerValid {
		for _, b := range candidates {
			if b.peer.equals(ctx.parentPeer.kind, ctx.parentPeer.id) && b.matchesScope(ctx) {
				return b.agentID, MatchedByPeerParent
			}
		}
	}

	// Tier 3: guild plus role membership.
	if ctx.guildID != "" && len(ctx.roleIDs) > 0 {
		for _, b := range candidates {
			if b.guildID != "" && len(b.roles) > 0 && b.guildID == ctx.guildID && b.anyRole(ctx.roleIDs) && b.matchesScope(ctx) {
				return b.agentID, MatchedByGuildRoles
			}
		}
	}

	// Tier 4: guild only. Role-carrying bindings are excluded so a candidate
	// that failed the tier-3 role test cannot re-match here.
	if ctx.guildID != "" {
		for _, b := range candidates {
			if b.guildID != "" && len(b.roles) == 0 && b.guildID == ctx.guildID && b.matchesScope(ctx) {
				return b.agentID, MatchedByGuild
			}
		}
	}

	// Tier 5: team.
	if ctx.teamID != "" {
		for _, b := range candidates {
			if b.teamID != "" && b.teamID == ctx.teamID && b.matchesScope(ctx) {
				return b.agentID, MatchedByTeam
			}
		}
	}

	// Tiers 6 and 7 are catch-alls: only bindings without narrower
	// constraints are eligible, so an unmatched (or malformed) peer
	// constraint never silently widens into an account or channel match.
	for _, b := range candidates {
		if b.peer.state == peerAbsent && b.accountPattern != "*" && b.matchesScope(ctx) {
			return b.agentID, MatchedByAccount
		}
	}

	for _, b := range candidates {
		if b.peer.state == peerAbsent && b.accountPattern == "*" && b.matchesScope(ctx) {
			return b.agentID, MatchedByChannel
		}
	}

	return "", ""
}

// Package routing contains the agent-binding resolver and the rule-chain
// router. Both are pure and side-effect-free: resolution never fails (it
// falls back to the default agent) and routing rules return decisions as
// data, never errors.
package routing

import (
	"strings"

	"github.com/copperline/agentrelay/internal/sessions"
)

// AgentBinding maps a channel/account/peer/guild/team/role pattern to an
// agent id. Bindings are read-only configuration loaded outside this package.
type AgentBinding struct {
	AgentID string       `json:"agentId"`
	Match   BindingMatch `json:"match"`
}

// BindingMatch specifies which messages a binding applies to.
type BindingMatch struct {
	Channel   string       `json:"channel"`             // "telegram", "discord", "slack", etc.
	AccountID string       `json:"accountId,omitempty"` // bot account id; "" or "*" = wildcard
	Peer      *BindingPeer `json:"peer,omitempty"`      // specific DM/group/broadcast target
	GuildID   string       `json:"guildId,omitempty"`   // Discord guild
	TeamID    string       `json:"teamId,omitempty"`    // Slack team
	Roles     []string     `json:"roles,omitempty"`     // member role ids, any-of
}

// BindingPeer specifies a specific chat target.
type BindingPeer struct {
	Kind string `json:"kind"` // "direct", "group" or "channel"
	ID   string `json:"id"`
}

// peerState tracks the three-way outcome of normalizing a peer constraint.
// The Invalid/Absent distinction is load-bearing: a malformed peer constraint
// must never degrade into a wildcard, so Invalid fails closed while Absent is
// simply unconstrained.
type peerState int

const (
	peerAbsent peerState = iota
	peerInvalid
	peerValid
)

// boundPeer is a normalized peer constraint.
type boundPeer struct {
	state peerState
	kind  sessions.PeerKind
	id    string
}

func (p boundPeer) equals(kind sessions.PeerKind, id string) bool {
	return p.state == peerValid && p.kind == kind && p.id == id
}

// binding is the normalized form of an AgentBinding used during resolution.
type binding struct {
	agentID        string
	channel        string
	accountPattern string // "" = default account only, "*" = any, else exact
	peer           boundPeer
	guildID        string
	teamID         string
	roles          map[string]struct{}
}

// normalizeBinding lowercases/trims the match fields and classifies the peer
// constraint. It never rejects a binding outright — malformed pieces become
// never-matching (Invalid) constraints instead.
func normalizeBinding(b AgentBinding) binding {
	nb := binding{
		agentID:        strings.TrimSpace(b.AgentID),
		channel:        strings.ToLower(strings.TrimSpace(b.Match.Channel)),
		accountPattern: strings.TrimSpace(b.Match.AccountID),
		guildID:        strings.TrimSpace(b.Match.GuildID),
		teamID:         strings.TrimSpace(b.Match.TeamID),
	}
	if p := b.Match.Peer; p != nil {
		kind, kindOK := sessions.NormalizePeerKind(p.Kind)
		id := strings.ToLower(strings.TrimSpace(p.ID))
		if !kindOK || id == "" {
			nb.peer = boundPeer{state: peerInvalid}
		} else {
			nb.peer = boundPeer{state: peerValid, kind: kind, id: id}
		}
	}
	if len(b.Match.Roles) > 0 {
		nb.roles = make(map[string]struct{}, len(b.Match.Roles))
		for _, r := range b.Match.Roles {
			if r = strings.TrimSpace(r); r != "" {
				nb.roles[r] = struct{}{}
			}
		}
	}
	return nb
}

// matchesAccount reports whether the binding's account pattern covers the
// (already normalized) context account id. An absent pattern matches only the
// default-account sentinel; "*" matches anything; otherwise exact equality.
func (b binding) matchesAccount(accountID string) bool {
	switch b.accountPattern {
	case "":
		return accountID == sessions.DefaultAccountID
	case "*":
		return true
	default:
		return b.accountPattern == accountID
	}
}

// matchesScope checks the binding's additional scope constraints (guild,
// team, roles) against the context. Every constraint the binding declares
// must be satisfiable from the context; an undeclared constraint passes.
// Applied uniformly across the specific tiers so a peer-matching binding with
// an incompatible guild is rejected rather than falsely accepted.
func (b binding) matchesScope(rc resolvedContext) bool {
	if b.guildID != "" && b.guildID != rc.guildID {
		return false
	}
	if b.teamID != "" && b.teamID != rc.teamID {
		return false
	}
	if len(b.roles) > 0 && !b.anyRole(rc.roleIDs) {
		return false
	}
	return true
}

func (b binding) anyRole(roles []string) bool {
	for _, r := range roles {
		if _, ok := b.roles[r]; ok {
			return true
		}
	}
	return false
}

// ListBoundAccountIDs returns the distinct account ids explicitly bound on a
// channel, in declaration order. Wildcard ("*") and absent patterns are
// excluded — they bind the channel, not an account.
func ListBoundAccountIDs(bindings []AgentBinding, channel string) []string {
	channel = strings.ToLower(strings.TrimSpace(channel))
	seen := make(map[string]struct{})
	var out []string
	for _, raw := range bindings {
		b := normalizeBinding(raw)
		if b.channel != channel || b.accountPattern == "" || b.accountPattern == "*" {
			continue
		}
		if _, dup := seen[b.accountPattern]; dup {
			continue
		}
		seen[b.accountPattern] = struct{}{}
		out = append(out, b.accountPattern)
	}
	return out
}

// PickFirstExistingAgentID normalizes the requested agent id, falling back to
// fallbackID when empty. It does not yet validate the id against a configured
// agent list — whether the resolved agent actually exists is the surrounding
// system's concern.
func PickFirstExistingAgentID(requested, fallbackID string) string {
	if requested = strings.TrimSpace(requested); requested != "" {
		return requested
	}
	return strings.TrimSpace(fallbackID)
}

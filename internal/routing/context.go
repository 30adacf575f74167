package routing

import (
	"strings"

	"github.com/copperline/agentrelay/internal/sessions"
)

// Peer identifies the direct conversational counterpart of a message.
type Peer struct {
	Kind string `json:"kind"` // "direct", "group" or "channel"
	ID   string `json:"id"`
}

// RouteContext carries the routing attributes of a single inbound message.
// Built fresh per message from the connector envelope; never persisted.
type RouteContext struct {
	Channel       string   `json:"channel"`
	AccountID     string   `json:"accountId,omitempty"`
	Peer          *Peer    `json:"peer,omitempty"`
	ParentPeer    *Peer    `json:"parentPeer,omitempty"` // threaded replies whose parent differs
	GuildID       string   `json:"guildId,omitempty"`
	TeamID        string   `json:"teamId,omitempty"`
	MemberRoleIDs []string `json:"memberRoleIds,omitempty"`
}

// resolvedContext is the normalized view of a RouteContext used by the tier
// matcher. Peers that fail normalization are dropped here: a context with a
// malformed peer simply has no peer-tier eligibility.
type resolvedContext struct {
	channel    string
	accountID  string
	peer       boundPeer
	parentPeer boundPeer
	guildID    string
	teamID     string
	roleIDs    []string
}

func normalizeContext(rc RouteContext) resolvedContext {
	out := resolvedContext{
		channel:   strings.ToLower(strings.TrimSpace(rc.Channel)),
		accountID: strings.TrimSpace(rc.AccountID),
		guildID:   strings.TrimSpace(rc.GuildID),
		teamID:    strings.TrimSpace(rc.TeamID),
	}
	if out.accountID == "" {
		out.accountID = sessions.DefaultAccountID
	}
	out.peer = normalizeContextPeer(rc.Peer)
	out.parentPeer = normalizeContextPeer(rc.ParentPeer)
	for _, r := range rc.MemberRoleIDs {
		if r = strings.TrimSpace(r); r != "" {
			out.roleIDs = append(out.roleIDs, r)
		}
	}
	return out
}

func normalizeContextPeer(p *Peer) boundPeer {
	if p == nil {
		return boundPeer{state: peerAbsent}
	}
	kind, kindOK := sessions.NormalizePeerKind(p.Kind)
	id := strings.ToLower(strings.TrimSpace(p.ID))
	if !kindOK || id == "" {
		return boundPeer{state: peerInvalid}
	}
	return boundPeer{state: peerValid, kind: kind, id: id}
}

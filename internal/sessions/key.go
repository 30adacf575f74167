// Package sessions builds canonical session keys.
//
// Session keys follow the canonical format:
//
//	agent:{agentId}:{rest}
//
// Where {rest} depends on the conversation shape:
//
//	DM (default):  {channel}:{accountId}:direct:{peerId}
//	Group:         {channel}:{accountId}:group:{groupId}
//	Broadcast:     {channel}:{accountId}:channel:{channelId}
//	Linked DM:     identity:{canonicalId}
//	Main:          {mainKey}
//
// Examples:
//
//	agent:default:telegram:default:direct:386246614
//	agent:default:discord:bot-2:group:-100123456
//	agent:default:identity:alice
//	agent:default:main
//
// Keys are always lowercase so downstream storage lookups are case-stable.
package sessions

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes the conversational counterpart of a message.
type PeerKind string

const (
	PeerDirect  PeerKind = "direct"
	PeerGroup   PeerKind = "group"
	PeerChannel PeerKind = "channel"
)

// DM scope modes controlling how direct-message sessions collapse.
const (
	DMScopeMain               = "main"
	DMScopePerPeer            = "per-peer"
	DMScopePerChannelPeer     = "per-channel-peer"
	DMScopePerAccountChanPeer = "per-account-channel-peer"
)

// DefaultAccountID is the sentinel used when a message carries no account id.
const DefaultAccountID = "default"

// IdentityLinks maps "{channel}:{peerId}" to a canonical cross-channel
// identity. Supplied by external identity-resolution config; peers sharing a
// canonical identity fold into one session per agent.
type IdentityLinks map[string]string

// Lookup returns the canonical identity for a channel peer, if linked.
func (l IdentityLinks) Lookup(channel, peerID string) (string, bool) {
	if len(l) == 0 {
		return "", false
	}
	id, ok := l[normalizePart(channel)+":"+normalizePart(peerID)]
	return strings.ToLower(id), ok && id != ""
}

// BuildAgentMainSessionKey builds the shared "main" session key for an agent.
// All direct/default interactions with one agent share this conversational
// context when dm_scope="main".
//
//	agent:{agentId}:{mainKey}
func BuildAgentMainSessionKey(agentID, mainKey string) string {
	if mainKey = normalizePart(mainKey); mainKey == "" {
		mainKey = "main"
	}
	return fmt.Sprintf("agent:%s:%s", normalizeAgentID(agentID), mainKey)
}

// BuildPeerSessionKey builds the session key for a channel conversation,
// unique per (agent, channel, account, peer) tuple unless an identity link or
// DM scope override folds it.
//
// Groups and broadcast channels always use the full key. For DMs the dmScope
// mode controls how much of the tuple is kept:
//
//	main                      → agent:{agentId}:{mainKey}
//	per-peer                  → agent:{agentId}:direct:{peerId}
//	per-channel-peer          → agent:{agentId}:{channel}:direct:{peerId}
//	per-account-channel-peer  → full key (default)
func BuildPeerSessionKey(agentID, channel, accountID string, kind PeerKind, peerID string, links IdentityLinks, dmScope, mainKey string) string {
	agentID = normalizeAgentID(agentID)
	channel = normalizePart(channel)
	peerID = normalizePart(peerID)
	if accountID = normalizePart(accountID); accountID == "" {
		accountID = DefaultAccountID
	}

	if kind != PeerDirect {
		return fmt.Sprintf("agent:%s:%s:%s:%s:%s", agentID, channel, accountID, kind, peerID)
	}

	// Identity links take precedence over dm scope: the same underlying
	// person gets one session regardless of which channel they came in on.
	if canonical, ok := links.Lookup(channel, peerID); ok {
		return fmt.Sprintf("agent:%s:identity:%s", agentID, canonical)
	}

	switch dmScope {
	case DMScopeMain:
		return BuildAgentMainSessionKey(agentID, mainKey)
	case DMScopePerPeer:
		return fmt.Sprintf("agent:%s:direct:%s", agentID, peerID)
	case DMScopePerChannelPeer:
		return fmt.Sprintf("agent:%s:%s:direct:%s", agentID, channel, peerID)
	default: // "per-account-channel-peer" or empty
		return fmt.Sprintf("agent:%s:%s:%s:direct:%s", agentID, channel, accountID, peerID)
	}
}

// ParseSessionKey extracts the agentID and rest from a canonical session key.
// Returns ("", "") if the key is not in the expected format.
func ParseSessionKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// IsIdentitySession checks if a session key was folded via an identity link.
func IsIdentitySession(key string) bool {
	_, rest := ParseSessionKey(key)
	return strings.HasPrefix(rest, "identity:")
}

// PeerKindFromGroup returns PeerGroup if isGroup is true, PeerDirect otherwise.
func PeerKindFromGroup(isGroup bool) PeerKind {
	if isGroup {
		return PeerGroup
	}
	return PeerDirect
}

// NormalizePeerKind validates a raw peer kind string against the known kinds.
// Returns ("", false) for anything unrecognized.
func NormalizePeerKind(raw string) (PeerKind, bool) {
	switch PeerKind(normalizePart(raw)) {
	case PeerDirect:
		return PeerDirect, true
	case PeerGroup:
		return PeerGroup, true
	case PeerChannel:
		return PeerChannel, true
	}
	return "", false
}

func normalizeAgentID(id string) string {
	if id = normalizePart(id); id == "" {
		return "default"
	}
	return id
}

func normalizePart(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

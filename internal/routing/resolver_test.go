package routing

import (
	"reflect"
	"strings"
	"testing"
)

func bind(agentID, channel string, mutate ...func(*BindingMatch)) AgentBinding {
	b := AgentBinding{AgentID: agentID, Match: BindingMatch{Channel: channel}}
	for _, m := range mutate {
		m(&b.Match)
	}
	return b
}

func withAccount(id string) func(*BindingMatch) {
	return func(m *BindingMatch) { m.AccountID = id }
}

func withPeer(kind, id string) func(*BindingMatch) {
	return func(m *BindingMatch) { m.Peer = &BindingPeer{Kind: kind, ID: id} }
}

func withGuild(id string) func(*BindingMatch) {
	return func(m *BindingMatch) { m.GuildID = id }
}

func withTeam(id string) func(*BindingMatch) {
	return func(m *BindingMatch) { m.TeamID = id }
}

func withRoles(roles ...string) func(*BindingMatch) {
	return func(m *BindingMatch) { m.Roles = roles }
}

func TestResolveAgentRoute_Tiers(t *testing.T) {
	cfg := ResolverConfig{DefaultAgentID: "fallback"}

	tests := []struct {
		name        string
		bindings    []AgentBinding
		ctx         RouteContext
		wantAgent   string
		wantMatched string
	}{
		{
			name:        "empty bindings fall back to default",
			bindings:    nil,
			ctx:         RouteContext{Channel: "telegram"},
			wantAgent:   "fallback",
			wantMatched: MatchedByDefault,
		},
		{
			name: "peer beats guild",
			bindings: []AgentBinding{
				bind("guild-bot", "discord", withAccount("*"), withGuild("g1")),
				bind("peer-bot", "discord", withAccount("*"), withPeer("group", "c9")),
			},
			ctx: RouteContext{
				Channel: "discord",
				Peer:    &Peer{Kind: "group", ID: "c9"},
				GuildID: "g1",
			},
			wantAgent:   "peer-bot",
			wantMatched: MatchedByPeer,
		},
		{
			name: "parent peer matches threaded reply",
			bindings: []AgentBinding{
				bind("thread-bot", "slack", withAccount("*"), withPeer("channel", "c1")),
			},
			ctx: RouteContext{
				Channel:    "slack",
				Peer:       &Peer{Kind: "channel", ID: "c1.thread.77"},
				ParentPeer: &Peer{Kind: "channel", ID: "c1"},
			},
			wantAgent:   "thread-bot",
			wantMatched: MatchedByPeerParent,
		},
		{
			name: "guild+roles beats plain guild",
			bindings: []AgentBinding{
				bind("guild-bot", "discord", withAccount("*"), withGuild("g1")),
				bind("mod-bot", "discord", withAccount("*"), withGuild("g1"), withRoles("mod")),
			},
			ctx: RouteContext{
				Channel:       "discord",
				GuildID:       "g1",
				MemberRoleIDs: []string{"mod"},
			},
			wantAgent:   "mod-bot",
			wantMatched: MatchedByGuildRoles,
		},
		{
			name: "role mismatch falls to plain guild tier",
			bindings: []AgentBinding{
				bind("mod-bot", "discord", withAccount("*"), withGuild("g1"), withRoles("mod")),
				bind("guild-bot", "discord", withAccount("*"), withGuild("g1")),
			},
			ctx: RouteContext{
				Channel:       "discord",
				GuildID:       "g1",
				MemberRoleIDs: []string{"member"},
			},
			wantAgent:   "guild-bot",
			wantMatched: MatchedByGuild,
		},
		{
			name: "team tier",
			bindings: []AgentBinding{
				bind("team-bot", "slack", withAccount("*"), withTeam("T01")),
			},
			ctx:         RouteContext{Channel: "slack", TeamID: "T01"},
			wantAgent:   "team-bot",
			wantMatched: MatchedByTeam,
		},
		{
			name: "account-specific beats channel wildcard",
			bindings: []AgentBinding{
				bind("channel-bot", "telegram", withAccount("*")),
				bind("account-bot", "telegram", withAccount("bot-2")),
			},
			ctx:         RouteContext{Channel: "telegram", AccountID: "bot-2"},
			wantAgent:   "account-bot",
			wantMatched: MatchedByAccount,
		},
		{
			name: "wildcard account matches at channel tier",
			bindings: []AgentBinding{
				bind("channel-bot", "telegram", withAccount("*")),
			},
			ctx:         RouteContext{Channel: "telegram", AccountID: "whatever"},
			wantAgent:   "channel-bot",
			wantMatched: MatchedByChannel,
		},
		{
			name: "absent account pattern binds only the default account",
			bindings: []AgentBinding{
				bind("default-acct-bot", "telegram"),
			},
			ctx:         RouteContext{Channel: "telegram", AccountID: "bot-2"},
			wantAgent:   "fallback",
			wantMatched: MatchedByDefault,
		},
		{
			name: "channel matching is case and whitespace insensitive",
			bindings: []AgentBinding{
				bind("tg-bot", "telegram", withAccount("*")),
			},
			ctx:         RouteContext{Channel: " Telegram "},
			wantAgent:   "tg-bot",
			wantMatched: MatchedByChannel,
		},
		{
			name: "first declared wins within a tier",
			bindings: []AgentBinding{
				bind("first", "telegram", withAccount("*")),
				bind("second", "telegram", withAccount("*")),
			},
			ctx:         RouteContext{Channel: "telegram"},
			wantAgent:   "first",
			wantMatched: MatchedByChannel,
		},
		{
			name: "invalid peer constraint never matches and never widens",
			bindings: []AgentBinding{
				// Kind present but id empty: Invalid, not Absent.
				bind("broken", "telegram", withAccount("*"), withPeer("direct", "")),
			},
			ctx: RouteContext{
				Channel: "telegram",
				Peer:    &Peer{Kind: "direct", ID: "u1"},
			},
			wantAgent:   "fallback",
			wantMatched: MatchedByDefault,
		},
		{
			name: "unmatched peer constraint is skipped at channel tier",
			bindings: []AgentBinding{
				bind("other-chat", "telegram", withAccount("*"), withPeer("group", "-42")),
				bind("catch-all", "telegram", withAccount("*")),
			},
			ctx: RouteContext{
				Channel: "telegram",
				Peer:    &Peer{Kind: "direct", ID: "u1"},
			},
			wantAgent:   "catch-all",
			wantMatched: MatchedByChannel,
		},
		{
			name: "peer binding with incompatible guild is rejected",
			bindings: []AgentBinding{
				bind("wrong-guild", "discord", withAccount("*"), withPeer("group", "c9"), withGuild("g2")),
			},
			ctx: RouteContext{
				Channel: "discord",
				Peer:    &Peer{Kind: "group", ID: "c9"},
				GuildID: "g1",
			},
			wantAgent:   "fallback",
			wantMatched: MatchedByDefault,
		},
		{
			name: "peer id comparison is case-insensitive",
			bindings: []AgentBinding{
				bind("peer-bot", "telegram", withAccount("*"), withPeer("direct", "U1")),
			},
			ctx: RouteContext{
				Channel: "telegram",
				Peer:    &Peer{Kind: "DIRECT", ID: "u1"},
			},
			wantAgent:   "peer-bot",
			wantMatched: MatchedByPeer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveAgentRoute(tt.bindings, cfg, tt.ctx)
			if got.AgentID != tt.wantAgent {
				t.Errorf("AgentID = %q, want %q", got.AgentID, tt.wantAgent)
			}
			if got.MatchedBy != tt.wantMatched {
				t.Errorf("MatchedBy = %q, want %q", got.MatchedBy, tt.wantMatched)
			}
		})
	}
}

func TestResolveAgentRoute_Deterministic(t *testing.T) {
	bindings := []AgentBinding{
		bind("a", "telegram", withAccount("*"), withPeer("direct", "u1")),
		bind("b", "telegram", withAccount("*")),
	}
	ctx := RouteContext{Channel: "telegram", Peer: &Peer{Kind: "direct", ID: "u1"}}
	cfg := ResolverConfig{DefaultAgentID: "fallback"}

	first := ResolveAgentRoute(bindings, cfg, ctx)
	for i := 0; i < 20; i++ {
		if got := ResolveAgentRoute(bindings, cfg, ctx); !reflect.DeepEqual(got, first) {
			t.Fatalf("resolution not deterministic: %+v vs %+v", got, first)
		}
	}
}

func TestResolveAgentRoute_SessionKeys(t *testing.T) {
	bindings := []AgentBinding{bind("helper", "telegram", withAccount("*"))}
	cfg := ResolverConfig{DefaultAgentID: "fallback", MainKey: "main"}

	t.Run("peer context derives peer key", func(t *testing.T) {
		got := ResolveAgentRoute(bindings, cfg, RouteContext{
			Channel:   "Telegram",
			AccountID: "bot-1",
			Peer:      &Peer{Kind: "direct", ID: "U9"},
		})
		if got.SessionKey != "agent:helper:telegram:bot-1:direct:u9" {
			t.Errorf("SessionKey = %q", got.SessionKey)
		}
		if got.MainSessionKey != "agent:helper:main" {
			t.Errorf("MainSessionKey = %q", got.MainSessionKey)
		}
		if got.Channel != "telegram" || got.AccountID != "bot-1" {
			t.Errorf("normalized channel/account = %q/%q", got.Channel, got.AccountID)
		}
	})

	t.Run("no peer falls back to main key", func(t *testing.T) {
		got := ResolveAgentRoute(bindings, cfg, RouteContext{Channel: "telegram"})
		if got.SessionKey != got.MainSessionKey {
			t.Errorf("SessionKey = %q, want main key %q", got.SessionKey, got.MainSessionKey)
		}
	})

	t.Run("lowercase output", func(t *testing.T) {
		got := ResolveAgentRoute(bindings, cfg, RouteContext{
			Channel: "TELEGRAM",
			Peer:    &Peer{Kind: "direct", ID: "UserNine"},
		})
		for _, k := range []string{got.SessionKey, got.MainSessionKey} {
			if k != strings.ToLower(k) {
				t.Errorf("session key not lowercase: %q", k)
			}
		}
	})
}

func TestListBoundAccountIDs(t *testing.T) {
	bindings := []AgentBinding{
		bind("a", "telegram", withAccount("bot-1")),
		bind("b", "telegram", withAccount("*")),
		bind("c", "telegram", withAccount("bot-2")),
		bind("d", "telegram", withAccount("bot-1")), // duplicate
		bind("e", "discord", withAccount("other")),
		bind("f", "telegram"), // absent pattern
	}

	got := ListBoundAccountIDs(bindings, "Telegram")
	want := []string{"bot-1", "bot-2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListBoundAccountIDs() = %v, want %v", got, want)
	}
}

func TestPickFirstExistingAgentID(t *testing.T) {
	tests := []struct {
		requested string
		fallback  string
		want      string
	}{
		{"helper", "default", "helper"},
		{"  helper  ", "default", "helper"},
		{"", "default", "default"},
		{"   ", "default", "default"},
	}

	for _, tt := range tests {
		if got := PickFirstExistingAgentID(tt.requested, tt.fallback); got != tt.want {
			t.Errorf("PickFirstExistingAgentID(%q, %q) = %q, want %q", tt.requested, tt.fallback, got, tt.want)
		}
	}
}

// Package config holds the gateway configuration: agent bindings, session
// scoping, routing rules and the admin gateway settings. Loaded from a JSON5
// file with env-var overlays; hot-reloadable via Watch.
package config

import (
	"sync"
	"time"

	"github.com/copperline/agentrelay/internal/routing"
	"github.com/copperline/agentrelay/internal/sessions"
)

// Config is the root configuration for the relay gateway.
type Config struct {
	DefaultAgent string                 `json:"defaultAgent,omitempty"`
	Bindings     []routing.AgentBinding `json:"bindings,omitempty"`
	Sessions     SessionsConfig         `json:"sessions,omitempty"`
	Router       RouterConfig           `json:"router,omitempty"`
	Ownership    OwnershipConfig        `json:"ownership,omitempty"`
	Gateway      GatewayConfig          `json:"gateway,omitempty"`
	Telemetry    TelemetryConfig        `json:"telemetry,omitempty"`
	mu           sync.RWMutex
}

// SessionsConfig controls session-key derivation policy.
type SessionsConfig struct {
	DMScope       string            `json:"dmScope,omitempty"` // main | per-peer | per-channel-peer | per-account-channel-peer
	MainKey       string            `json:"mainKey,omitempty"` // default "main"
	IdentityLinks map[string]string `json:"identityLinks,omitempty"` // "{channel}:{peerId}" -> canonical identity
}

// RouterConfig declares the reply rule chain, evaluated in the order the
// rules appear here.
type RouterConfig struct {
	AllowedSenders  []string        `json:"allowedSenders,omitempty"` // empty = no allowlist rule
	BlockedKeywords []string        `json:"blockedKeywords,omitempty"`
	AllowedRoles    []string        `json:"allowedRoles,omitempty"`
	BlockedRoles    []string        `json:"blockedRoles,omitempty"`
	RoleRoutes      []RoleRoute     `json:"roleRoutes,omitempty"`
	Echo            bool            `json:"echo,omitempty"` // append terminal echo rule
	DefaultTarget   *DeliveryTarget `json:"defaultTarget,omitempty"`
}

// RoleRoute maps a role id to a delivery target, optionally with a priority.
// Routes carrying a priority form a PriorityRoleRoutingRule; the rest form a
// plain RoleRoutingRule.
type RoleRoute struct {
	Role      string `json:"role"`
	Priority  int    `json:"priority,omitempty"`
	Connector string `json:"connector"`
	To        string `json:"to"`
}

// DeliveryTarget mirrors routing.DeliveryTarget for config declaration.
type DeliveryTarget struct {
	Connector string `json:"connector"`
	To        string `json:"to"`
	ThreadID  string `json:"threadId,omitempty"`
	AccountID string `json:"accountId,omitempty"`
}

// OwnershipConfig controls thread-claim TTLs.
type OwnershipConfig struct {
	ClaimTTLSecs int `json:"claimTtlSecs,omitempty"` // 0 = claims never expire
}

// GatewayConfig configures the admin HTTP/WebSocket server.
type GatewayConfig struct {
	Host           string   `json:"host,omitempty"`
	Port           int      `json:"port,omitempty"`
	Token          string   `json:"-"` // from env AGENTRELAY_GATEWAY_TOKEN only (secret)
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
	RateLimitRPM   int      `json:"rateLimitRpm,omitempty"` // outbound per-connector; 0 = unlimited
}

// TelemetryConfig configures OpenTelemetry OTLP trace export. When enabled,
// dispatch spans are exported to an OTLP-compatible backend (Jaeger, Tempo,
// Datadog, etc.).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS (local dev)
	ServiceName string            `json:"service_name,omitempty"` // default "agentrelay"
	Headers     map[string]string `json:"headers,omitempty"`      // auth tokens for cloud backends
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the config watcher on hot reload.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DefaultAgent = src.DefaultAgent
	c.Bindings = src.Bindings
	c.Sessions = src.Sessions
	c.Router = src.Router
	c.Ownership = src.Ownership
	c.Gateway = src.Gateway
	c.Telemetry = src.Telemetry
}

// Snapshot is a point-in-time copy of the config data, safe to read without
// locking during dispatch. Bindings share the underlying array; treat them as
// read-only.
type Snapshot struct {
	DefaultAgent string
	Bindings     []routing.AgentBinding
	Sessions     SessionsConfig
	Router       RouterConfig
	Ownership    OwnershipConfig
	Gateway      GatewayConfig
	Telemetry    TelemetryConfig
}

// Snapshot captures the current config data under the read lock.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		DefaultAgent: c.DefaultAgent,
		Bindings:     c.Bindings,
		Sessions:     c.Sessions,
		Router:       c.Router,
		Ownership:    c.Ownership,
		Gateway:      c.Gateway,
		Telemetry:    c.Telemetry,
	}
}

// ResolverConfig builds the routing.ResolverConfig view of this snapshot.
func (s Snapshot) ResolverConfig() routing.ResolverConfig {
	links := make(sessions.IdentityLinks, len(s.Sessions.IdentityLinks))
	for k, v := range s.Sessions.IdentityLinks {
		links[k] = v
	}
	return routing.ResolverConfig{
		DefaultAgentID: s.DefaultAgent,
		DMScope:        s.Sessions.DMScope,
		MainKey:        s.Sessions.MainKey,
		IdentityLinks:  links,
	}
}

// ClaimTTL returns the configured thread-claim TTL as a duration.
func (s Snapshot) ClaimTTL() time.Duration {
	return time.Duration(s.Ownership.ClaimTTLSecs) * time.Second
}

// BuildRouter constructs the reply rule chain from RouterConfig. Rule order:
// blocklist, allowlist, priority roles, role routes, optional echo terminal.
func (rc RouterConfig) BuildRouter() *routing.Router {
	var rules []routing.RoutingRule

	if len(rc.BlockedKeywords) > 0 {
		rules = append(rules, routing.BlocklistRule{Keywords: rc.BlockedKeywords})
	}
	if len(rc.AllowedSenders) > 0 {
		rules = append(rules, routing.AllowlistRoutingRule{AllowedSenders: rc.AllowedSenders})
	}

	var prioritized *routing.PriorityRoleRoutingRule
	plain := routing.RoleRoutingRule{
		RoleTargets:  map[string]routing.DeliveryTarget{},
		AllowedRoles: rc.AllowedRoles,
		BlockedRoles: rc.BlockedRoles,
	}
	for _, rr := range rc.RoleRoutes {
		target := routing.DeliveryTarget{Connector: rr.Connector, To: rr.To}
		if rr.Priority != 0 {
			if prioritized == nil {
				prioritized = &routing.PriorityRoleRoutingRule{}
			}
			prioritized.Register(rr.Role, rr.Priority, target)
		} else {
			plain.RoleTargets[rr.Role] = target
		}
	}
	if prioritized != nil {
		rules = append(rules, prioritized)
	}
	if len(plain.RoleTargets) > 0 || len(plain.AllowedRoles) > 0 || len(plain.BlockedRoles) > 0 {
		rules = append(rules, plain)
	}
	if rc.Echo {
		rules = append(rules, routing.EchoRoutingRule{})
	}

	var def *routing.DeliveryTarget
	if t := rc.DefaultTarget; t != nil {
		def = &routing.DeliveryTarget{Connector: t.Connector, To: t.To, ThreadID: t.ThreadID, AccountID: t.AccountID}
	}
	return routing.NewRouter(def, rules...)
}

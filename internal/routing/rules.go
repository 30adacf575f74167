package routing

import (
	"sort"
	"strings"
)

// RoutingRule is one link in the router's chain. Evaluate never fails:
// absence of an opinion is Fallthrough, rejection is Drop.
type RoutingRule interface {
	Name() string
	Evaluate(ctx *MessageContext) RouteDecision
}

// Router evaluates an ordered rule chain against a message context.
type Router struct {
	rules         []RoutingRule
	defaultTarget *DeliveryTarget
}

// NewRouter builds a router over the given rules. defaultTarget resolves a
// full-chain fallthrough; nil means fallthrough becomes a drop.
func NewRouter(defaultTarget *DeliveryTarget, rules ...RoutingRule) *Router {
	return &Router{rules: rules, defaultTarget: defaultTarget}
}

// Rules returns the chain in evaluation order.
func (r *Router) Rules() []RoutingRule { return r.rules }

// Route runs the chain: the first rule returning anything other than
// Fallthrough short-circuits. A caller never observes Fallthrough — when
// every rule defers, the default target (if configured) wins, otherwise the
// message is dropped.
func (r *Router) Route(ctx *MessageContext) RouteDecision {
	for _, rule := range r.rules {
		if d := rule.Evaluate(ctx); d.Kind != DecisionFallthrough {
			return d
		}
	}
	if r.defaultTarget != nil {
		return Deliver(*r.defaultTarget)
	}
	return Drop("no matching route")
}

// EchoRoutingRule always delivers back to the sender on the same connector.
// Used as a terminal fallback rule.
type EchoRoutingRule struct{}

func (EchoRoutingRule) Name() string { return "echo" }

func (EchoRoutingRule) Evaluate(ctx *MessageContext) RouteDecision {
	return Deliver(DeliveryTarget{
		Connector: ctx.Connector,
		To:        ctx.From,
		ThreadID:  ctx.ThreadID,
		AccountID: ctx.AccountID,
	})
}

// BlocklistRule drops messages whose text contains any configured keyword
// (case-insensitive substring match).
type BlocklistRule struct {
	Keywords []string
}

func (BlocklistRule) Name() string { return "blocklist" }

func (r BlocklistRule) Evaluate(ctx *MessageContext) RouteDecision {
	text := strings.ToLower(ctx.Text)
	for _, kw := range r.Keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(text, strings.ToLower(kw)) {
			return Drop("blocked keyword: %s", kw)
		}
	}
	return Fallthrough()
}

// AllowlistRoutingRule drops messages from senders outside the allowlist.
// Allowed senders fall through so later rules decide the destination.
// A "*" entry allows everyone.
type AllowlistRoutingRule struct {
	AllowedSenders []string
}

func (AllowlistRoutingRule) Name() string { return "allowlist" }

func (r AllowlistRoutingRule) Evaluate(ctx *MessageContext) RouteDecision {
	for _, s := range r.AllowedSenders {
		if s == "*" || s == ctx.From {
			return Fallthrough()
		}
	}
	return Drop("sender %s not allowlisted", ctx.From)
}

// RoleRoutingRule routes by the sender's role memberships. Blocked roles
// reject outright; when AllowedRoles is set, at least one context role must
// intersect it; a role with a target entry delivers there (first matching
// role in the context's role list wins).
type RoleRoutingRule struct {
	RoleTargets  map[string]DeliveryTarget
	AllowedRoles []string // nil = any role allowed
	BlockedRoles []string
}

func (RoleRoutingRule) Name() string { return "role" }

func (r RoleRoutingRule) Evaluate(ctx *MessageContext) RouteDecision {
	for _, role := range ctx.RoleIDs {
		for _, blocked := range r.BlockedRoles {
			if role == blocked {
				return Drop("role %s is blocked", role)
			}
		}
	}

	if len(r.AllowedRoles) > 0 {
		allowed := false
	outer:
		for _, role := range ctx.RoleIDs {
			for _, a := range r.AllowedRoles {
				if role == a {
					allowed = true
					break outer
				}
			}
		}
		if !allowed {
			return Drop("no allowed role present")
		}
	}

	for _, role := range ctx.RoleIDs {
		if target, ok := r.RoleTargets[role]; ok {
			return Deliver(target)
		}
	}
	return Fallthrough()
}

// PriorityRoleRoutingRule routes to the target of the highest-priority role
// present in the message context.
type PriorityRoleRoutingRule struct {
	entries []priorityRole
}

type priorityRole struct {
	role     string
	priority int
	target   DeliveryTarget
}

func (*PriorityRoleRoutingRule) Name() string { return "priority-role" }

// Register adds a role with a numeric priority; entries are kept sorted
// descending, registration order breaking ties.
func (r *PriorityRoleRoutingRule) Register(role string, priority int, target DeliveryTarget) {
	r.entries = append(r.entries, priorityRole{role: role, priority: priority, target: target})
	sort.SliceStable(r.entries, func(i, j int) bool {
		return r.entries[i].priority > r.entries[j].priority
	})
}

func (r *PriorityRoleRoutingRule) Evaluate(ctx *MessageContext) RouteDecision {
	for _, e := range r.entries {
		for _, role := range ctx.RoleIDs {
			if role == e.role {
				return Deliver(e.target)
			}
		}
	}
	return Fallthrough()
}

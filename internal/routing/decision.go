package routing

import "fmt"

// DeliveryTarget tells a transport adapter where to send a reply.
type DeliveryTarget struct {
	Connector string `json:"connector"`
	To        string `json:"to"`
	ThreadID  string `json:"threadId,omitempty"`
	AccountID string `json:"accountId,omitempty"`
}

// DecisionKind tags a RouteDecision variant.
type DecisionKind int

const (
	// DecisionFallthrough signals a rule has no opinion; only meaningful
	// between rules in a chain, never observed by callers of Router.Route.
	DecisionFallthrough DecisionKind = iota
	DecisionDeliver
	DecisionDrop
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionDeliver:
		return "deliver"
	case DecisionDrop:
		return "drop"
	default:
		return "fallthrough"
	}
}

// RouteDecision is the outcome of evaluating a routing rule (or a whole
// chain): deliver somewhere, drop with a reason, or fall through.
type RouteDecision struct {
	Kind   DecisionKind   `json:"kind"`
	Target DeliveryTarget `json:"target,omitempty"` // valid when Kind == DecisionDeliver
	Reason string         `json:"reason,omitempty"` // valid when Kind == DecisionDrop
}

// Deliver builds a deliver decision for the given target.
func Deliver(target DeliveryTarget) RouteDecision {
	return RouteDecision{Kind: DecisionDeliver, Target: target}
}

// Drop builds a drop decision with a human-readable reason.
func Drop(format string, args ...any) RouteDecision {
	return RouteDecision{Kind: DecisionDrop, Reason: fmt.Sprintf(format, args...)}
}

// Fallthrough defers to the next rule in the chain.
func Fallthrough() RouteDecision {
	return RouteDecision{Kind: DecisionFallthrough}
}

// MessageContext is the per-message input to the rule chain: who sent what,
// where, with which roles. Built from the inbound envelope after an agent has
// already been chosen.
type MessageContext struct {
	Connector string   `json:"connector"`
	From      string   `json:"from"`
	AccountID string   `json:"accountId,omitempty"`
	ThreadID  string   `json:"threadId,omitempty"`
	Text      string   `json:"text,omitempty"`
	RoleIDs   []string `json:"roleIds,omitempty"`
	Mentioned bool     `json:"mentioned,omitempty"`
}

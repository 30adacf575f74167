// Package protocol defines the event names pushed to gateway WebSocket
// observers and the protocol version they negotiate against.
package protocol

// ProtocolVersion increments on breaking changes to event payload shapes.
const ProtocolVersion = 1

// WebSocket event names pushed from server to client.
const (
	EventHealth   = "health"
	EventShutdown = "shutdown"

	// Dispatch pipeline events (payload: run_id plus the resolved route or
	// decision fields as a flat object).
	EventRouteResolved = "route.resolved"
	EventRouteDecision = "route.decision"
	EventRouteDropped  = "route.dropped"

	// Thread ownership events (payload: thread_id, owner_id, agent_id).
	EventThreadClaimed   = "thread.claimed"
	EventThreadContested = "thread.contested"
	EventThreadReleased  = "thread.released"
)

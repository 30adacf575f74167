// Package dispatch hosts the message pipeline: inbound envelope → binding
// resolution → thread-ownership gate → responder → reply rule chain →
// outbound delivery. The routing/ownership packages stay pure; all logging,
// rate limiting and tracing for the pipeline live here.
package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/copperline/agentrelay/internal/bus"
	"github.com/copperline/agentrelay/internal/config"
	"github.com/copperline/agentrelay/internal/ownership"
	"github.com/copperline/agentrelay/internal/routing"
	"github.com/copperline/agentrelay/pkg/protocol"
)

// Responder produces a reply for a routed message. Agent reasoning is an
// external collaborator; the dispatcher only knows this contract. An empty
// reply with nil error means "nothing to say" and suppresses delivery.
type Responder interface {
	Respond(ctx context.Context, route routing.ResolvedAgentRoute, env bus.Envelope) (string, error)
}

// ResponderFunc adapts a function to the Responder interface.
type ResponderFunc func(ctx context.Context, route routing.ResolvedAgentRoute, env bus.Envelope) (string, error)

func (f ResponderFunc) Respond(ctx context.Context, route routing.ResolvedAgentRoute, env bus.Envelope) (string, error) {
	return f(ctx, route, env)
}

// Dispatcher consumes inbound envelopes and drives them through resolution,
// ownership gating, the responder and the reply rule chain.
type Dispatcher struct {
	cfg       *config.Config
	bus       *bus.MessageBus
	owners    *ownership.Registry
	responder Responder
	events    bus.EventPublisher // nil = no event broadcast
	tracer    trace.Tracer

	mu       sync.Mutex
	router   *routing.Router
	limiters map[string]*rate.Limiter // per connector
}

// New creates a dispatcher. events may be nil.
func New(cfg *config.Config, msgBus *bus.MessageBus, owners *ownership.Registry, responder Responder, events bus.EventPublisher) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg,
		bus:       msgBus,
		owners:    owners,
		responder: responder,
		events:    events,
		tracer:    otel.Tracer("agentrelay/dispatch"),
		limiters:  make(map[string]*rate.Limiter),
	}
	d.router = cfg.Snapshot().Router.BuildRouter()
	return d
}

// ReloadRules rebuilds the reply rule chain from the current config.
// Called by the config watcher on hot reload.
func (d *Dispatcher) ReloadRules() {
	router := d.cfg.Snapshot().Router.BuildRouter()
	d.mu.Lock()
	d.router = router
	d.limiters = make(map[string]*rate.Limiter)
	d.mu.Unlock()
	slog.Info("dispatch: reply rule chain rebuilt", "rules", len(router.Rules()))
}

// Run consumes inbound messages until ctx is cancelled. Each message is
// handled on its own goroutine so one slow responder doesn't stall the
// queue.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("dispatch: consuming inbound messages")
	for {
		env, ok := d.bus.ConsumeInbound(ctx)
		if !ok {
			slog.Info("dispatch: inbound consumer stopped")
			return
		}
		go d.Handle(ctx, env)
	}
}

// Handle drives one envelope through the full pipeline.
func (d *Dispatcher) Handle(ctx context.Context, env bus.Envelope) {
	runID := uuid.NewString()
	snap := d.cfg.Snapshot()

	ctx, span := d.tracer.Start(ctx, "dispatch.handle", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("connector", env.Connector),
		attribute.String("sender.id", env.SenderID),
	))
	defer span.End()

	// 1. Binding resolution: which agent, which session.
	route := routing.ResolveAgentRoute(snap.Bindings, snap.ResolverConfig(), routeContext(env))
	span.SetAttributes(
		attribute.String("agent.id", route.AgentID),
		attribute.String("route.matched_by", route.MatchedBy),
		attribute.String("session.key", route.SessionKey),
	)
	slog.Debug("dispatch: route resolved",
		"run", runID, "agent", route.AgentID, "matched_by", route.MatchedBy, "session", route.SessionKey)
	d.broadcast(protocol.EventRouteResolved, map[string]any{
		"run_id": runID, "agent_id": route.AgentID,
		"matched_by": route.MatchedBy, "session_key": route.SessionKey,
	})

	// 2. Ownership gate: exactly one instance answers a thread.
	threadID := env.ThreadID
	if threadID == "" {
		threadID = route.SessionKey
	}
	if !ownership.ShouldHandle(d.owners, threadID, route.AgentID, snap.ClaimTTL()) {
		owner, _ := d.owners.GetOwner(threadID)
		span.SetAttributes(attribute.String("thread.contested_by", owner.OwnerID))
		slog.Info("dispatch: thread owned elsewhere, yielding",
			"run", runID, "thread", threadID, "owner", owner.OwnerID, "agent", route.AgentID)
		d.broadcast(protocol.EventThreadContested, map[string]any{
			"thread_id": threadID, "owner_id": owner.OwnerID, "agent_id": route.AgentID,
		})
		return
	}
	d.broadcast(protocol.EventThreadClaimed, map[string]any{
		"thread_id": threadID, "owner_id": route.AgentID,
	})

	// 3. Responder: the external agent produces a reply.
	reply, err := d.responder.Respond(ctx, route, env)
	if err != nil {
		span.RecordError(err)
		slog.Error("dispatch: responder failed", "run", runID, "agent", route.AgentID, "error", err)
		return
	}
	if reply == "" {
		slog.Debug("dispatch: empty reply, nothing to deliver", "run", runID, "agent", route.AgentID)
		return
	}

	// 4. Reply rule chain: deliver, drop, or default.
	d.mu.Lock()
	router := d.router
	d.mu.Unlock()

	decision := router.Route(&routing.MessageContext{
		Connector: env.Connector,
		From:      env.SenderID,
		AccountID: route.AccountID,
		ThreadID:  env.ThreadID,
		Text:      env.Text,
		RoleIDs:   env.MemberRoleIDs,
		Mentioned: env.Mentioned,
	})
	span.SetAttributes(attribute.String("route.decision", decision.Kind.String()))

	switch decision.Kind {
	case routing.DecisionDeliver:
		if !d.allowOutbound(decision.Target.Connector, snap.Gateway.RateLimitRPM) {
			slog.Warn("dispatch: outbound rate limited, dropping reply",
				"run", runID, "connector", decision.Target.Connector)
			return
		}
		d.bus.PublishOutbound(bus.OutboundMessage{
			Connector: decision.Target.Connector,
			To:        decision.Target.To,
			Text:      reply,
			ThreadID:  decision.Target.ThreadID,
			AccountID: decision.Target.AccountID,
		})
		slog.Info("dispatch: reply delivered",
			"run", runID, "agent", route.AgentID,
			"connector", decision.Target.Connector, "to", decision.Target.To)
		d.broadcast(protocol.EventRouteDecision, map[string]any{
			"run_id": runID, "decision": "deliver",
			"connector": decision.Target.Connector, "to": decision.Target.To,
		})
	case routing.DecisionDrop:
		slog.Info("dispatch: reply dropped", "run", runID, "agent", route.AgentID, "reason", decision.Reason)
		d.broadcast(protocol.EventRouteDropped, map[string]any{
			"run_id": runID, "reason": decision.Reason,
		})
	}
}

// allowOutbound enforces the per-connector outbound rate limit.
// rpm <= 0 disables limiting.
func (d *Dispatcher) allowOutbound(connector string, rpm int) bool {
	if rpm <= 0 {
		return true
	}
	d.mu.Lock()
	lim, ok := d.limiters[connector]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
		d.limiters[connector] = lim
	}
	d.mu.Unlock()
	return lim.Allow()
}

func (d *Dispatcher) broadcast(name string, payload any) {
	if d.events != nil {
		d.events.Broadcast(bus.Event{Name: name, Payload: payload})
	}
}

// routeContext builds the resolver input from an inbound envelope.
func routeContext(env bus.Envelope) routing.RouteContext {
	rc := routing.RouteContext{
		Channel:       env.Connector,
		AccountID:     env.AccountID,
		GuildID:       env.GuildID,
		TeamID:        env.TeamID,
		MemberRoleIDs: env.MemberRoleIDs,
	}
	if p := env.Peer; p != nil {
		rc.Peer = &routing.Peer{Kind: p.Kind, ID: p.ID}
	}
	if p := env.ParentPeer; p != nil {
		rc.ParentPeer = &routing.Peer{Kind: p.Kind, ID: p.ID}
	}
	return rc
}

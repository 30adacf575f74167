package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/copperline/agentrelay/internal/bus"
	"github.com/copperline/agentrelay/internal/config"
	"github.com/copperline/agentrelay/internal/ownership"
	"github.com/copperline/agentrelay/internal/routing"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.DefaultAgent = "helper"
	cfg.Bindings = []routing.AgentBinding{
		{AgentID: "support", Match: routing.BindingMatch{Channel: "telegram"}},
	}
	cfg.Router.Echo = true
	return cfg
}

func inboundEnvelope() bus.Envelope {
	return bus.Envelope{
		Connector: "telegram",
		SenderID:  "user-1",
		ChatID:    "chat-9",
		Text:      "hello there",
		Peer:      &bus.PeerRef{Kind: "direct", ID: "user-1"},
	}
}

func consumeOutbound(t *testing.T, b *bus.MessageBus) (bus.OutboundMessage, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return b.ConsumeOutbound(ctx)
}

func TestHandleDeliversEchoReply(t *testing.T) {
	cfg := testConfig()
	msgBus := bus.NewMessageBus()
	owners := ownership.NewRegistry()

	var gotRoute routing.ResolvedAgentRoute
	responder := ResponderFunc(func(_ context.Context, route routing.ResolvedAgentRoute, env bus.Envelope) (string, error) {
		gotRoute = route
		return "echo: " + env.Text, nil
	})

	d := New(cfg, msgBus, owners, responder, nil)
	d.Handle(context.Background(), inboundEnvelope())

	if gotRoute.AgentID != "support" {
		t.Fatalf("agent = %q, want support", gotRoute.AgentID)
	}
	// An absent account pattern is account-specific to the default account,
	// so the binding lands in the account tier, not the channel tier.
	if gotRoute.MatchedBy != routing.MatchedByAccount {
		t.Fatalf("matched_by = %q, want %q", gotRoute.MatchedBy, routing.MatchedByAccount)
	}

	out, ok := consumeOutbound(t, msgBus)
	if !ok {
		t.Fatal("expected an outbound message")
	}
	if out.Connector != "telegram" || out.To != "user-1" {
		t.Fatalf("delivered to %s/%s, want telegram/user-1", out.Connector, out.To)
	}
	if out.Text != "echo: hello there" {
		t.Fatalf("text = %q", out.Text)
	}
}

func TestHandleYieldsWhenThreadOwnedElsewhere(t *testing.T) {
	cfg := testConfig()
	msgBus := bus.NewMessageBus()
	owners := ownership.NewRegistry()

	env := inboundEnvelope()
	env.ThreadID = "thread-42"
	if res := owners.Claim("thread-42", "other-instance", 0); res.Status != ownership.Claimed {
		t.Fatalf("pre-claim status = %v", res.Status)
	}

	called := false
	responder := ResponderFunc(func(context.Context, routing.ResolvedAgentRoute, bus.Envelope) (string, error) {
		called = true
		return "should not run", nil
	})

	d := New(cfg, msgBus, owners, responder, nil)
	d.Handle(context.Background(), env)

	if called {
		t.Fatal("responder ran on a contested thread")
	}
	if _, ok := consumeOutbound(t, msgBus); ok {
		t.Fatal("unexpected outbound message on contested thread")
	}
}

func TestHandleDropsBlockedKeyword(t *testing.T) {
	cfg := testConfig()
	cfg.Router.BlockedKeywords = []string{"spam"}
	msgBus := bus.NewMessageBus()
	owners := ownership.NewRegistry()

	env := inboundEnvelope()
	env.Text = "free SPAM offer"

	responder := ResponderFunc(func(context.Context, routing.ResolvedAgentRoute, bus.Envelope) (string, error) {
		return "reply", nil
	})

	d := New(cfg, msgBus, owners, responder, nil)
	d.Handle(context.Background(), env)

	if _, ok := consumeOutbound(t, msgBus); ok {
		t.Fatal("blocked message was delivered")
	}
}

func TestHandleSkipsEmptyReply(t *testing.T) {
	cfg := testConfig()
	msgBus := bus.NewMessageBus()
	owners := ownership.NewRegistry()

	responder := ResponderFunc(func(context.Context, routing.ResolvedAgentRoute, bus.Envelope) (string, error) {
		return "", nil
	})

	d := New(cfg, msgBus, owners, responder, nil)
	d.Handle(context.Background(), inboundEnvelope())

	if _, ok := consumeOutbound(t, msgBus); ok {
		t.Fatal("empty reply produced an outbound message")
	}
}

func TestHandleResponderError(t *testing.T) {
	cfg := testConfig()
	msgBus := bus.NewMessageBus()
	owners := ownership.NewRegistry()

	responder := ResponderFunc(func(context.Context, routing.ResolvedAgentRoute, bus.Envelope) (string, error) {
		return "", errors.New("model unavailable")
	})

	d := New(cfg, msgBus, owners, responder, nil)
	d.Handle(context.Background(), inboundEnvelope())

	if _, ok := consumeOutbound(t, msgBus); ok {
		t.Fatal("responder error still delivered a message")
	}
}

func TestHandleClaimsSessionKeyWhenNoThreadID(t *testing.T) {
	cfg := testConfig()
	msgBus := bus.NewMessageBus()
	owners := ownership.NewRegistry()

	responder := ResponderFunc(func(context.Context, routing.ResolvedAgentRoute, bus.Envelope) (string, error) {
		return "ok", nil
	})

	d := New(cfg, msgBus, owners, responder, nil)
	d.Handle(context.Background(), inboundEnvelope())

	claims := owners.List()
	if len(claims) != 1 {
		t.Fatalf("claims = %d, want 1", len(claims))
	}
	if !strings.HasPrefix(claims[0].ThreadID, "agent:support:") {
		t.Fatalf("claimed thread %q, want session key", claims[0].ThreadID)
	}
	if claims[0].OwnerID != "support" {
		t.Fatalf("owner = %q, want support", claims[0].OwnerID)
	}
}

func TestHandleBroadcastsEvents(t *testing.T) {
	cfg := testConfig()
	msgBus := bus.NewMessageBus()
	owners := ownership.NewRegistry()

	var events []bus.Event
	pub := publisherFunc(func(ev bus.Event) { events = append(events, ev) })

	responder := ResponderFunc(func(context.Context, routing.ResolvedAgentRoute, bus.Envelope) (string, error) {
		return "hi", nil
	})

	d := New(cfg, msgBus, owners, responder, pub)
	d.Handle(context.Background(), inboundEnvelope())

	names := make([]string, 0, len(events))
	for _, ev := range events {
		names = append(names, ev.Name)
	}
	want := []string{"route.resolved", "thread.claimed", "route.decision"}
	if len(names) != len(want) {
		t.Fatalf("events = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("events = %v, want %v", names, want)
		}
	}
}

func TestOutboundRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.RateLimitRPM = 1
	msgBus := bus.NewMessageBus()
	owners := ownership.NewRegistry()

	responder := ResponderFunc(func(context.Context, routing.ResolvedAgentRoute, bus.Envelope) (string, error) {
		return "reply", nil
	})

	d := New(cfg, msgBus, owners, responder, nil)

	env := inboundEnvelope()
	d.Handle(context.Background(), env)
	env.ThreadID = "another-thread"
	d.Handle(context.Background(), env)

	if _, ok := consumeOutbound(t, msgBus); !ok {
		t.Fatal("first reply should pass the limiter")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, ok := msgBus.ConsumeOutbound(ctx); ok {
		t.Fatal("second reply should be rate limited")
	}
}

func TestReloadRulesPicksUpNewBlocklist(t *testing.T) {
	cfg := testConfig()
	msgBus := bus.NewMessageBus()
	owners := ownership.NewRegistry()

	responder := ResponderFunc(func(context.Context, routing.ResolvedAgentRoute, bus.Envelope) (string, error) {
		return "reply", nil
	})

	d := New(cfg, msgBus, owners, responder, nil)
	cfg.Router.BlockedKeywords = []string{"hello"}
	d.ReloadRules()

	d.Handle(context.Background(), inboundEnvelope())
	if _, ok := consumeOutbound(t, msgBus); ok {
		t.Fatal("reloaded blocklist was not applied")
	}
}

type publisherFunc func(bus.Event)

func (f publisherFunc) Broadcast(ev bus.Event) { f(ev) }

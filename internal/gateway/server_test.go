package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/copperline/agentrelay/internal/bus"
	"github.com/copperline/agentrelay/internal/config"
	"github.com/copperline/agentrelay/internal/ownership"
	"github.com/copperline/agentrelay/internal/routing"
)

func startServer(t *testing.T, cfg *config.Config, owners *ownership.Registry) (*Server, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := NewServer(cfg, owners)
	addr, start := StartTestServer(s, ctx)
	go start()

	// Wait for the listener to accept.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/health")
		if err == nil {
			resp.Body.Close()
			return s, addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("test server did not come up")
	return nil, ""
}

func TestHealth(t *testing.T) {
	_, addr := startServer(t, config.Default(), ownership.NewRegistry())

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status   string `json:"status"`
		Protocol int    `json:"protocol"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("status = %q, want ok", body.Status)
	}
}

func TestClaimsListAndRelease(t *testing.T) {
	owners := ownership.NewRegistry()
	owners.Claim("thread-1", "agent-a", 0)
	_, addr := startServer(t, config.Default(), owners)

	resp, err := http.Get("http://" + addr + "/api/claims")
	if err != nil {
		t.Fatalf("list claims: %v", err)
	}
	var list struct {
		Claims []ownership.ThreadOwner `json:"claims"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if len(list.Claims) != 1 || list.Claims[0].ThreadID != "thread-1" {
		t.Fatalf("claims = %+v", list.Claims)
	}

	body, _ := json.Marshal(map[string]string{"thread_id": "thread-1"})
	resp, err = http.Post("http://"+addr+"/api/claims/release", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	var rel struct {
		Released bool `json:"released"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if !rel.Released {
		t.Fatal("expected released=true")
	}
	if _, ok := owners.GetOwner("thread-1"); ok {
		t.Fatal("claim still present after force release")
	}
}

func TestTokenAuth(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.Token = "secret"
	_, addr := startServer(t, cfg, ownership.NewRegistry())

	resp, err := http.Get("http://" + addr + "/api/claims")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, "http://"+addr+"/api/claims", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get with token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("with token: status = %d, want 200", resp.StatusCode)
	}
}

func TestRoutesExplain(t *testing.T) {
	cfg := config.Default()
	cfg.DefaultAgent = "fallback"
	cfg.Bindings = []routing.AgentBinding{
		{AgentID: "ops", Match: routing.BindingMatch{Channel: "slack", TeamID: "T1"}},
	}
	_, addr := startServer(t, cfg, ownership.NewRegistry())

	body, _ := json.Marshal(map[string]any{
		"channel": "slack",
		"teamId":  "T1",
		"peer":    map[string]string{"kind": "direct", "id": "U7"},
	})
	resp, err := http.Post("http://"+addr+"/api/routes/explain", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	defer resp.Body.Close()

	var got struct {
		AgentID   string `json:"agent_id"`
		MatchedBy string `json:"matched_by"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.AgentID != "ops" {
		t.Fatalf("agent = %q, want ops", got.AgentID)
	}
	if got.MatchedBy != routing.MatchedByTeam {
		t.Fatalf("matched_by = %q, want %q", got.MatchedBy, routing.MatchedByTeam)
	}
}

func TestWebSocketEventStream(t *testing.T) {
	s, addr := startServer(t, config.Default(), ownership.NewRegistry())

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the server time to register the client before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.RLock()
		n := len(s.clients)
		s.mu.RUnlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.Broadcast(bus.Event{Name: "route.resolved", Payload: map[string]string{"agent_id": "ops"}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev bus.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Name != "route.resolved" {
		t.Fatalf("event = %q, want route.resolved", ev.Name)
	}
}

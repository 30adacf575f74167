// Package gateway exposes the admin HTTP API and the WebSocket event
// stream: thread-claim inspection, forced release, route explanation and
// live pipeline events.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/copperline/agentrelay/internal/bus"
	"github.com/copperline/agentrelay/internal/config"
	"github.com/copperline/agentrelay/internal/ownership"
	"github.com/copperline/agentrelay/internal/routing"
	"github.com/copperline/agentrelay/pkg/protocol"
)

// Server is the admin gateway handling HTTP and WebSocket connections.
type Server struct {
	cfg    *config.Config
	owners *ownership.Registry

	upgrader websocket.Upgrader
	clients  map[string]*Client
	mu       sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new gateway server.
func NewServer(cfg *config.Config, owners *ownership.Registry) *Server {
	s := &Server{
		cfg:     cfg,
		owners:  owners,
		clients: make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin validates WebSocket connection origin against the allowed
// origins whitelist. No configured origins = allow all (dev mode). Empty
// Origin header (non-browser clients like CLI/SDK) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Snapshot().Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// authorize checks the gateway token when one is configured. WebSocket
// clients may pass it as a query parameter since browsers cannot set
// headers on the upgrade request.
func (s *Server) authorize(r *http.Request) bool {
	token := s.cfg.Snapshot().Gateway.Token
	if token == "" {
		return true
	}
	if auth := r.Header.Get("Authorization"); strings.TrimPrefix(auth, "Bearer ") == token {
		return true
	}
	return r.URL.Query().Get("token") == token
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/claims", s.handleClaims)
	mux.HandleFunc("/api/claims/release", s.handleClaimsRelease)
	mux.HandleFunc("/api/routes/explain", s.handleRoutesExplain)

	s.mux = mux
	return mux
}

// Start begins listening for HTTP and WebSocket connections and blocks
// until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	gw := s.cfg.Snapshot().Gateway
	addr := fmt.Sprintf("%s:%d", gw.Host, gw.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

// handleClaims lists active (non-expired) thread claims.
func (s *Server) handleClaims(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, map[string]any{"claims": s.owners.List()})
}

// handleClaimsRelease force-releases a thread claim regardless of owner.
func (s *Server) handleClaimsRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req struct {
		ThreadID string `json:"thread_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ThreadID == "" {
		http.Error(w, "thread_id required", http.StatusBadRequest)
		return
	}
	released := s.owners.ForceRelease(req.ThreadID)
	if released {
		slog.Info("claim force-released", "thread", req.ThreadID)
		s.Broadcast(bus.Event{Name: protocol.EventThreadReleased, Payload: map[string]any{
			"thread_id": req.ThreadID, "forced": true,
		}})
	}
	writeJSON(w, map[string]any{"released": released})
}

// explainRequest mirrors the resolver input for the explain endpoint.
type explainRequest struct {
	Channel       string       `json:"channel"`
	AccountID     string       `json:"accountId,omitempty"`
	Peer          *bus.PeerRef `json:"peer,omitempty"`
	ParentPeer    *bus.PeerRef `json:"parentPeer,omitempty"`
	GuildID       string       `json:"guildId,omitempty"`
	TeamID        string       `json:"teamId,omitempty"`
	MemberRoleIDs []string     `json:"memberRoleIds,omitempty"`
}

// handleRoutesExplain resolves a hypothetical message context against the
// current bindings and reports which binding won and why.
func (s *Server) handleRoutesExplain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req explainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Channel == "" {
		http.Error(w, "channel required", http.StatusBadRequest)
		return
	}

	rc := routing.RouteContext{
		Channel:       req.Channel,
		AccountID:     req.AccountID,
		GuildID:       req.GuildID,
		TeamID:        req.TeamID,
		MemberRoleIDs: req.MemberRoleIDs,
	}
	if p := req.Peer; p != nil {
		rc.Peer = &routing.Peer{Kind: p.Kind, ID: p.ID}
	}
	if p := req.ParentPeer; p != nil {
		rc.ParentPeer = &routing.Peer{Kind: p.Kind, ID: p.ID}
	}

	snap := s.cfg.Snapshot()
	route := routing.ResolveAgentRoute(snap.Bindings, snap.ResolverConfig(), rc)
	writeJSON(w, map[string]any{
		"agent_id":         route.AgentID,
		"channel":          route.Channel,
		"account_id":       route.AccountID,
		"session_key":      route.SessionKey,
		"main_session_key": route.MainSessionKey,
		"matched_by":       route.MatchedBy,
	})
}

// handleWebSocket upgrades HTTP to WebSocket and streams pipeline events.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn)
	s.registerClient(client)

	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

// Broadcast sends an event to all connected WebSocket clients. Implements
// bus.EventPublisher so the dispatcher can publish without knowing about
// the gateway.
func (s *Server) Broadcast(event bus.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.SendEvent(event)
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	slog.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	slog.Info("client disconnected", "id", c.id)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}

// StartTestServer creates a listener on :0 (random port) and returns the
// actual address and a start function. Used for integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}

	return addr, start
}

// Package gateway exposes the orchestrator to dashboard clients over a
// WebSocket JSON-RPC surface, plus a plain /healthz endpoint. Every bus event
// is also pushed to connected clients as a notification, so a UI can render
// the conversation, voice lanes, and task board live.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/crewline/chorus/internal/bus"
	"github.com/crewline/chorus/internal/ledger"
	"github.com/crewline/chorus/internal/orchestrator"
	"github.com/crewline/chorus/internal/roster"
	"github.com/crewline/chorus/internal/voice"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	// App error code for rejected parameters (empty message, unknown agent).
	ErrCodeInvalid = 1000
)

type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Store        *ledger.Store
	Voice        *voice.Sequencer
	Bus          *bus.Bus
	Logger       *slog.Logger

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config, exposed in
	// system.status.
	ConfigFingerprint string

	Version string
}

type Server struct {
	cfg    Config
	logger *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	forwardCancel context.CancelFunc
	forwardDone   chan struct{}
}

type client struct {
	conn       *websocket.Conn
	mu         sync.Mutex
	handshaken bool
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      any         `json:"id,omitempty"`
	Result  any         `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
	Method  string      `json:"method,omitempty"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		clients: map[*client]struct{}{},
	}
}

// Start begins forwarding bus events to connected clients. Stop undoes it.
func (s *Server) Start(ctx context.Context) {
	if s.cfg.Bus == nil {
		return
	}
	ctx, s.forwardCancel = context.WithCancel(ctx)
	s.forwardDone = make(chan struct{})
	go s.forwardEvents(ctx)
}

// Stop halts event forwarding and waits for the forwarder to exit.
func (s *Server) Stop() {
	if s.forwardCancel == nil {
		return
	}
	s.forwardCancel()
	<-s.forwardDone
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	if _, err := s.cfg.Store.CountByStatus(ctx); err != nil {
		dbOK = false
	}
	total, active := 0, 0
	for _, a := range s.cfg.Orchestrator.Agents() {
		total++
		if a.Active {
			active++
		}
	}
	payload := map[string]any{
		"healthy":       dbOK,
		"db_ok":         dbOK,
		"agent_count":   total,
		"active_agents": active,
		"queue_depth":   s.cfg.Orchestrator.QueueDepth(),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library;
		// the pattern list gates cross-origin dashboards only.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.logger.Info("ws client connected")
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		resp := s.handleRPC(r.Context(), c, req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			s.logger.Error("ws write failed", "method", req.Method, "error", err)
		}
	}
}

// authorize requires a configured token and an exact Bearer match. A server
// started without a token accepts nobody; the loopback console does not go
// through the gateway.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func isMutatingMethod(method string) bool {
	switch method {
	case "conversation.submit", "conversation.interrupt", "conversation.clear",
		"agent.add", "agent.remove":
		return true
	default:
		return false
	}
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"},
		}
	}
	if isMutatingMethod(req.Method) && !c.isHandshaken() {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "system.hello required before mutating calls"},
		}
	}

	var result any
	var rpcErr *rpcError

	switch req.Method {
	case "system.hello":
		c.markHandshaken()
		result = map[string]any{
			"protocol":      "chorus",
			"version":       "1.0",
			"supported_min": "1.0",
			"supported_max": "1.0",
		}

	case "conversation.submit":
		var p struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
			break
		}
		messageID, err := s.cfg.Orchestrator.SubmitUserMessage(ctx, p.Text)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
			break
		}
		s.logger.Info("ws message submitted", "message_id", messageID)
		result = map[string]any{"message_id": messageID}

	case "conversation.interrupt":
		cut := s.cfg.Orchestrator.InterruptAll()
		result = map[string]any{"interrupted": cut}

	case "conversation.clear":
		flushed := s.cfg.Orchestrator.Clear()
		result = map[string]any{"flushed": flushed}

	case "agent.add":
		var p struct {
			AgentID      string `json:"agent_id"`
			DisplayName  string `json:"display_name"`
			Specialty    string `json:"specialty"`
			Personality  string `json:"personality"`
			Voice        string `json:"voice"`
			AutoComplete bool   `json:"auto_complete"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.AgentID == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "agent_id is required"}
			break
		}
		err := s.cfg.Orchestrator.AddAgent(roster.Agent{
			ID:           p.AgentID,
			DisplayName:  p.DisplayName,
			Specialty:    p.Specialty,
			Personality:  p.Personality,
			Voice:        p.Voice,
			AutoComplete: p.AutoComplete,
		})
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
			break
		}
		result = map[string]any{"agent_id": p.AgentID, "added": true}

	case "agent.remove":
		var p struct {
			AgentID string `json:"agent_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.AgentID == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "agent_id is required"}
			break
		}
		if _, err := s.cfg.Orchestrator.RemoveAgent(p.AgentID); err != nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
			break
		}
		result = map[string]any{"agent_id": p.AgentID, "removed": true}

	case "agent.list":
		agents := s.cfg.Orchestrator.Agents()
		items := make([]map[string]any, len(agents))
		for i, a := range agents {
			items[i] = map[string]any{
				"agent_id":      a.ID,
				"display_name":  a.DisplayName,
				"specialty":     a.Specialty,
				"voice":         a.Voice,
				"auto_complete": a.AutoComplete,
				"active":        a.Active,
				"task_id":       a.TaskID,
				"branch_ref":    a.BranchRef,
			}
		}
		result = map[string]any{"agents": items}

	case "task.list":
		var p struct {
			Status string `json:"status"`
			Limit  int    `json:"limit"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
				break
			}
		}
		if p.Limit <= 0 || p.Limit > 200 {
			p.Limit = 50
		}
		var tasks []ledger.Task
		var err error
		if p.Status != "" {
			status := ledger.Status(p.Status)
			if !status.Valid() {
				rpcErr = &rpcError{Code: ErrCodeInvalid, Message: fmt.Sprintf("unknown status %q", p.Status)}
				break
			}
			tasks, err = s.cfg.Store.ListTasksByStatus(ctx, status, p.Limit)
		} else {
			tasks, err = s.cfg.Store.ListTasks(ctx, p.Limit)
		}
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		result = map[string]any{"tasks": tasks}

	case "task.events":
		var p struct {
			TaskID string `json:"task_id"`
			Limit  int    `json:"limit"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.TaskID == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "task_id is required"}
			break
		}
		if p.Limit <= 0 || p.Limit > 500 {
			p.Limit = 100
		}
		events, err := s.cfg.Store.ListEvents(ctx, p.TaskID, p.Limit)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		result = map[string]any{"events": events}

	case "system.status":
		counts, err := s.cfg.Store.CountByStatus(ctx)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		total, active := 0, 0
		for _, a := range s.cfg.Orchestrator.Agents() {
			total++
			if a.Active {
				active++
			}
		}
		voiceDepth := 0
		var playing []string
		if s.cfg.Voice != nil {
			voiceDepth = s.cfg.Voice.Depth()
			playing = s.cfg.Voice.Playing()
		}
		result = map[string]any{
			"healthy":       true,
			"db_ok":         true,
			"agent_count":   total,
			"active_agents": active,
			"queue_depth":   s.cfg.Orchestrator.QueueDepth(),
			"voice_depth":   voiceDepth,
			"playing":       playing,
			"tasks_pending": counts[ledger.StatusPending],
			"tasks_running": counts[ledger.StatusRunning],
			"tasks_done":    counts[ledger.StatusCompleted],
			"memory_alloc":  mem.Alloc,
			"config_hash":   s.cfg.ConfigFingerprint,
			"version":       s.cfg.Version,
			"time_unix":     time.Now().Unix(),
		}

	default:
		rpcErr = &rpcError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}

	if !hasID {
		return nil
	}
	if rpcErr != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

// forwardEvents pushes every bus event to every connected client as a
// notification whose method is the event topic.
func (s *Server) forwardEvents(ctx context.Context) {
	defer close(s.forwardDone)
	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			s.broadcast(ev.Topic, ev.Payload)
		}
	}
}

func (s *Server) broadcast(method string, params interface{}) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		if err := c.write(context.Background(), rpcResponse{
			JSONRPC: "2.0",
			Method:  method,
			Params:  params,
		}); err != nil {
			s.logger.Error("ws broadcast write failed", "method", method, "error", err)
		}
	}
}

// ClientCount reports connected dashboard clients, for status output.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (c *client) markHandshaken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshaken = true
}

func (c *client) isHandshaken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshaken
}

// Package gateway exposes the sync daemon to local clinic tooling over
// a JSON-RPC WebSocket plus a couple of plain HTTP endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/openrounds/fieldsync/internal/bus"
	"github.com/openrounds/fieldsync/internal/capture"
	"github.com/openrounds/fieldsync/internal/conflict"
	"github.com/openrounds/fieldsync/internal/engine"
	"github.com/openrounds/fieldsync/internal/queue"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	// Stable app error taxonomy.
	ErrCodeInvalid    = 1000
	ErrCodeNotFound   = 1404
	ErrCodeConflict   = 1409
	ErrCodeValidation = 1422
)

type Config struct {
	Store    *queue.Store
	Capture  *capture.Adapter
	Engine   *engine.Engine
	Resolver *conflict.Resolver
	Bus      *bus.Bus
	Logger   *slog.Logger

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config exposed in
	// sync.status.
	ConfigFingerprint string
}

type Server struct {
	cfg    Config
	logger *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex

	subMu     sync.Mutex
	busSub    *bus.Subscription
	busCancel context.CancelFunc
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
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

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	stats, err := s.cfg.Store.Stats(r.Context())
	if err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":     dbOK,
		"db_ok":       dbOK,
		"online":      s.cfg.Engine.Online(),
		"queue_depth": stats.Queued,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	stats, err := s.cfg.Store.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	payload := map[string]any{
		"queued":               stats.Queued,
		"unsynced_evidence":    stats.UnsyncedEvidence,
		"unresolved_conflicts": stats.UnresolvedConflicts,
		"failed":               stats.Failed,
		"quarantined":          stats.Quarantined,
		"online":               s.cfg.Engine.Online(),
	}
	if last := s.cfg.Engine.LastResult(); last != nil {
		payload["last_cycle"] = last
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.logger.Info("ws: client connected")
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		s.logger.Debug("ws: request", "method", req.Method, "id", string(req.ID))
		resp := s.handleRPC(r.Context(), c, req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			s.logger.Error("ws: write response error", "method", req.Method, "error", err)
		}
	}
}

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
	return token != "" && token == s.cfg.AuthToken
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

	var result any
	var rpcErr *rpcError

	switch req.Method {
	case "sync.enqueue":
		var p capture.Request
		if err := json.Unmarshal(req.Params, &p); err != nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
			break
		}
		opID, err := s.cfg.Capture.Capture(ctx, p)
		if err != nil {
			if errors.Is(err, capture.ErrInvalidPayload) {
				rpcErr = &rpcError{Code: ErrCodeValidation, Message: err.Error()}
			} else {
				rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			}
			break
		}
		s.cfg.Engine.TriggerSync()
		result = map[string]any{"operation_id": opID, "status": string(queue.StatusPending)}

	case "sync.trigger":
		s.cfg.Engine.TriggerSync()
		result = map[string]any{"triggered": true}

	case "sync.status":
		stats, err := s.cfg.Store.Stats(ctx)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		payload := map[string]any{
			"online":               s.cfg.Engine.Online(),
			"queued":               stats.Queued,
			"unsynced_evidence":    stats.UnsyncedEvidence,
			"unresolved_conflicts": stats.UnresolvedConflicts,
			"failed":               stats.Failed,
			"quarantined":          stats.Quarantined,
			"config_hash":          s.cfg.ConfigFingerprint,
			"time_unix":            time.Now().Unix(),
		}
		if last := s.cfg.Engine.LastResult(); last != nil {
			payload["last_cycle"] = last
		}
		result = payload

	case "sync.online.set":
		var p struct {
			Online bool `json:"online"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
			break
		}
		s.cfg.Engine.SetOnline(p.Online)
		result = map[string]any{"online": p.Online}

	case "sync.subscribe":
		var p struct {
			Prefix string `json:"prefix"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
				break
			}
		}
		s.subscribeClient(c, p.Prefix)
		result = map[string]any{"subscribed": true, "prefix": p.Prefix}

	case "queue.list":
		var p struct {
			Status string `json:"status"`
			Limit  int    `json:"limit"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Status == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "status required"}
			break
		}
		ops, err := s.cfg.Store.ListByStatus(ctx, queue.Status(p.Status), p.Limit)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		result = map[string]any{"operations": ops}

	case "queue.quarantined.list":
		ops, err := s.cfg.Store.ListByStatus(ctx, queue.StatusQuarantined, 0)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		result = map[string]any{"operations": ops}

	case "queue.requeue":
		var p struct {
			OperationID string `json:"operation_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.OperationID == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "operation_id required"}
			break
		}
		if err := s.cfg.Store.Requeue(ctx, p.OperationID); err != nil {
			rpcErr = storeError(err)
			break
		}
		s.cfg.Engine.TriggerSync()
		result = map[string]any{"operation_id": p.OperationID, "status": string(queue.StatusPending)}

	case "queue.replace_payload":
		var p struct {
			OperationID string          `json:"operation_id"`
			Payload     json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.OperationID == "" || len(p.Payload) == 0 {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "operation_id and payload required"}
			break
		}
		if err := s.cfg.Store.ReplacePayload(ctx, p.OperationID, p.Payload); err != nil {
			rpcErr = storeError(err)
			break
		}
		result = map[string]any{"operation_id": p.OperationID, "replaced": true}

	case "conflict.list":
		var p struct {
			UnresolvedOnly bool `json:"unresolved_only"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
				break
			}
		}
		records, err := s.cfg.Store.ListConflicts(ctx, p.UnresolvedOnly)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		result = map[string]any{"conflicts": records}

	case "conflict.resolve":
		var p struct {
			ConflictID string          `json:"conflict_id"`
			Resolution string          `json:"resolution"`
			Payload    json.RawMessage `json:"payload,omitempty"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.ConflictID == "" || p.Resolution == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "conflict_id and resolution required"}
			break
		}
		err := s.cfg.Resolver.Resolve(ctx, p.ConflictID, queue.Resolution(p.Resolution), p.Payload)
		switch {
		case err == nil:
			s.cfg.Engine.TriggerSync()
			result = map[string]any{"conflict_id": p.ConflictID, "resolution": p.Resolution}
		case errors.Is(err, queue.ErrConflictResolved):
			rpcErr = &rpcError{Code: ErrCodeConflict, Message: err.Error()}
		case errors.Is(err, conflict.ErrMergedPayloadRequired):
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
		case errors.Is(err, queue.ErrNotFound):
			rpcErr = &rpcError{Code: ErrCodeNotFound, Message: err.Error()}
		default:
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
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

func storeError(err error) *rpcError {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return &rpcError{Code: ErrCodeNotFound, Message: err.Error()}
	case errors.Is(err, queue.ErrIllegalTransition):
		return &rpcError{Code: ErrCodeConflict, Message: err.Error()}
	default:
		return &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
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

// subscribeClient registers the client for live event push. The bus
// listener starts on the first subscription and its prefix sticks for
// the connection's lifetime.
func (s *Server) subscribeClient(c *client, prefix string) {
	if s.cfg.Bus == nil {
		return
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.busSub != nil {
		return
	}
	c.busSub = s.cfg.Bus.Subscribe(prefix)
	var busCtx context.Context
	busCtx, c.busCancel = context.WithCancel(context.Background())
	go s.forwardBusEvents(busCtx, c)
}

// forwardBusEvents pushes bus events to the WS client as JSON-RPC
// notifications under the "sync.event" method.
func (s *Server) forwardBusEvents(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.busSub.Ch():
			if !ok {
				return
			}
			_ = c.write(ctx, rpcResponse{
				JSONRPC: "2.0",
				Method:  "sync.event",
				Params: map[string]any{
					"topic":   ev.Topic,
					"payload": ev.Payload,
				},
			})
		}
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	c.subMu.Lock()
	if c.busCancel != nil {
		c.busCancel()
	}
	if c.busSub != nil && s.cfg.Bus != nil {
		s.cfg.Bus.Unsubscribe(c.busSub)
	}
	c.subMu.Unlock()

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

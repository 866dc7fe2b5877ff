// Package gateway exposes the boss tree over HTTP: a REST API, a WebSocket
// JSON-RPC 2.0 endpoint that also pushes bus events, and an SSE stream per
// task.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-boss/internal/boss"
	"github.com/basket/go-boss/internal/bus"
	otelPkg "github.com/basket/go-boss/internal/otel"
	"github.com/basket/go-boss/internal/persistence"
	"github.com/basket/go-boss/internal/task"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	// Application error taxonomy.
	ErrCodeInvalid  = 1000
	ErrCodeNotFound = 1004
	ErrCodeConflict = 1009
	ErrCodeStopped  = 1010
	ErrCodeTimeout  = 1008

	maxRequestBytes = 1 << 20
)

// eventTopics are pushed to every WebSocket client unless it narrows its
// subscription.
var eventTopics = []string{"task.", "boss.", "human.", "notify."}

type Config struct {
	Root *boss.Boss
	Bus  *bus.Bus
	// Store serves journalled tasks after they leave memory; optional.
	Store *persistence.Store

	// AuthToken, when set, is required as a bearer token on every endpoint
	// except /healthz.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	RequestsPerMinute int
	BurstSize         int

	ConfigFingerprint string
	Logger            *slog.Logger
	Metrics           *otelPkg.Metrics
}

type Server struct {
	cfg    Config
	logger *slog.Logger

	limiter *RateLimitMiddleware

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
	s := &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		clients: map[*client]struct{}{},
	}
	if cfg.RequestsPerMinute > 0 {
		s.limiter = NewRateLimitMiddleware(cfg.RequestsPerMinute, cfg.BurstSize)
	}
	return s
}

// Start runs background upkeep until ctx ends.
func (s *Server) Start(ctx context.Context) {
	if s.limiter != nil {
		s.limiter.StartEviction(ctx, 5*time.Minute, 30*time.Minute)
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("POST /api/tasks", s.handleSubmit)
	mux.HandleFunc("GET /api/tasks", s.handlePoll)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleStatus)
	mux.HandleFunc("GET /api/tasks/{id}/events", s.handleTaskEvents)
	mux.HandleFunc("GET /api/tasks/{id}/stream", s.handleTaskStream)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/tasks/{id}/dispatch", s.handleDispatch)
	mux.HandleFunc("POST /api/tasks/{id}/respond", s.handleRespond)
	mux.HandleFunc("GET /api/awaiting", s.handleAwaiting)
	mux.HandleFunc("GET /api/boss", s.handleReport)
	mux.HandleFunc("POST /api/boss/stop", s.handleStop)
	mux.HandleFunc("POST /api/boss/reflection", s.handleReflection)

	var h http.Handler = s.instrument(mux)
	h = s.authMiddleware(h)
	if s.limiter != nil {
		h = s.limiter.Wrap(h)
	}
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return RequestSizeLimitMiddleware(maxRequestBytes)(h)
}

// instrument records request latency by route pattern. The mux fills in
// r.Pattern while serving.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.cfg.Metrics.Request(r.Context(), route, time.Since(start))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	root := s.cfg.Root
	state := root.State()
	healthy := state != boss.StateStop
	dbOK := true
	if s.cfg.Store != nil {
		if err := s.cfg.Store.DB().PingContext(r.Context()); err != nil {
			dbOK = false
			healthy = false
		}
	}
	payload := map[string]any{
		"healthy":            healthy,
		"boss_id":            root.ID(),
		"boss_state":         state,
		"db_ok":              dbOK,
		"awaiting_human":     len(root.AwaitingHuman()),
		"ws_clients":         s.clientCount(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.subscribe(c, eventTopics)
	s.logger.Info("ws client connected", "remote", r.RemoteAddr)
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws client disconnected", "remote", r.RemoteAddr)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()
	for {
		var req rpcRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				_ = c.write(ctx, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: ErrCodeParse, Message: "parse error"}})
				continue
			}
			if websocket.CloseStatus(err) == -1 {
				s.logger.Debug("ws read error, closing", "error", err)
			}
			return
		}
		resp := s.handleRPC(ctx, c, req)
		if resp == nil {
			continue
		}
		if err := c.write(ctx, resp); err != nil {
			s.logger.Error("ws write response error", "method", req.Method, "error", err)
		}
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.unsubscribe(c)
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, c.conn, payload)
}

// subscribe replaces the client's bus subscription with one for topics and
// starts forwarding matching events as "event" notifications.
func (s *Server) subscribe(c *client, topics []string) {
	if s.cfg.Bus == nil {
		return
	}
	s.unsubscribe(c)

	c.subMu.Lock()
	defer c.subMu.Unlock()
	sub := s.cfg.Bus.Subscribe(topics...)
	ctx, cancel := context.WithCancel(context.Background())
	c.busSub, c.busCancel = sub, cancel
	go s.forwardBusEvents(ctx, c, sub)
}

func (s *Server) unsubscribe(c *client) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.busCancel != nil {
		c.busCancel()
	}
	if c.busSub != nil && s.cfg.Bus != nil {
		s.cfg.Bus.Unsubscribe(c.busSub)
	}
	c.busSub, c.busCancel = nil, nil
}

func (s *Server) forwardBusEvents(ctx context.Context, c *client, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			err := c.write(ctx, rpcResponse{
				JSONRPC: "2.0",
				Method:  "event",
				Params:  map[string]any{"topic": ev.Topic, "task_id": bus.TaskIDOf(ev), "data": ev.Payload},
			})
			if err != nil && ctx.Err() == nil {
				s.logger.Debug("ws event push failed", "topic", ev.Topic, "error", err)
			}
		}
	}
}

// target resolves the addressed boss; empty id means the root.
func (s *Server) target(id string) (*boss.Boss, error) {
	if id == "" {
		return s.cfg.Root, nil
	}
	b, ok := s.cfg.Root.Find(id)
	if !ok {
		return nil, fmt.Errorf("%w: boss %s", errNotFound, id)
	}
	return b, nil
}

// owner resolves the boss that owns taskID.
func (s *Server) owner(taskID string) (*boss.Boss, error) {
	b, ok := s.cfg.Root.Locate(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, taskID)
	}
	return b, nil
}

// status returns a live task, falling back to the journal.
func (s *Server) status(ctx context.Context, id string) (task.Task, error) {
	if b, ok := s.cfg.Root.Locate(id); ok {
		return b.GetStatus(id)
	}
	if s.cfg.Store != nil {
		return s.cfg.Store.GetTask(ctx, id)
	}
	return task.Task{}, fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
}

var errNotFound = errors.New("not found")

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

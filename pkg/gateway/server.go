package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/juru/internal/metrics"
	"github.com/harun/juru/internal/tracing"
	"github.com/harun/juru/pkg/agent"
	"github.com/harun/juru/pkg/tool"
	"github.com/harun/juru/pkg/transcript"
)

// AgentFactory builds the private Agent for one connection.
type AgentFactory func() (*agent.Agent, error)

// ModelInfo is one advertised model for models.list.
type ModelInfo struct {
	Provider    string `json:"provider"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
}

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	NewAgent     AgentFactory
	Tools        *tool.Manager
	Transcripts  *transcript.Store
	Models       []ModelInfo
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
	Version      string
}

// Server exposes the agent core to remote clients as JSON-RPC 2.0 over
// WebSocket, plus /healthz and /metrics.
type Server struct {
	host         string
	port         int
	sharedSecret string
	newAgent     AgentFactory
	tools        *tool.Manager
	transcripts  *transcript.Store
	models       []ModelInfo
	met          *metrics.Metrics
	version      string
	logger       zerolog.Logger

	server    *http.Server
	upgrader  websocket.Upgrader
	clients   *ClientRegistry
	router    *RPCRouter
	startedAt time.Time

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
	drainTimeout   time.Duration

	// baseCtx parents every request context; cancelled on Stop so handlers
	// still running after the drain window see it.
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.NewAgent == nil {
		return nil, fmt.Errorf("agent factory is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool manager is required")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())

	s := &Server{
		host:         cfg.Host,
		port:         cfg.Port,
		sharedSecret: cfg.SharedSecret,
		newAgent:     cfg.NewAgent,
		tools:        cfg.Tools,
		transcripts:  cfg.Transcripts,
		models:       cfg.Models,
		met:          cfg.Metrics,
		version:      cfg.Version,
		logger:       cfg.Logger,
		clients:      NewClientRegistry(),
		router:       NewRPCRouter(),
		startedAt:    time.Now(),
		drainTimeout: 30 * time.Second,
		baseCtx:      baseCtx,
		baseCancel:   baseCancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Access is gated by the shared secret, not Origin
			},
		},
	}

	// Register built-in methods
	s.registerBuiltinMethods()

	return s, nil
}

// Start starts the gateway server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    net.JoinHostPort(s.host, strconv.Itoa(s.port)),
		Handler: s.handler(),
	}

	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting gateway server")

	// Start server in goroutine so it doesn't block
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// handler builds the HTTP mux: /ws, /healthz and, when metrics are wired,
// /metrics.
func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if s.met != nil {
		mux.Handle("/metrics", s.met.Handler())
	}
	return mux
}

// Stop gracefully stops the gateway server, draining in-flight requests.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	// Wait for in-flight requests with timeout
	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(s.drainTimeout):
		s.logger.Warn().Msg("Shutdown drain timeout reached, forcing close")
	}

	// Cancel contexts handed to any stragglers, then drop the connections.
	s.baseCancel()
	for _, client := range s.clients.All() {
		client.Conn.Close()
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// handleWebSocket authenticates and upgrades a connection, then gives it a
// private agent and transcript session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	if !authorize(r, s.sharedSecret) {
		s.logger.Warn().Str("ip", r.RemoteAddr).Msg("Rejected upgrade with bad credentials")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	ag, err := s.newAgent()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to build agent for connection")
		conn.Close()
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate client id")
		conn.Close()
		return
	}

	client := &Client{
		ID:           clientID,
		SessionKey:   transcript.NewSessionKey(),
		Agent:        ag,
		Conn:         conn,
		ConnectedAt:  time.Now(),
		LastActivity: time.Now(),
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiter(),
	}

	s.clients.Add(client)
	s.met.AddGatewayClients(1)

	s.logger.Info().
		Str("clientId", clientID).
		Str("sessionKey", client.SessionKey).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if err := client.Write(HelloMessage{
		Event:      "hello",
		SessionKey: client.SessionKey,
		Version:    s.version,
	}); err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to send hello")
		conn.Close()
		s.clients.Remove(clientID)
		s.met.AddGatewayClients(-1)
		return
	}

	// Handle client messages
	go s.handleClient(client)
}

// handleClient handles messages from a client
func (s *Server) handleClient(client *Client) {
	defer func() {
		client.Conn.Close()
		s.clients.Remove(client.ID)
		s.met.AddGatewayClients(-1)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			break
		}

		s.clients.UpdateActivity(client.ID)
		s.handleMessage(client, message)
	}
}

// handleMessage handles a single frame from a client. Requests run in their
// own goroutines, so responses may be written out of order; clients match
// them by id.
func (s *Server) handleMessage(client *Client, message []byte) {
	req, err := s.router.ParseRequest(message)
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &RPCError{Code: ParseError, Message: err.Error()}
		}
		s.met.RecordGatewayRequest("unknown", "rejected")
		s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		return
	}

	// Check rate limits
	allowed, reason := client.RateLimiter.CheckRequestAllowed()
	if !allowed {
		code := RateLimitExceeded
		if reason == "too many concurrent requests" {
			code = TooManyConcurrent
		}
		s.met.RecordGatewayRequest(req.Method, "rate_limited")
		s.sendError(client, req.ID, code, reason)
		return
	}

	client.RateLimiter.RecordRequestStart()
	s.inFlightReqs.Add(1)

	go func() {
		defer client.RateLimiter.RecordRequestEnd()
		defer s.inFlightReqs.Done()

		ctx := tracing.WithTraceID(s.baseCtx, tracing.NewTraceID())
		ctx = tracing.WithClientID(ctx, client.ID)
		ctx = tracing.WithSessionKey(ctx, client.SessionKey)

		response := s.router.RouteRequest(ctx, client, req)

		status := "ok"
		if response.Error != nil {
			status = "error"
		}
		s.met.RecordGatewayRequest(req.Method, status)

		if err := client.Write(response); err != nil {
			s.logger.Error().
				Err(err).
				Str("clientId", client.ID).
				Str("requestId", req.ID).
				Msg("Failed to send response")
		}
	}()
}

// sendError sends an error response to a client
func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	response := RPCResponse{
		ID:      requestID,
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
	}

	if err := client.Write(response); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error response")
	}
}

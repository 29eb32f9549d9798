package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/shopassist/internal/observability"
	"github.com/harun/shopassist/internal/tracing"
	"github.com/harun/shopassist/pkg/assistant"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	defaultPort     = 8765
	writeWait       = 10 * time.Second
	maxMessageBytes = 8 << 20
	shutdownTimeout = 30 * time.Second
)

// HistoryLoader loads a stored transcript so a conversation can be resumed.
type HistoryLoader interface {
	Load(ctx context.Context, conversationID string) (assistant.Export, error)
}

// Server is the chat panel gateway: one WebSocket connection per panel, each
// owning at most one conversation.
type Server struct {
	host              string
	port              int
	tickInterval      time.Duration
	allowedOrigins    map[string]struct{}
	requestsPerMinute int
	maxConcurrent     int
	server            *http.Server
	upgrader          websocket.Upgrader
	clients           *ClientRegistry
	router            *RPCRouter
	authHandler       *AuthHandler
	broadcaster       *EventBroadcaster
	manager           *assistant.Manager
	history           HistoryLoader
	logger            zerolog.Logger
	isShuttingDown    bool
	shutdownMu        sync.RWMutex
	inFlightReqs      sync.WaitGroup
	clientsWG         sync.WaitGroup
	tickCancel        context.CancelFunc
	tickWG            sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host string
	Port int
	// SharedSecret enables the HMAC handshake. Empty admits every client.
	SharedSecret string
	// AllowedOrigins restricts browser origins. Empty allows all.
	AllowedOrigins    []string
	TickInterval      time.Duration
	RequestsPerMinute int
	MaxConcurrent     int
	Manager           *assistant.Manager
	History           HistoryLoader
	Logger            zerolog.Logger
}

// NewServer creates a new Gateway Server
func NewServer(cfg Config) (*Server, error) {
	observability.EnsureRegistered()

	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Manager == nil {
		return nil, fmt.Errorf("conversation manager is required")
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 30 * time.Second
	}

	clients := NewClientRegistry()

	s := &Server{
		host:              cfg.Host,
		port:              cfg.Port,
		tickInterval:      cfg.TickInterval,
		requestsPerMinute: cfg.RequestsPerMinute,
		maxConcurrent:     cfg.MaxConcurrent,
		clients:           clients,
		router:            NewRPCRouter(),
		authHandler:       NewAuthHandler(cfg.SharedSecret),
		broadcaster:       NewEventBroadcaster(clients, cfg.Logger),
		manager:           cfg.Manager,
		history:           cfg.History,
		logger:            cfg.Logger,
	}

	if len(cfg.AllowedOrigins) > 0 {
		s.allowedOrigins = make(map[string]struct{}, len(cfg.AllowedOrigins))
		for _, origin := range cfg.AllowedOrigins {
			s.allowedOrigins[strings.TrimRight(origin, "/")] = struct{}{}
		}
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	s.registerBuiltinMethods()

	return s, nil
}

// Handler returns the HTTP routes served by the gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":        "ok",
			"clients":       s.clients.Count(),
			"conversations": s.manager.Len(),
		})
	})
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting Gateway Server")

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.startTickEmitter()
	return nil
}

// Stop gracefully stops the Gateway Server. Open conversations are closed
// and saved as their connections drop.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")
	s.stopTickEmitter()

	s.broadcaster.Broadcast(EventShutdown, map[string]interface{}{
		"message": "Server is shutting down",
	})

	if !waitTimeout(&s.inFlightReqs, shutdownTimeout) {
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.GetAll() {
		client.cancel()
		if client.Conn != nil {
			client.Conn.Close()
		}
	}
	if !waitTimeout(&s.clientsWG, shutdownTimeout) {
		s.logger.Warn().Msg("Timed out waiting for clients to disconnect")
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Server) startTickEmitter() {
	if s.tickInterval <= 0 {
		return
	}

	tickCtx, cancel := context.WithCancel(context.Background())
	s.tickCancel = cancel
	s.tickWG.Add(1)

	go func() {
		defer s.tickWG.Done()

		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				s.broadcaster.Broadcast(EventTick, map[string]interface{}{"status": "alive"})
			}
		}
	}()
}

func (s *Server) stopTickEmitter() {
	if s.tickCancel != nil {
		s.tickCancel()
		s.tickCancel = nil
	}
	s.tickWG.Wait()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.allowedOrigins == nil {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	_, ok := s.allowedOrigins[strings.TrimRight(origin, "/")]
	return ok
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.clientsWG.Add(1)
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.clientsWG.Done()
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	clientID, _ := gonanoid.New()
	client := newClient(clientID, conn, r.RemoteAddr,
		NewClientRateLimiter(s.requestsPerMinute, s.maxConcurrent))
	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if s.authHandler.Enabled() {
		challenge, err := s.authHandler.IssueChallenge(client)
		if err == nil {
			err = client.WriteJSON(challenge)
		}
		if err != nil {
			s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to send auth challenge")
			s.disconnect(client)
			return
		}
	} else {
		admit(client)
		s.broadcaster.Send(client, EventMessage{
			Event: EventConnected,
			Data:  map[string]interface{}{"clientId": clientID},
		})
	}

	go s.handleClient(client)
}

// handleClient handles messages from a client
func (s *Server) handleClient(client *Client) {
	defer s.disconnect(client)

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.UpdateActivity(client.ID)
		s.handleMessage(client, message)
	}
}

// disconnect cancels the client's requests, then closes and saves its
// conversation.
func (s *Server) disconnect(client *Client) {
	defer s.clientsWG.Done()

	client.cancel()
	client.setState(StateDisconnected)
	if conv := client.swapConversation(nil); conv != nil {
		if err := conv.Close(); err != nil {
			s.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("conversation_id", conv.ID()).
				Msg("Failed to close conversation on disconnect")
		}
	}
	client.Conn.Close()
	s.clients.Remove(client.ID)
	s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
}

// handleMessage handles a single message from a client
func (s *Server) handleMessage(client *Client, message []byte) {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		s.handleAuthMessage(client, authResp)
		return
	}

	if !client.Authenticated() {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		if rpcErr, ok := err.(*RPCError); ok {
			s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, "", ParseError, err.Error())
		}
		return
	}

	release, err := client.RateLimiter.Acquire()
	if err != nil {
		code := RateLimitExceeded
		if err == ErrTooManyConcurrent {
			code = TooManyConcurrent
		}
		s.sendError(client, req.ID, code, err.Error())
		return
	}

	s.inFlightReqs.Add(1)

	go func() {
		defer release()
		defer s.inFlightReqs.Done()

		ctx := tracing.WithConnectionID(tracing.NewRequestContext(client.ctx), client.ID)
		if conv := client.Conversation(); conv != nil {
			ctx = tracing.WithConversationID(ctx, conv.ID())
		}
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Debug().
			Str("clientId", client.ID).
			Str("request_id", req.ID).
			Str("method", req.Method).
			Msg("Gateway received RPC request")

		response := s.router.RouteRequest(ctx, client, req)
		if err := client.WriteJSON(response); err != nil {
			logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("request_id", req.ID).
				Msg("Failed to send response")
		}
	}()
}

// handleAuthMessage handles authentication messages
func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) {
	if !s.authHandler.Enabled() {
		s.sendError(client, "", InvalidRequest, "Authentication is not enabled")
		return
	}

	result, drop := s.authHandler.HandleAuthResponse(client, authResp.Signature)

	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return
	}

	if !result.Success {
		s.logger.Warn().
			Str("clientId", client.ID).
			Str("reason", result.Message).
			Msg("Authentication failed")
		if drop {
			client.Conn.Close()
		}
		return
	}

	s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
	s.broadcaster.Send(client, EventMessage{
		Event: EventConnected,
		Data:  map[string]interface{}{"clientId": client.ID},
	})
}

// sendError sends an error response to a client
func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	if err := client.WriteJSON(errorResponse(requestID, &RPCError{Code: code, Message: message})); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error response")
	}
}

// RegisterMethod registers an RPC method handler. Built-in methods cannot
// be replaced.
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	if s.router.HasMethod(name) {
		return fmt.Errorf("method %s already registered", name)
	}
	return s.router.RegisterMethod(name, handler)
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}

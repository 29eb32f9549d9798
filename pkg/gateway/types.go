package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/shopassist/pkg/assistant"
)

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID             string          `json:"id"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	JSONRPC        string          `json:"jsonrpc"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// EventMessage is a server-initiated event pushed to the chat panel.
type EventMessage struct {
	Type           string      `json:"type,omitempty"`
	Event          string      `json:"event"`
	Seq            int64       `json:"seq,omitempty"`
	Data           interface{} `json:"data"`
	Timestamp      int64       `json:"timestamp"`
	ConversationID string      `json:"conversation_id,omitempty"`
}

// Event names pushed to clients.
const (
	EventConnected        = "connected"
	EventMessageUpdated   = "message.updated"
	EventMessageCommitted = "message.committed"
	EventMessageWithdrawn = "message.withdrawn"
	EventTurnState        = "turn.state"
	EventTick             = "tick"
	EventShutdown         = "server.shutdown"
)

// AuthChallenge represents an authentication challenge message
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse represents a client's authentication response
type AuthResponse struct {
	Method    string `json:"method"`
	Signature string `json:"signature"`
}

// AuthResult represents the result of authentication
type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID             string    `json:"id"`
	Authenticated  bool      `json:"authenticated"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivity   time.Time `json:"lastActivity"`
	IPAddress      string    `json:"ipAddress"`
	ConversationID string    `json:"conversationId,omitempty"`
	Idle           bool      `json:"idle"`
}

// ClientState represents the state of a client connection
type ClientState int

const (
	StateConnecting ClientState = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

// RequestHandler handles one RPC method for a connected client.
type RequestHandler func(ctx context.Context, client *Client, params json.RawMessage) (interface{}, error)

// RPC error codes
const (
	ParseError             = -32700
	InvalidRequest         = -32600
	MethodNotFound         = -32601
	InvalidParams          = -32602
	InternalError          = -32603
	AuthenticationRequired = -32001
	RateLimitExceeded      = -32005
	TooManyConcurrent      = -32006
	NoConversation         = -32010
	TurnInProgress         = -32011
	ConversationClosed     = -32012
	ProviderUnavailable    = -32013
	TurnFailed             = -32014
	ConversationInUse      = -32015
)

// Client represents a connected WebSocket client. A client owns at most one
// conversation at a time.
type Client struct {
	ID          string
	Conn        *websocket.Conn
	ConnectedAt time.Time
	IPAddress   string
	RateLimiter *ClientRateLimiter

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	// openMu serializes conversation.open so a connection holds at most one
	// conversation.
	openMu sync.Mutex

	mu            sync.Mutex
	authenticated bool
	challenge     string
	authAttempts  int
	state         ClientState
	lastActivity  time.Time
	conversation  *assistant.Conversation
}

func newClient(id string, conn *websocket.Conn, remoteAddr string, limiter *ClientRateLimiter) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Client{
		ID:           id,
		Conn:         conn,
		ConnectedAt:  now,
		IPAddress:    remoteAddr,
		RateLimiter:  limiter,
		ctx:          ctx,
		cancel:       cancel,
		state:        StateConnecting,
		lastActivity: now,
	}
}

// WriteJSON serializes writes; gorilla connections allow one concurrent writer.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.Conn == nil {
		return nil
	}
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteJSON(v)
}

// Authenticated reports whether the client passed the handshake.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// State returns the connection state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(state ClientState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Conversation returns the client's open conversation, if any.
func (c *Client) Conversation() *assistant.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversation
}

// swapConversation installs conv and returns the one it replaced.
func (c *Client) swapConversation(conv *assistant.Conversation) *assistant.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.conversation
	c.conversation = conv
	return prev
}

func (c *Client) info(now time.Time) ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := ClientInfo{
		ID:            c.ID,
		Authenticated: c.authenticated,
		ConnectedAt:   c.ConnectedAt,
		LastActivity:  c.lastActivity,
		IPAddress:     c.IPAddress,
		Idle:          now.Sub(c.lastActivity) > 5*time.Minute,
	}
	if c.conversation != nil {
		info.ConversationID = c.conversation.ID()
	}
	return info
}

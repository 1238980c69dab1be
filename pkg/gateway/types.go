package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harun/juru/pkg/agent"
)

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	JSONRPC string          `json:"jsonrpc"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      string    `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
	JSONRPC string    `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error. Handlers may return one to pick
// the code; any other error becomes InternalError.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// RPC error codes
const (
	ParseError        = -32700
	InvalidRequest    = -32600
	MethodNotFound    = -32601
	InvalidParams     = -32602
	InternalError     = -32603
	RateLimitExceeded = -32005
	TooManyConcurrent = -32006
)

// HelloMessage is the first frame on a fresh connection. It tells the client
// which transcript session its turns will land in.
type HelloMessage struct {
	Event      string `json:"event"`
	SessionKey string `json:"sessionKey"`
	Version    string `json:"version,omitempty"`
}

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID           string    `json:"id"`
	SessionKey   string    `json:"sessionKey"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IPAddress    string    `json:"ipAddress"`
	Idle         bool      `json:"idle"`
}

// RequestHandler handles one RPC method for one client.
type RequestHandler func(ctx context.Context, client *Client, params json.RawMessage) (any, error)

// Client represents a connected WebSocket client. Each client owns a private
// Agent, so conversations on different connections never mix.
type Client struct {
	ID           string
	SessionKey   string
	Agent        *agent.Agent
	Conn         *websocket.Conn
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string
	RateLimiter  *ClientRateLimiter

	// Responses are produced by per-request goroutines and gorilla/websocket
	// permits only one concurrent writer.
	writeMu sync.Mutex
}

// Write sends one JSON frame to the client.
func (c *Client) Write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}

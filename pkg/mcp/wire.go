package mcp

import "encoding/json"

// protocolVersion is the revision of the tool-server protocol spoken during
// the initialize handshake.
const protocolVersion = "2025-06-18"

const jsonrpcVersion = "2.0"

const (
	clientName    = "juru"
	clientVersion = "0.1.0"
)

// request is an outbound JSON-RPC frame. Notifications omit the id.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// inbound is the superset of everything a server may write on one line:
// responses to our requests (id + result/error), requests of its own
// (id + method), and notifications (method, no id).
type inbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// response answers a server-initiated request, echoing its id verbatim.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Tool is one entry of a server's catalog.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Capabilities is what the initialize handshake yields.
type Capabilities struct {
	ProtocolVersion string
	ServerName      string
	ServerVersion   string
	Instructions    string
	Raw             json.RawMessage
}

type initializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
	Instructions string `json:"instructions"`
}

type toolsListResult struct {
	Tools []Tool `json:"tools"`
}

type callResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResult is the outcome of one tools/call exchange.
type ToolResult struct {
	// Text is the concatenation of the result's text content blocks.
	Text string
	// IsError is the server-reported execution failure flag; the call
	// itself succeeded at the protocol level.
	IsError bool
	// Raw is the full result object as received.
	Raw json.RawMessage
}

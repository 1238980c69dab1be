package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/harun/juru/pkg/agent"
	"github.com/harun/juru/pkg/provider"
	"github.com/harun/juru/pkg/tool"
	"github.com/harun/juru/pkg/transcript"
)

// ChatResult is the chat.message response payload.
type ChatResult struct {
	SessionKey string             `json:"sessionKey"`
	Text       string             `json:"text"`
	ToolTrace  []agent.TraceEntry `json:"toolTrace,omitempty"`
	Usage      provider.Usage     `json:"usage"`
}

// ToolInfo describes one bound tool for tools.list.
type ToolInfo struct {
	Name        string          `json:"name"`
	Server      string          `json:"server"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolCallResult is the tools.call response payload.
type ToolCallResult struct {
	Server    string `json:"server"`
	Tool      string `json:"tool"`
	Text      string `json:"text"`
	IsError   bool   `json:"isError"`
	ElapsedMs int64  `json:"elapsedMs"`
}

// SyncServerResult reports one server's handshake outcome for tools.sync.
type SyncServerResult struct {
	Ok    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// SyncResult is the tools.sync response payload.
type SyncResult struct {
	Servers map[string]SyncServerResult `json:"servers"`
	Tools   int                         `json:"tools"`
}

// SessionsResult is the sessions.list response payload.
type SessionsResult struct {
	Sessions []transcript.SessionInfo `json:"sessions"`
}

// SessionHistoryResult is the sessions.history response payload.
type SessionHistoryResult struct {
	SessionKey string            `json:"sessionKey"`
	Turns      []transcript.Turn `json:"turns"`
}

// StatusResult is the status response payload.
type StatusResult struct {
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptimeSeconds"`
	Servers       map[string]string `json:"servers"`
	Methods       []string          `json:"methods"`
	Clients       []ClientInfo      `json:"clients"`
}

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.router.RegisterMethod("chat.message", s.handleChatMessage)
	_ = s.router.RegisterMethod("chat.reset", s.handleChatReset)
	_ = s.router.RegisterMethod("tools.list", s.handleToolsList)
	_ = s.router.RegisterMethod("tools.call", s.handleToolsCall)
	_ = s.router.RegisterMethod("tools.sync", s.handleToolsSync)
	_ = s.router.RegisterMethod("sessions.list", s.handleSessionsList)
	_ = s.router.RegisterMethod("sessions.history", s.handleSessionsHistory)
	_ = s.router.RegisterMethod("models.list", s.handleModelsList)
	_ = s.router.RegisterMethod("status", s.handleStatus)
}

// unmarshalParams decodes params into dst. Absent params leave dst at its
// zero value so parameterless methods accept bare requests.
func unmarshalParams(params json.RawMessage, dst any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return &RPCError{
			Code:    InvalidParams,
			Message: "invalid params",
			Data:    err.Error(),
		}
	}
	return nil
}

// handleChatMessage runs one conversation turn on the client's private agent
// and appends the finished turn to the client's transcript session.
func (s *Server) handleChatMessage(ctx context.Context, client *Client, params json.RawMessage) (any, error) {
	var p struct {
		Text string `json:"text"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Text) == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "text parameter is required"}
	}

	res, err := client.Agent.HandleTurn(ctx, p.Text)
	if err != nil {
		return nil, err
	}

	if s.transcripts != nil {
		turn := transcript.Turn{
			Mode:      string(client.Agent.Mode()),
			User:      p.Text,
			Assistant: res.Text,
			ToolTrace: res.ToolTrace,
			Usage:     res.Usage,
		}
		if err := s.transcripts.Append(ctx, client.SessionKey, turn); err != nil {
			s.logger.Warn().
				Err(err).
				Str("sessionKey", client.SessionKey).
				Msg("Failed to append transcript turn")
		}
	}

	return ChatResult{
		SessionKey: client.SessionKey,
		Text:       res.Text,
		ToolTrace:  res.ToolTrace,
		Usage:      res.Usage,
	}, nil
}

// handleChatReset clears the client's conversation history. The transcript
// session key stays; past turns remain on disk.
func (s *Server) handleChatReset(_ context.Context, client *Client, _ json.RawMessage) (any, error) {
	client.Agent.Reset()
	return map[string]any{
		"ok":         true,
		"sessionKey": client.SessionKey,
	}, nil
}

// handleToolsList returns the merged catalog of bound, advertisable tools.
func (s *Server) handleToolsList(_ context.Context, _ *Client, _ json.RawMessage) (any, error) {
	descs := s.tools.ListAvailable()
	infos := make([]ToolInfo, 0, len(descs))
	for _, d := range descs {
		infos = append(infos, ToolInfo{
			Name:        d.Name,
			Server:      d.Server,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return map[string]any{"tools": infos}, nil
}

// handleToolsCall invokes one tool directly, bypassing the agent loop.
func (s *Server) handleToolsCall(ctx context.Context, _ *Client, params json.RawMessage) (any, error) {
	var p struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "name parameter is required"}
	}

	res, err := s.tools.Invoke(ctx, p.Name, p.Arguments)
	if err != nil {
		var te *tool.Error
		if errors.As(err, &te) && te.Kind == tool.KindInvalidArgs {
			return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
		}
		return nil, err
	}

	return ToolCallResult{
		Server:    res.Server,
		Tool:      res.Tool,
		Text:      res.Text,
		IsError:   res.IsError,
		ElapsedMs: res.Elapsed.Milliseconds(),
	}, nil
}

// handleToolsSync forces handshakes with every configured server.
func (s *Server) handleToolsSync(ctx context.Context, _ *Client, _ json.RawMessage) (any, error) {
	results := s.tools.Sync(ctx)
	servers := make(map[string]SyncServerResult, len(results))
	for name, err := range results {
		res := SyncServerResult{Ok: err == nil}
		if err != nil {
			res.Error = err.Error()
		}
		servers[name] = res
	}
	return SyncResult{
		Servers: servers,
		Tools:   len(s.tools.ListAvailable()),
	}, nil
}

// handleSessionsList reports every persisted transcript session, not just
// the caller's own: the store is one shared history surface.
func (s *Server) handleSessionsList(ctx context.Context, _ *Client, _ json.RawMessage) (any, error) {
	if s.transcripts == nil {
		return nil, &RPCError{Code: InvalidRequest, Message: "transcripts are disabled"}
	}

	keys, err := s.transcripts.List()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	infos := make([]transcript.SessionInfo, 0, len(keys))
	for _, key := range keys {
		info, err := s.transcripts.Info(ctx, key)
		if err != nil {
			// Deleted between List and Info.
			continue
		}
		infos = append(infos, *info)
	}
	return SessionsResult{Sessions: infos}, nil
}

// handleSessionsHistory loads the stored turns of one session. Without an
// explicit sessionKey it reads the caller's own transcript.
func (s *Server) handleSessionsHistory(ctx context.Context, client *Client, params json.RawMessage) (any, error) {
	if s.transcripts == nil {
		return nil, &RPCError{Code: InvalidRequest, Message: "transcripts are disabled"}
	}

	var p struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	key := p.SessionKey
	if key == "" {
		key = client.SessionKey
	}

	turns, err := s.transcripts.Load(ctx, key)
	if err != nil {
		if errors.Is(err, transcript.ErrInvalidSessionKey) {
			return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
		}
		return nil, err
	}
	return SessionHistoryResult{SessionKey: key, Turns: turns}, nil
}

// handleModelsList advertises the configured models.
func (s *Server) handleModelsList(_ context.Context, _ *Client, _ json.RawMessage) (any, error) {
	models := s.models
	if models == nil {
		models = []ModelInfo{}
	}
	return map[string]any{"models": models}, nil
}

// handleStatus reports server health: uptime, tool server states and the
// connected clients.
func (s *Server) handleStatus(_ context.Context, _ *Client, _ json.RawMessage) (any, error) {
	statuses := s.tools.Statuses()
	servers := make(map[string]string, len(statuses))
	for name, st := range statuses {
		servers[name] = st.String()
	}

	return StatusResult{
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Servers:       servers,
		Methods:       s.router.Methods(),
		Clients:       s.clients.Infos(),
	}, nil
}

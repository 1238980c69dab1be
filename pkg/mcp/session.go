package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultHandshakeTimeout bounds the initialize exchange.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultCallTimeout bounds a tools/call exchange when the caller does
	// not pick one.
	DefaultCallTimeout = 30 * time.Second
)

// maxLineBytes caps a single protocol line. Tool outputs can be large, but a
// runaway server must not exhaust memory.
const maxLineBytes = 10 * 1024 * 1024

// Status describes where a session is in its lifecycle.
type Status int

const (
	StatusUninitialized Status = iota
	StatusInitializing
	StatusReady
	StatusFailed
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusInitializing:
		return "initializing"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Descriptor tells a session how to launch its tool server. Settings are
// free-form per-server values exported to the child as upper-cased
// environment variables.
type Descriptor struct {
	Name     string
	Command  string
	Args     []string
	Env      map[string]string
	Workdir  string
	Settings map[string]string
}

// equal reports whether two descriptors would launch an identical process.
func (d Descriptor) equal(other Descriptor) bool {
	if d.Name != other.Name || d.Command != other.Command || d.Workdir != other.Workdir {
		return false
	}
	if len(d.Args) != len(other.Args) {
		return false
	}
	for i := range d.Args {
		if d.Args[i] != other.Args[i] {
			return false
		}
	}
	if !mapsEqual(d.Env, other.Env) || !mapsEqual(d.Settings, other.Settings) {
		return false
	}
	return true
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// procHandle abstracts the child process so a session can also run over
// in-process pipes.
type procHandle interface {
	Kill() error
	Pid() int
}

type execProc struct {
	cmd *exec.Cmd
}

func (p execProc) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p execProc) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// waiter carries exactly one outcome to the caller that registered it.
type waiter struct {
	result json.RawMessage
	err    error
}

// Session owns one child tool-server process and its line-oriented protocol
// stream. All exported methods are safe for concurrent use.
type Session struct {
	desc             Descriptor
	handshakeTimeout time.Duration

	writeMu sync.Mutex
	stdin   io.WriteCloser
	proc    procHandle

	nextID atomic.Uint64

	mu      sync.Mutex
	status  Status
	failure error
	pending map[string]chan waiter
	tools   []Tool
	caps    Capabilities

	// done is closed when the reader loop exits.
	done chan struct{}
}

// SessionOption tweaks session construction.
type SessionOption func(*Session)

// WithHandshakeTimeout overrides the default initialize deadline.
func WithHandshakeTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

// Spawn launches the descriptor's command with piped stdin/stdout and starts
// the reader loop. Stderr passes through to the parent so server diagnostics
// stay visible.
func Spawn(desc Descriptor, opts ...SessionOption) (*Session, error) {
	cmd := exec.Command(desc.Command, desc.Args...)
	cmd.Env = buildEnv(desc)
	if desc.Workdir != "" {
		cmd.Dir = desc.Workdir
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Command: desc.Command, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Command: desc.Command, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: desc.Command, Err: err}
	}

	s := newSession(desc, stdin, stdout, execProc{cmd: cmd}, opts...)

	// Wait must run after the reader loop has drained stdout.
	go func() {
		<-s.done
		_ = cmd.Wait()
	}()

	log.Debug().Str("server", desc.Name).Int("pid", s.proc.Pid()).Msg("tool server spawned")
	return s, nil
}

func buildEnv(desc Descriptor) []string {
	env := os.Environ()
	for k, v := range desc.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range desc.Settings {
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	return env
}

// newSession wires a session over an already-connected transport and starts
// its reader loop.
func newSession(desc Descriptor, stdin io.WriteCloser, stdout io.Reader, proc procHandle, opts ...SessionOption) *Session {
	s := &Session{
		desc:             desc,
		handshakeTimeout: DefaultHandshakeTimeout,
		stdin:            stdin,
		proc:             proc,
		status:           StatusUninitialized,
		pending:          make(map[string]chan waiter),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.listen(stdout)
	return s
}

// listen consumes the server's stdout line by line until the stream ends. A
// line that is not a valid protocol message is dropped; it never terminates
// the session.
func (s *Session) listen(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		s.dispatch(line)
	}
	if err := scanner.Err(); err != nil {
		log.Debug().Str("server", s.desc.Name).Err(err).Msg("tool server stream error")
	}
	s.processGone()
	close(s.done)
}

func (s *Session) dispatch(line []byte) {
	var msg inbound
	if err := json.Unmarshal(line, &msg); err != nil {
		// Servers occasionally write stray log lines to stdout.
		log.Debug().Str("server", s.desc.Name).Msg("dropping non-protocol line")
		return
	}
	switch {
	case msg.Method != "" && len(msg.ID) > 0:
		s.handleServerRequest(msg)
	case msg.Method != "":
		s.handleNotification(msg)
	default:
		s.handleResponse(msg)
	}
}

// handleResponse resolves the pending waiter for the echoed id. The waiter
// is removed before delivery, so a duplicate id can never resolve twice; an
// unknown id is dropped.
func (s *Session) handleResponse(msg inbound) {
	var id string
	if err := json.Unmarshal(msg.ID, &id); err != nil || id == "" {
		log.Debug().Str("server", s.desc.Name).Msg("dropping response with unusable id")
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if !ok {
		log.Debug().Str("server", s.desc.Name).Str("id", id).Msg("dropping response for unknown request")
		return
	}

	if msg.Error != nil {
		code := msg.Error.Code
		if code == 0 {
			code = -32000
		}
		message := msg.Error.Message
		if message == "" {
			message = "unknown error"
		}
		ch <- waiter{err: &ProtocolError{Kind: KindRemote, Code: code, Message: message}}
		return
	}
	ch <- waiter{result: msg.Result}
}

func (s *Session) handleServerRequest(msg inbound) {
	switch msg.Method {
	case "ping":
		s.respond(msg.ID, map[string]any{"ok": true}, nil)
	case "elicitation/create":
		s.respond(msg.ID, elicitationAck(msg.Params), nil)
	default:
		log.Warn().Str("server", s.desc.Name).Str("method", msg.Method).Msg("server sent unsupported request")
		s.respond(msg.ID, nil, &rpcError{
			Code:    -32601,
			Message: fmt.Sprintf("client does not implement method %q", msg.Method),
		})
	}
}

// elicitationAck accepts every elicitation, echoing the trimmed prompt
// message so the server can see what was acknowledged.
func elicitationAck(params json.RawMessage) map[string]any {
	content := map[string]any{}
	var req struct {
		Message string `json:"message"`
	}
	if len(params) > 0 && json.Unmarshal(params, &req) == nil {
		if m := strings.TrimSpace(req.Message); m != "" {
			content["message"] = m
		}
	}
	return map[string]any{"action": "accept", "content": content}
}

func (s *Session) handleNotification(msg inbound) {
	log.Debug().Str("server", s.desc.Name).Str("method", msg.Method).Msg("notification from server")
	if msg.Method != "notifications/tools/list_changed" {
		return
	}
	// Refresh from a fresh goroutine: the reader loop must keep draining
	// stdout for the tools/list response to ever arrive.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultCallTimeout)
		defer cancel()
		if _, err := s.ListTools(ctx); err != nil {
			log.Warn().Str("server", s.desc.Name).Err(err).Msg("catalog refresh failed")
		}
	}()
}

func (s *Session) respond(id json.RawMessage, result any, rpcErr *rpcError) {
	data, err := json.Marshal(response{JSONRPC: jsonrpcVersion, ID: id, Result: result, Error: rpcErr})
	if err != nil {
		return
	}
	if err := s.writeLine(data); err != nil {
		log.Debug().Str("server", s.desc.Name).Err(err).Msg("reply to server request failed")
	}
}

func (s *Session) writeLine(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.stdin.Write(append(data, '\n'))
	return err
}

// processGone fails every pending call and marks the session Failed, unless
// it was deliberately closed first.
func (s *Session) processGone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusClosed {
		s.drainPendingLocked(KindCancelled, "session closed")
		return
	}
	s.status = StatusFailed
	s.failure = &ProtocolError{Kind: KindProcessExited, Message: "tool server process exited"}
	s.drainPendingLocked(KindProcessExited, "tool server process exited")
	log.Warn().Str("server", s.desc.Name).Msg("tool server process exited")
}

// drainPendingLocked resolves every pending waiter with a fresh error.
// Callers hold s.mu.
func (s *Session) drainPendingLocked(kind ProtocolErrorKind, message string) {
	for id, ch := range s.pending {
		delete(s.pending, id)
		ch <- waiter{err: &ProtocolError{Kind: kind, Message: message}}
	}
}

// blockedErrLocked reports why no request can be issued right now. Callers
// hold s.mu.
func (s *Session) blockedErrLocked(method string) error {
	if s.status == StatusClosed {
		return &ProtocolError{Kind: KindCancelled, Method: method, Message: "session closed"}
	}
	kind := KindProcessExited
	message := "tool server process exited"
	var pe *ProtocolError
	if errors.As(s.failure, &pe) {
		kind = pe.Kind
		message = pe.Message
	}
	return &ProtocolError{Kind: kind, Method: method, Message: message}
}

// send issues one request and blocks until its response, the timeout, or
// cancellation. The pending entry is always removed before returning, so the
// correlation table cannot grow when a server never answers.
func (s *Session) send(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	s.mu.Lock()
	if s.status == StatusClosed || s.status == StatusFailed {
		err := s.blockedErrLocked(method)
		s.mu.Unlock()
		return nil, err
	}
	id := fmt.Sprintf("req-%d", s.nextID.Add(1))
	ch := make(chan waiter, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	data, err := json.Marshal(request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params})
	if err != nil {
		s.evict(id)
		return nil, &ProtocolError{Kind: KindMalformed, Method: method, Message: fmt.Sprintf("encode request: %v", err)}
	}
	if err := s.writeLine(data); err != nil {
		s.evict(id)
		return nil, &ProtocolError{Kind: KindProcessExited, Method: method, Message: fmt.Sprintf("write request: %v", err)}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case w := <-ch:
		if w.err != nil {
			var pe *ProtocolError
			if errors.As(w.err, &pe) && pe.Method == "" {
				pe.Method = method
			}
			return nil, w.err
		}
		return w.result, nil
	case <-ctx.Done():
		s.evict(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &ProtocolError{Kind: KindTimeout, Method: method, Message: "context deadline exceeded"}
		}
		return nil, &ProtocolError{Kind: KindCancelled, Method: method, Message: "call cancelled"}
	case <-timer.C:
		s.evict(id)
		return nil, &ProtocolError{Kind: KindTimeout, Method: method, Message: fmt.Sprintf("no response within %s", timeout)}
	}
}

// evict drops a pending entry after timeout or cancellation so a straggler
// response is treated as unknown and discarded.
func (s *Session) evict(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// notify sends an id-less notification; there is nothing to await.
func (s *Session) notify(method string, params any) error {
	data, err := json.Marshal(request{JSONRPC: jsonrpcVersion, Method: method, Params: params})
	if err != nil {
		return err
	}
	return s.writeLine(data)
}

// Initialize performs the handshake: an initialize request answered within
// the handshake deadline, followed by the initialized notification. Server
// info and instructions from the result are retained for prompt assembly.
func (s *Session) Initialize(ctx context.Context) (Capabilities, error) {
	s.mu.Lock()
	switch s.status {
	case StatusClosed:
		err := s.blockedErrLocked("initialize")
		s.mu.Unlock()
		return Capabilities{}, err
	case StatusReady:
		caps := s.caps
		s.mu.Unlock()
		return caps, nil
	}
	s.status = StatusInitializing
	s.failure = nil
	s.mu.Unlock()

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	}
	result, err := s.send(ctx, "initialize", params, s.handshakeTimeout)
	if err != nil {
		s.markFailed(err)
		return Capabilities{}, err
	}

	var parsed initializeResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		perr := &ProtocolError{Kind: KindMalformed, Method: "initialize", Message: fmt.Sprintf("decode result: %v", err)}
		s.markFailed(perr)
		return Capabilities{}, perr
	}

	caps := Capabilities{
		ProtocolVersion: parsed.ProtocolVersion,
		ServerName:      parsed.ServerInfo.Name,
		ServerVersion:   parsed.ServerInfo.Version,
		Instructions:    strings.TrimSpace(parsed.Instructions),
		Raw:             parsed.Capabilities,
	}

	if err := s.notify("notifications/initialized", map[string]any{}); err != nil {
		log.Warn().Str("server", s.desc.Name).Err(err).Msg("initialized notification failed")
	}

	s.mu.Lock()
	if s.status == StatusInitializing {
		s.status = StatusReady
		s.caps = caps
	}
	s.mu.Unlock()

	log.Info().
		Str("server", s.desc.Name).
		Str("remote", caps.ServerName).
		Str("protocol", caps.ProtocolVersion).
		Msg("tool server ready")
	return caps, nil
}

// markFailed records a handshake failure. Process exit sets its own terminal
// state from the reader loop.
func (s *Session) markFailed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusClosed || s.status == StatusFailed {
		return
	}
	s.status = StatusFailed
	s.failure = err
}

// ListTools queries the server's catalog and caches it on the session.
func (s *Session) ListTools(ctx context.Context) ([]Tool, error) {
	result, err := s.send(ctx, "tools/list", map[string]any{}, s.handshakeTimeout)
	if err != nil {
		return nil, err
	}
	var parsed toolsListResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, &ProtocolError{Kind: KindMalformed, Method: "tools/list", Message: fmt.Sprintf("decode result: %v", err)}
	}

	s.mu.Lock()
	s.tools = parsed.Tools
	s.mu.Unlock()

	log.Debug().Str("server", s.desc.Name).Int("tools", len(parsed.Tools)).Msg("catalog updated")
	return parsed.Tools, nil
}

// CallTool executes one tool with a bounded per-call timeout.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*ToolResult, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if args == nil {
		args = map[string]any{}
	}
	result, err := s.send(ctx, "tools/call", map[string]any{"name": name, "arguments": args}, timeout)
	if err != nil {
		return nil, err
	}

	var parsed callResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, &ProtocolError{Kind: KindMalformed, Method: "tools/call", Message: fmt.Sprintf("decode result: %v", err)}
	}

	var parts []string
	for _, block := range parsed.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return &ToolResult{Text: strings.Join(parts, "\n"), IsError: parsed.IsError, Raw: result}, nil
}

// Name returns the descriptor name this session serves.
func (s *Session) Name() string { return s.desc.Name }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the failure that moved the session to StatusFailed, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Tools returns a copy of the cached catalog.
func (s *Session) Tools() []Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Tool, len(s.tools))
	copy(out, s.tools)
	return out
}

// Instructions returns the server guidance captured during the handshake.
func (s *Session) Instructions() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps.Instructions
}

// Capabilities returns the handshake result.
func (s *Session) Capabilities() Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// Close terminates the process and resolves every pending call with
// Cancelled. Calling it again is a no-op.
// killProcess tears down the child process without touching the session
// status, so a Failed handshake stays observable as Failed rather than
// Closed.
func (s *Session) killProcess() {
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.proc != nil {
		_ = s.proc.Kill()
	}
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.status == StatusClosed {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusClosed
	s.drainPendingLocked(KindCancelled, "session closed")
	s.mu.Unlock()

	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.proc != nil {
		_ = s.proc.Kill()
	}
	log.Debug().Str("server", s.desc.Name).Msg("session closed")
	return nil
}

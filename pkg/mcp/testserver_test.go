package mcp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeProc stands in for a child process handle.
type fakeProc struct {
	killed atomic.Bool
}

func (p *fakeProc) Kill() error {
	p.killed.Store(true)
	return nil
}

func (p *fakeProc) Pid() int { return 4242 }

// clientMsg is one protocol line received from the session under test.
type clientMsg struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// testServer speaks the server side of the protocol over in-process pipes.
// Its default script answers initialize, tools/list and tools/call; tests
// override behavior per method with intercept.
type testServer struct {
	t    *testing.T
	in   *io.PipeReader
	out  *io.PipeWriter
	proc *fakeProc

	mu           sync.Mutex
	onRequest    func(msg clientMsg) bool
	tools        []Tool
	instructions string

	requests chan clientMsg
	replies  chan clientMsg

	exitOnce sync.Once
}

// newPipeServer builds a test server plus the transport ends a session needs.
func newPipeServer(t *testing.T) (*testServer, io.WriteCloser, io.Reader) {
	t.Helper()
	sessionIn, serverOut := io.Pipe()
	serverIn, sessionOut := io.Pipe()

	ts := &testServer{
		t:    t,
		in:   serverIn,
		out:  serverOut,
		proc: &fakeProc{},
		tools: []Tool{{
			Name:        "echo",
			Description: "echoes text back",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}},
		requests: make(chan clientMsg, 32),
		replies:  make(chan clientMsg, 32),
	}
	go ts.serve()
	t.Cleanup(ts.exit)
	return ts, sessionOut, sessionIn
}

// startTestSession wires a session to a fresh test server.
func startTestSession(t *testing.T, opts ...SessionOption) (*Session, *testServer) {
	t.Helper()
	ts, stdin, stdout := newPipeServer(t)
	s := newSession(Descriptor{Name: "fake", Command: "fake-server"}, stdin, stdout, ts.proc, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s, ts
}

func (ts *testServer) serve() {
	scanner := bufio.NewScanner(ts.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var msg clientMsg
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Method == "" {
			ts.replies <- msg
			continue
		}
		ts.requests <- msg

		ts.mu.Lock()
		handler := ts.onRequest
		ts.mu.Unlock()
		if handler != nil && handler(msg) {
			continue
		}
		ts.respondDefault(msg)
	}
}

func (ts *testServer) respondDefault(msg clientMsg) {
	switch msg.Method {
	case "initialize":
		ts.mu.Lock()
		instructions := ts.instructions
		ts.mu.Unlock()
		ts.reply(msg.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{"listChanged": true}},
			"serverInfo":      map[string]any{"name": "fake-server", "version": "9.9.9"},
			"instructions":    instructions,
		})
	case "notifications/initialized":
		// notification, nothing to answer
	case "tools/list":
		ts.mu.Lock()
		tools := ts.tools
		ts.mu.Unlock()
		ts.reply(msg.ID, map[string]any{"tools": tools})
	case "tools/call":
		var params struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		ts.reply(msg.ID, map[string]any{
			"content": []map[string]any{{"type": "text", "text": fmt.Sprintf("ran %s", params.Name)}},
			"isError": false,
		})
	default:
		ts.replyError(msg.ID, -32601, "method not found")
	}
}

// intercept installs a per-test handler. Returning false falls through to
// the default script.
func (ts *testServer) intercept(h func(msg clientMsg) bool) {
	ts.mu.Lock()
	ts.onRequest = h
	ts.mu.Unlock()
}

func (ts *testServer) setTools(tools []Tool) {
	ts.mu.Lock()
	ts.tools = tools
	ts.mu.Unlock()
}

func (ts *testServer) setInstructions(text string) {
	ts.mu.Lock()
	ts.instructions = text
	ts.mu.Unlock()
}

func (ts *testServer) reply(id string, result any) {
	ts.push(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func (ts *testServer) replyError(id string, code int, message string) {
	ts.push(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": message},
	})
}

func (ts *testServer) push(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		ts.t.Errorf("marshal server message: %v", err)
		return
	}
	ts.writeRaw(string(data))
}

// writeRaw sends one raw line to the session, newline added.
func (ts *testServer) writeRaw(line string) {
	_, _ = ts.out.Write([]byte(line + "\n"))
}

// exit closes both pipe ends, which a session observes as the process going
// away.
func (ts *testServer) exit() {
	ts.exitOnce.Do(func() {
		_ = ts.out.Close()
		_ = ts.in.Close()
	})
}

// awaitRequest returns the next client request or notification matching
// method, skipping others.
func (ts *testServer) awaitRequest(t *testing.T, method string) clientMsg {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-ts.requests:
			if msg.Method == method {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s from client", method)
		}
	}
}

// awaitReply returns the next response the client sent for a
// server-initiated request.
func (ts *testServer) awaitReply(t *testing.T) clientMsg {
	t.Helper()
	select {
	case msg := <-ts.replies:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client reply")
		return clientMsg{}
	}
}

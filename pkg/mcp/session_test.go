package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionInitialize(t *testing.T) {
	s, ts := startTestSession(t)
	ts.setInstructions("prefer the echo tool for text")

	caps, err := s.Initialize(context.Background())
	require.NoError(t, err)

	assert.Equal(t, protocolVersion, caps.ProtocolVersion)
	assert.Equal(t, "fake-server", caps.ServerName)
	assert.Equal(t, "9.9.9", caps.ServerVersion)
	assert.Equal(t, "prefer the echo tool for text", caps.Instructions)
	assert.Equal(t, StatusReady, s.Status())
	assert.Equal(t, caps.Instructions, s.Instructions())

	init := ts.awaitRequest(t, "initialize")
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
		ClientInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"clientInfo"`
	}
	require.NoError(t, json.Unmarshal(init.Params, &params))
	assert.Equal(t, protocolVersion, params.ProtocolVersion)
	assert.Equal(t, clientName, params.ClientInfo.Name)
	assert.Equal(t, clientVersion, params.ClientInfo.Version)

	ts.awaitRequest(t, "notifications/initialized")

	// Second call returns the cached handshake.
	again, err := s.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, caps, again)
}

func TestSessionInitializeRemoteFailure(t *testing.T) {
	s, ts := startTestSession(t)
	ts.intercept(func(msg clientMsg) bool {
		if msg.Method != "initialize" {
			return false
		}
		ts.replyError(msg.ID, -32000, "server on fire")
		return true
	})

	_, err := s.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindRemote, ErrorKind(err))
	assert.Equal(t, StatusFailed, s.Status())
	assert.Error(t, s.Err())
}

func TestSessionListTools(t *testing.T) {
	s, ts := startTestSession(t)
	ts.setTools([]Tool{
		{Name: "echo", Description: "echoes", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "hash", Description: "hashes", InputSchema: json.RawMessage(`{"type":"object"}`)},
	})

	tools, err := s.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "echo", tools[0].Name)
	assert.Equal(t, "hash", tools[1].Name)

	cached := s.Tools()
	require.Len(t, cached, 2)
	cached[0].Name = "mutated"
	assert.Equal(t, "echo", s.Tools()[0].Name)
}

func TestSessionCallToolJoinsTextBlocks(t *testing.T) {
	s, ts := startTestSession(t)
	ts.intercept(func(msg clientMsg) bool {
		if msg.Method != "tools/call" {
			return false
		}
		ts.reply(msg.ID, map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "first"},
				{"type": "image", "data": "aGk="},
				{"type": "text", "text": "second"},
			},
			"isError": true,
		})
		return true
	})

	res, err := s.CallTool(context.Background(), "echo", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", res.Text)
	assert.True(t, res.IsError)
	assert.NotEmpty(t, res.Raw)
}

func TestSessionConcurrentCallsCorrelate(t *testing.T) {
	s, ts := startTestSession(t)

	var mu sync.Mutex
	var queued []clientMsg
	ts.intercept(func(msg clientMsg) bool {
		if msg.Method != "tools/call" {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		queued = append(queued, msg)
		if len(queued) < 2 {
			return true
		}
		// Answer in reverse arrival order.
		for i := len(queued) - 1; i >= 0; i-- {
			var params struct {
				Arguments map[string]any `json:"arguments"`
			}
			if err := json.Unmarshal(queued[i].Params, &params); err != nil {
				t.Errorf("decode call params: %v", err)
				continue
			}
			tag, _ := params.Arguments["tag"].(string)
			ts.reply(queued[i].ID, map[string]any{
				"content": []map[string]any{{"type": "text", "text": tag}},
			})
		}
		return true
	})

	results := make(map[string]string, 2)
	var resMu sync.Mutex
	var wg sync.WaitGroup
	for _, tag := range []string{"alpha", "beta"} {
		wg.Add(1)
		go func(tag string) {
			defer wg.Done()
			res, err := s.CallTool(context.Background(), "echo", map[string]any{"tag": tag}, 5*time.Second)
			if err != nil {
				t.Errorf("call %s: %v", tag, err)
				return
			}
			resMu.Lock()
			results[tag] = res.Text
			resMu.Unlock()
		}(tag)
	}
	wg.Wait()

	assert.Equal(t, "alpha", results["alpha"])
	assert.Equal(t, "beta", results["beta"])
}

func TestSessionCallTimeout(t *testing.T) {
	s, ts := startTestSession(t)
	ts.intercept(func(msg clientMsg) bool {
		return msg.Method == "tools/call" // swallow, never answer
	})

	_, err := s.CallTool(context.Background(), "echo", nil, 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, KindTimeout, ErrorKind(err))

	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	assert.Zero(t, pending)

	// A straggler answer for the evicted id is dropped, and the session
	// keeps working.
	late := ts.awaitRequest(t, "tools/call")
	ts.reply(late.ID, map[string]any{"content": []map[string]any{{"type": "text", "text": "too late"}}})

	ts.intercept(nil)
	res, err := s.CallTool(context.Background(), "echo", nil, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ran echo", res.Text)
}

func TestSessionCallCancelled(t *testing.T) {
	s, ts := startTestSession(t)
	ts.intercept(func(msg clientMsg) bool {
		return msg.Method == "tools/call"
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.CallTool(ctx, "echo", nil, 5*time.Second)
		errCh <- err
	}()

	ts.awaitRequest(t, "tools/call")
	cancel()

	err := <-errCh
	require.Error(t, err)
	assert.Equal(t, KindCancelled, ErrorKind(err))
}

func TestSessionProcessExitFailsPending(t *testing.T) {
	s, ts := startTestSession(t)
	_, err := s.Initialize(context.Background())
	require.NoError(t, err)

	ts.intercept(func(msg clientMsg) bool {
		return msg.Method == "tools/call"
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.CallTool(context.Background(), "echo", nil, 5*time.Second)
		errCh <- err
	}()

	ts.awaitRequest(t, "tools/call")
	ts.exit()

	err = <-errCh
	require.Error(t, err)
	assert.Equal(t, KindProcessExited, ErrorKind(err))

	require.Eventually(t, func() bool {
		return s.Status() == StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Error(t, s.Err())

	// Later calls fail fast without blocking.
	_, err = s.CallTool(context.Background(), "echo", nil, 5*time.Second)
	require.Error(t, err)
	assert.Equal(t, KindProcessExited, ErrorKind(err))
}

func TestSessionCloseResolvesPending(t *testing.T) {
	s, ts := startTestSession(t)
	ts.intercept(func(msg clientMsg) bool {
		return msg.Method == "tools/call"
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.CallTool(context.Background(), "echo", nil, 5*time.Second)
		errCh <- err
	}()
	ts.awaitRequest(t, "tools/call")

	require.NoError(t, s.Close())

	err := <-errCh
	require.Error(t, err)
	assert.Equal(t, KindCancelled, ErrorKind(err))
	assert.Equal(t, StatusClosed, s.Status())
	assert.True(t, ts.proc.killed.Load())

	// Idempotent, and new calls fail fast.
	require.NoError(t, s.Close())
	_, err = s.CallTool(context.Background(), "echo", nil, time.Second)
	assert.Equal(t, KindCancelled, ErrorKind(err))
}

func TestSessionAnswersServerRequests(t *testing.T) {
	s, ts := startTestSession(t)
	_, err := s.Initialize(context.Background())
	require.NoError(t, err)

	t.Run("ping", func(t *testing.T) {
		ts.writeRaw(`{"jsonrpc":"2.0","id":"srv-1","method":"ping"}`)
		reply := ts.awaitReply(t)
		assert.Equal(t, "srv-1", reply.ID)
		var result map[string]any
		require.NoError(t, json.Unmarshal(reply.Result, &result))
		assert.Equal(t, true, result["ok"])
	})

	t.Run("elicitation", func(t *testing.T) {
		ts.writeRaw(`{"jsonrpc":"2.0","id":"srv-2","method":"elicitation/create","params":{"message":"  proceed?  "}}`)
		reply := ts.awaitReply(t)
		assert.Equal(t, "srv-2", reply.ID)
		var result struct {
			Action  string         `json:"action"`
			Content map[string]any `json:"content"`
		}
		require.NoError(t, json.Unmarshal(reply.Result, &result))
		assert.Equal(t, "accept", result.Action)
		assert.Equal(t, "proceed?", result.Content["message"])
	})

	t.Run("unsupported method", func(t *testing.T) {
		ts.writeRaw(`{"jsonrpc":"2.0","id":"srv-3","method":"roots/list"}`)
		reply := ts.awaitReply(t)
		assert.Equal(t, "srv-3", reply.ID)
		require.NotNil(t, reply.Error)
		assert.Equal(t, -32601, reply.Error.Code)
		assert.Contains(t, reply.Error.Message, `"roots/list"`)
	})
}

func TestSessionListChangedRefreshesCatalog(t *testing.T) {
	s, ts := startTestSession(t)
	_, err := s.Initialize(context.Background())
	require.NoError(t, err)
	_, err = s.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, s.Tools(), 1)

	ts.setTools([]Tool{
		{Name: "echo", Description: "echoes", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "hash", Description: "hashes", InputSchema: json.RawMessage(`{"type":"object"}`)},
	})
	ts.writeRaw(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)

	require.Eventually(t, func() bool {
		return len(s.Tools()) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionDropsNoise(t *testing.T) {
	s, ts := startTestSession(t)

	ts.writeRaw("plain log line, not a protocol message")
	ts.writeRaw("")
	ts.writeRaw(`{"jsonrpc":"2.0","id":"req-999","result":{"ok":true}}`)
	ts.writeRaw(`{"jsonrpc":"2.0","id":42,"result":{}}`)

	res, err := s.CallTool(context.Background(), "echo", nil, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ran echo", res.Text)
}

func TestSessionDuplicateResponseDropped(t *testing.T) {
	s, ts := startTestSession(t)
	ts.intercept(func(msg clientMsg) bool {
		if msg.Method != "tools/call" {
			return false
		}
		ts.reply(msg.ID, map[string]any{"content": []map[string]any{{"type": "text", "text": "first"}}})
		ts.reply(msg.ID, map[string]any{"content": []map[string]any{{"type": "text", "text": "second"}}})
		return true
	})

	res, err := s.CallTool(context.Background(), "echo", nil, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first", res.Text)

	ts.intercept(nil)
	res, err = s.CallTool(context.Background(), "echo", nil, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ran echo", res.Text)
}

func TestSessionRemoteErrorMapping(t *testing.T) {
	t.Run("explicit code and message", func(t *testing.T) {
		s, ts := startTestSession(t)
		ts.intercept(func(msg clientMsg) bool {
			if msg.Method != "tools/call" {
				return false
			}
			ts.replyError(msg.ID, -32001, "boom")
			return true
		})

		_, err := s.CallTool(context.Background(), "echo", nil, 2*time.Second)
		require.Error(t, err)
		var pe *ProtocolError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, KindRemote, pe.Kind)
		assert.Equal(t, -32001, pe.Code)
		assert.Equal(t, "boom", pe.Message)
		assert.Equal(t, "tools/call", pe.Method)
	})

	t.Run("empty error object gets defaults", func(t *testing.T) {
		s, ts := startTestSession(t)
		ts.intercept(func(msg clientMsg) bool {
			if msg.Method != "tools/call" {
				return false
			}
			ts.writeRaw(`{"jsonrpc":"2.0","id":"` + msg.ID + `","error":{}}`)
			return true
		})

		_, err := s.CallTool(context.Background(), "echo", nil, 2*time.Second)
		require.Error(t, err)
		var pe *ProtocolError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, -32000, pe.Code)
		assert.Equal(t, "unknown error", pe.Message)
	})
}

func TestSessionSettingsExportedUppercase(t *testing.T) {
	env := buildEnv(Descriptor{
		Name:     "fake",
		Command:  "fake-server",
		Env:      map[string]string{"HTTP_PROXY": "http://localhost:8080"},
		Settings: map[string]string{"api_key": "s3cret", "region": "eu-west-1"},
	})

	assert.Contains(t, env, "HTTP_PROXY=http://localhost:8080")
	assert.Contains(t, env, "API_KEY=s3cret")
	assert.Contains(t, env, "REGION=eu-west-1")
}

func TestSpawnMissingBinary(t *testing.T) {
	_, err := Spawn(Descriptor{Name: "ghost", Command: "/nonexistent/tool-server"})
	require.Error(t, err)
	var se *SpawnError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "/nonexistent/tool-server", se.Command)
}

func TestDescriptorEqual(t *testing.T) {
	base := Descriptor{
		Name:     "files",
		Command:  "mcp-files",
		Args:     []string{"--root", "/tmp"},
		Env:      map[string]string{"A": "1"},
		Settings: map[string]string{"k": "v"},
	}

	tests := []struct {
		name  string
		other Descriptor
		equal bool
	}{
		{"identical", base, true},
		{"changed args", Descriptor{Name: "files", Command: "mcp-files", Args: []string{"--root", "/var"}, Env: map[string]string{"A": "1"}, Settings: map[string]string{"k": "v"}}, false},
		{"changed env", Descriptor{Name: "files", Command: "mcp-files", Args: []string{"--root", "/tmp"}, Env: map[string]string{"A": "2"}, Settings: map[string]string{"k": "v"}}, false},
		{"changed command", Descriptor{Name: "files", Command: "mcp-files-v2", Args: []string{"--root", "/tmp"}, Env: map[string]string{"A": "1"}, Settings: map[string]string{"k": "v"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.equal, base.equal(tt.other))
		})
	}
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, KindTimeout, ErrorKind(&ProtocolError{Kind: KindTimeout}))
	assert.Equal(t, ProtocolErrorKind(0), ErrorKind(errors.New("plain")))
	assert.Equal(t, ProtocolErrorKind(0), ErrorKind(nil))
}

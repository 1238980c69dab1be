package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/juru/internal/metrics"
	"github.com/harun/juru/internal/tracing"
	"github.com/harun/juru/pkg/mcp"
)

// Server is the slice of a tool-server session the manager calls.
type Server interface {
	Name() string
	Status() mcp.Status
	Tools() []mcp.Tool
	Instructions() string
	CallTool(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*mcp.ToolResult, error)
}

// Source supplies live sessions by server name.
type Source interface {
	EnsureReady(ctx context.Context, name string) (Server, error)
	Lookup(name string) (Server, bool)
	Drop(name string)
	Resync(ctx context.Context, name string) ([]mcp.Tool, error)
	Names() []string
	Statuses() map[string]mcp.Status
}

// FromRegistry adapts an mcp.Registry to the Source interface.
func FromRegistry(reg *mcp.Registry) Source {
	return registrySource{reg: reg}
}

type registrySource struct {
	reg *mcp.Registry
}

func (rs registrySource) EnsureReady(ctx context.Context, name string) (Server, error) {
	s, err := rs.reg.EnsureReady(ctx, name)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (rs registrySource) Lookup(name string) (Server, bool) {
	s, ok := rs.reg.Lookup(name)
	if !ok {
		return nil, false
	}
	return s, true
}

func (rs registrySource) Drop(name string) { rs.reg.Drop(name) }

func (rs registrySource) Resync(ctx context.Context, name string) ([]mcp.Tool, error) {
	return rs.reg.Resync(ctx, name)
}

func (rs registrySource) Names() []string { return rs.reg.Names() }

func (rs registrySource) Statuses() map[string]mcp.Status { return rs.reg.Statuses() }

// Result is one successful tool invocation.
type Result struct {
	Server  string
	Tool    string
	Text    string
	IsError bool
	Raw     json.RawMessage
	Elapsed time.Duration
}

// Manager resolves bound tool names to servers, validates arguments and
// executes calls, relaunching a dead server once per invocation.
type Manager struct {
	src         Source
	met         *metrics.Metrics
	callTimeout time.Duration
	schemas     *schemaCache

	mu       sync.RWMutex
	bindings map[string]Binding
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithCallTimeout overrides the per-call deadline.
func WithCallTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.callTimeout = d
		}
	}
}

// WithManagerMetrics attaches the metrics handle used for call accounting.
func WithManagerMetrics(met *metrics.Metrics) ManagerOption {
	return func(m *Manager) {
		m.met = met
	}
}

// NewManager builds a manager over a session source and an initial binding
// set.
func NewManager(src Source, bindings []Binding, opts ...ManagerOption) *Manager {
	m := &Manager{
		src:         src,
		callTimeout: mcp.DefaultCallTimeout,
		schemas:     newSchemaCache(),
		bindings:    make(map[string]Binding),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.SetBindings(bindings)
	return m
}

// SetBindings replaces the binding table, for configuration reloads.
func (m *Manager) SetBindings(bindings []Binding) {
	table := make(map[string]Binding, len(bindings))
	for _, b := range bindings {
		if b.Name == "" || b.Server == "" {
			log.Warn().Str("tool", b.Name).Str("server", b.Server).Msg("skipping incomplete tool binding")
			continue
		}
		table[b.Name] = b
	}

	m.mu.Lock()
	m.bindings = table
	m.mu.Unlock()
	log.Debug().Int("bindings", len(table)).Msg("tool bindings updated")
}

// Bindings returns the binding table sorted by advertised name.
func (m *Manager) Bindings() []Binding {
	m.mu.RLock()
	out := make([]Binding, 0, len(m.bindings))
	for _, b := range m.bindings {
		out = append(out, b)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) binding(name string) (Binding, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[name]
	return b, ok
}

// Invoke executes one bound tool. A call that fails because the server died
// or stopped answering is retried exactly once against a relaunched server;
// every other failure returns immediately.
func (m *Manager) Invoke(ctx context.Context, name string, args map[string]any) (*Result, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"juru.tool",
		"tool.invoke",
		attribute.String("tool", name),
	)
	defer span.End()

	start := time.Now()
	res, err := m.invoke(ctx, name, args)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.met.RecordToolCall(name, metricStatus(err), elapsed)
		return nil, err
	}
	m.met.RecordToolCall(name, "ok", elapsed)
	res.Elapsed = elapsed
	return res, nil
}

func (m *Manager) invoke(ctx context.Context, name string, args map[string]any) (*Result, error) {
	b, ok := m.binding(name)
	if !ok {
		return nil, &Error{Kind: KindNotBound, Tool: name}
	}
	if args == nil {
		args = map[string]any{}
	}

	srv, err := m.src.EnsureReady(ctx, b.Server)
	if err != nil {
		return nil, &Error{Kind: KindServerNotReady, Tool: name, Server: b.Server, Err: err}
	}

	remote := b.remoteName()
	catalogTool, ok := findTool(srv.Tools(), remote)
	if !ok {
		return nil, &Error{Kind: KindNotBound, Tool: name, Server: b.Server,
			Err: fmt.Errorf("tool %s not in server catalog", remote)}
	}
	if err := m.schemas.validate(b.Server+"/"+remote, catalogTool.InputSchema, args); err != nil {
		return nil, &Error{Kind: KindInvalidArgs, Tool: name, Server: b.Server, Err: err}
	}

	res, err := srv.CallTool(ctx, remote, args, m.callTimeout)
	if err == nil {
		return &Result{Server: b.Server, Tool: remote, Text: res.Text, IsError: res.IsError, Raw: res.Raw}, nil
	}

	kind := mapProtocolKind(err)
	if !retryable(kind) || ctx.Err() != nil {
		return nil, &Error{Kind: kind, Tool: name, Server: b.Server, Err: err}
	}

	// A timed-out call leaves the session nominally Ready, so the old one
	// must go before EnsureReady or the retry hits the same wedged process.
	log.Warn().Str("tool", name).Str("server", b.Server).Err(err).Msg("tool call failed, relaunching server")
	m.src.Drop(b.Server)
	srv, rerr := m.src.EnsureReady(ctx, b.Server)
	if rerr != nil {
		return nil, &Error{Kind: KindServerNotReady, Tool: name, Server: b.Server, Err: rerr}
	}
	res, err = srv.CallTool(ctx, remote, args, m.callTimeout)
	if err != nil {
		return nil, &Error{Kind: mapProtocolKind(err), Tool: name, Server: b.Server, Err: err}
	}
	return &Result{Server: b.Server, Tool: remote, Text: res.Text, IsError: res.IsError, Raw: res.Raw}, nil
}

// ListAvailable reports the tools the model may call right now: bindings
// whose server is Ready and whose remote tool is in that server's catalog.
// It never launches a server.
func (m *Manager) ListAvailable() []Desc {
	var out []Desc
	for _, b := range m.Bindings() {
		srv, ok := m.src.Lookup(b.Server)
		if !ok || srv.Status() != mcp.StatusReady {
			continue
		}
		catalogTool, ok := findTool(srv.Tools(), b.remoteName())
		if !ok {
			continue
		}
		desc := b.Description
		if desc == "" {
			desc = catalogTool.Description
		}
		out = append(out, Desc{
			Name:        b.Name,
			Description: desc,
			InputSchema: catalogTool.InputSchema,
			Server:      b.Server,
		})
	}
	return out
}

// Instructions merges the guidance every Ready server sent during its
// handshake, one line per server.
func (m *Manager) Instructions() string {
	names := m.src.Names()
	sort.Strings(names)
	var lines []string
	for _, name := range names {
		srv, ok := m.src.Lookup(name)
		if !ok || srv.Status() != mcp.StatusReady {
			continue
		}
		text := strings.TrimSpace(srv.Instructions())
		if text == "" {
			continue
		}
		lines = append(lines, "Server '"+name+"' guidance: "+text)
	}
	return strings.Join(lines, "\n")
}

// Sync launches every configured server and refreshes its catalog,
// concurrently. The result maps each server name to its handshake error, nil
// on success.
func (m *Manager) Sync(ctx context.Context) map[string]error {
	names := m.src.Names()
	results := make(map[string]error, len(names))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, err := m.src.EnsureReady(ctx, name)
			mu.Lock()
			results[name] = err
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	return results
}

// Statuses reports the lifecycle state of every configured server.
func (m *Manager) Statuses() map[string]mcp.Status {
	return m.src.Statuses()
}

func findTool(tools []mcp.Tool, name string) (mcp.Tool, bool) {
	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	return mcp.Tool{}, false
}

func retryable(kind Kind) bool {
	return kind == KindTimeout || kind == KindProcessExited
}

// mapProtocolKind folds wire-level failures into invocation kinds. A call
// cancelled because its session closed counts as the process going away;
// malformed replies count as the server misbehaving.
func mapProtocolKind(err error) Kind {
	switch mcp.ErrorKind(err) {
	case mcp.KindTimeout:
		return KindTimeout
	case mcp.KindProcessExited, mcp.KindCancelled:
		return KindProcessExited
	case mcp.KindRemote, mcp.KindMalformed:
		return KindRemote
	default:
		return KindRemote
	}
}

func metricStatus(err error) string {
	if kind := KindOf(err); kind != 0 {
		return strings.ReplaceAll(kind.String(), " ", "_")
	}
	return "error"
}

package mcp

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/juru/internal/metrics"
)

// Registry tracks the configured tool servers and launches their sessions on
// first use. Handshakes for different servers run concurrently; a handshake
// for one name never blocks lookups or other names.
type Registry struct {
	spawn func(Descriptor) (*Session, error)
	met   *metrics.Metrics

	mu      sync.RWMutex
	entries map[string]*registryEntry
}

// registryEntry serializes lifecycle changes for a single server name. The
// session pointer is atomic so readers never wait on an in-flight handshake.
type registryEntry struct {
	mu   sync.Mutex
	desc Descriptor
	sess atomic.Pointer[Session]
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithSpawner replaces the process launcher, mainly for tests.
func WithSpawner(spawn func(Descriptor) (*Session, error)) RegistryOption {
	return func(r *Registry) {
		if spawn != nil {
			r.spawn = spawn
		}
	}
}

// WithMetrics attaches the metrics handle used for handshake accounting.
func WithMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) {
		r.met = m
	}
}

// NewRegistry builds an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		spawn:   func(desc Descriptor) (*Session, error) { return Spawn(desc) },
		entries: make(map[string]*registryEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a server or replaces its descriptor. Replacing with a
// changed descriptor tears down any live session so the next use relaunches
// with the new command; registering the same descriptor again is a no-op.
func (r *Registry) Register(desc Descriptor) {
	r.mu.Lock()
	e, ok := r.entries[desc.Name]
	if !ok {
		e = &registryEntry{desc: desc}
		r.entries[desc.Name] = e
		r.mu.Unlock()
		log.Debug().Str("server", desc.Name).Msg("tool server registered")
		return
	}
	r.mu.Unlock()

	e.mu.Lock()
	if e.desc.equal(desc) {
		e.mu.Unlock()
		return
	}
	e.desc = desc
	if s := e.sess.Load(); s != nil {
		_ = s.Close()
		e.sess.Store(nil)
	}
	e.mu.Unlock()

	r.updateGauge()
	log.Info().Str("server", desc.Name).Msg("tool server descriptor replaced")
}

func (r *Registry) entry(name string) *registryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// EnsureReady returns a Ready session for the named server, performing the
// spawn and handshake if needed. Concurrent calls for the same name share a
// single handshake.
func (r *Registry) EnsureReady(ctx context.Context, name string) (*Session, error) {
	e := r.entry(name)
	if e == nil {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownServer)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if s := e.sess.Load(); s != nil && s.Status() == StatusReady {
		return s, nil
	}
	if s := e.sess.Load(); s != nil {
		_ = s.Close()
		e.sess.Store(nil)
	}

	start := time.Now()
	s, err := r.spawn(e.desc)
	if err != nil {
		r.met.RecordHandshake(name, "error", time.Since(start))
		return nil, err
	}
	e.sess.Store(s)

	if _, err := s.Initialize(ctx); err != nil {
		s.killProcess()
		r.met.RecordHandshake(name, "error", time.Since(start))
		return nil, err
	}
	if _, err := s.ListTools(ctx); err != nil {
		_ = s.Close()
		e.sess.Store(nil)
		r.met.RecordHandshake(name, "error", time.Since(start))
		return nil, fmt.Errorf("initial catalog for %q: %w", name, err)
	}

	r.met.RecordHandshake(name, "ok", time.Since(start))
	r.updateGauge()
	return s, nil
}

// Lookup returns the current session for a name without triggering a
// launch. It never blocks on an in-flight handshake.
func (r *Registry) Lookup(name string) (*Session, bool) {
	e := r.entry(name)
	if e == nil {
		return nil, false
	}
	s := e.sess.Load()
	return s, s != nil
}

// Resync re-queries the catalog of an already Ready server.
func (r *Registry) Resync(ctx context.Context, name string) ([]Tool, error) {
	e := r.entry(name)
	if e == nil {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownServer)
	}
	s := e.sess.Load()
	if s == nil || s.Status() != StatusReady {
		return nil, fmt.Errorf("%q: %w", name, ErrNotReady)
	}
	return s.ListTools(ctx)
}

// Drop closes and discards the live session for a name so the next
// EnsureReady relaunches the process. A call timeout leaves a session Ready
// but possibly wedged; dropping it is how callers force a fresh handshake.
// Unknown names are a no-op.
func (r *Registry) Drop(name string) {
	e := r.entry(name)
	if e == nil {
		return
	}
	e.mu.Lock()
	s := e.sess.Load()
	if s != nil {
		_ = s.Close()
		e.sess.Store(nil)
	}
	e.mu.Unlock()

	if s != nil {
		r.updateGauge()
		log.Info().Str("server", name).Msg("tool server session dropped")
	}
}

// Names lists the registered server names in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Statuses reports the lifecycle state per registered server. Servers never
// launched report StatusUninitialized.
func (r *Registry) Statuses() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Status, len(r.entries))
	for name, e := range r.entries {
		if s := e.sess.Load(); s != nil {
			out[name] = s.Status()
		} else {
			out[name] = StatusUninitialized
		}
	}
	return out
}

// Apply reconciles the registry against a full desired set: new names are
// added, changed descriptors replace their sessions, and names absent from
// the set are removed. Unchanged servers keep their live sessions.
func (r *Registry) Apply(descs []Descriptor) {
	want := make(map[string]bool, len(descs))
	for _, desc := range descs {
		want[desc.Name] = true
		r.Register(desc)
	}

	r.mu.Lock()
	var removed []*registryEntry
	for name, e := range r.entries {
		if !want[name] {
			removed = append(removed, e)
			delete(r.entries, name)
			log.Info().Str("server", name).Msg("tool server removed")
		}
	}
	r.mu.Unlock()

	for _, e := range removed {
		if s := e.sess.Load(); s != nil {
			_ = s.Close()
		}
	}
	r.updateGauge()
}

// Close shuts down every live session.
func (r *Registry) Close() {
	r.mu.RLock()
	entries := make([]*registryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		if s := e.sess.Load(); s != nil {
			_ = s.Close()
			e.sess.Store(nil)
		}
		e.mu.Unlock()
	}
	r.updateGauge()
}

func (r *Registry) updateGauge() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if s := e.sess.Load(); s != nil && s.Status() == StatusReady {
			n++
		}
	}
	r.met.SetSessionsActive(n)
}

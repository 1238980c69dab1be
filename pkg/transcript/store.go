package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/juru/internal/metrics"
	"github.com/harun/juru/internal/tracing"
	"github.com/harun/juru/pkg/agent"
	"github.com/harun/juru/pkg/provider"
)

// Turn is one finished exchange: the user's message, the assistant's reply
// and whatever tools ran in between.
type Turn struct {
	Timestamp time.Time          `json:"timestamp"`
	Mode      string             `json:"mode,omitempty"`
	User      string             `json:"user"`
	Assistant string             `json:"assistant"`
	ToolTrace []agent.TraceEntry `json:"toolTrace,omitempty"`
	Usage     provider.Usage     `json:"usage"`
}

// Entry is a turn with its session key, one per JSONL line.
type Entry struct {
	SessionKey string `json:"sessionKey"`
	Turn       Turn   `json:"turn"`
}

// Store persists finished turns as JSONL files, one file per session.
type Store struct {
	dir        string
	met        *metrics.Metrics
	writeLocks map[string]*sync.Mutex
	locksMu    sync.RWMutex
}

// New creates a transcript store rooted at dir.
func New(dir string, met *metrics.Metrics) (*Store, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".juru", "transcripts")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}

	s := &Store{
		dir:        dir,
		met:        met,
		writeLocks: make(map[string]*sync.Mutex),
	}

	log.Info().Str("dir", dir).Msg("Transcript store initialized")
	s.updateSessionsMetric()

	return s, nil
}

// NewSessionKey returns a fresh session key.
func NewSessionKey() string {
	return uuid.New().String()
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// ErrInvalidSessionKey marks a session key callers were never issued: empty,
// path-traversing or otherwise unsafe as a file name.
var ErrInvalidSessionKey = errors.New("invalid session key")

// validateSessionKey validates the session key for security
func (s *Store) validateSessionKey(sessionKey string) error {
	if sessionKey == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSessionKey)
	}
	if strings.Contains(sessionKey, "..") {
		return fmt.Errorf("%w: contains '..'", ErrInvalidSessionKey)
	}
	if strings.ContainsAny(sessionKey, "/\\") {
		return fmt.Errorf("%w: contains path separator", ErrInvalidSessionKey)
	}
	if strings.Contains(sessionKey, "\x00") {
		return fmt.Errorf("%w: contains null byte", ErrInvalidSessionKey)
	}
	return nil
}

// sessionPath returns the file path for a session
func (s *Store) sessionPath(sessionKey string) string {
	return filepath.Join(s.dir, sessionKey+".jsonl")
}

func (s *Store) updateSessionsMetric() {
	sessions, err := s.List()
	if err != nil {
		return
	}
	s.met.SetSessionsActive(len(sessions))
}

// getWriteLock gets or creates a write lock for a session
func (s *Store) getWriteLock(sessionKey string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, exists := s.writeLocks[sessionKey]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	s.writeLocks[sessionKey] = lock
	return lock
}

// Append appends a finished turn to a session, creating the session file on
// first use.
func (s *Store) Append(ctx context.Context, sessionKey string, turn Turn) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"juru.transcript",
		"transcript.append",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", sessionKey).Logger()

	if err := s.validateSessionKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if turn.User == "" && turn.Assistant == "" {
		return fmt.Errorf("turn has neither user nor assistant text")
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	lock := s.getWriteLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	created := false
	if _, err := os.Stat(s.sessionPath(sessionKey)); os.IsNotExist(err) {
		created = true
	}

	file, err := os.OpenFile(s.sessionPath(sessionKey), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to open transcript file: %w", err)
	}
	defer file.Close()

	entry := Entry{
		SessionKey: sessionKey,
		Turn:       turn,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to marshal turn: %w", err)
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to write turn: %w", err)
	}

	if err := file.Sync(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to sync file: %w", err)
	}

	if created {
		s.updateSessionsMetric()
	}

	logger.Debug().
		Str("sessionKey", sessionKey).
		Int("toolCalls", len(turn.ToolTrace)).
		Msg("Turn appended")

	return nil
}

// Load loads all turns from a session. A missing session yields an empty
// slice; malformed lines are skipped with a warning.
func (s *Store) Load(ctx context.Context, sessionKey string) ([]Turn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"juru.transcript",
		"transcript.load",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", sessionKey).Logger()

	if err := s.validateSessionKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	file, err := os.Open(s.sessionPath(sessionKey))
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debug().Str("sessionKey", sessionKey).Msg("Session does not exist")
			return []Turn{}, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to open transcript file: %w", err)
	}
	defer file.Close()

	var turns []Turn
	scanner := bufio.NewScanner(file)
	// Tool traces can make lines long.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		if line == "" {
			continue
		}

		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			logger.Warn().
				Str("sessionKey", sessionKey).
				Int("line", lineNum).
				Err(err).
				Msg("Failed to parse line, skipping")
			continue
		}

		if entry.Turn.User == "" && entry.Turn.Assistant == "" {
			logger.Warn().
				Str("sessionKey", sessionKey).
				Int("line", lineNum).
				Msg("Invalid entry, skipping")
			continue
		}

		turns = append(turns, entry.Turn)
	}

	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read transcript file: %w", err)
	}

	logger.Debug().
		Str("sessionKey", sessionKey).
		Int("turns", len(turns)).
		Msg("Session loaded")

	return turns, nil
}

// Delete deletes a session file. Deleting a missing session is not an
// error.
func (s *Store) Delete(ctx context.Context, sessionKey string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"juru.transcript",
		"transcript.delete",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", sessionKey).Logger()

	if err := s.validateSessionKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	// Wait for any in-progress writes
	lock := s.getWriteLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.sessionPath(sessionKey)); err != nil && !os.IsNotExist(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to delete transcript file: %w", err)
	}

	// The lock map entry stays: a writer already blocked on this mutex must
	// keep serializing against later appends that recreate the file.
	s.updateSessionsMetric()

	logger.Info().Str("sessionKey", sessionKey).Msg("Session deleted")

	return nil
}

// List lists all session keys with a transcript on disk.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read transcript directory: %w", err)
	}

	var sessions []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}

		sessions = append(sessions, strings.TrimSuffix(name, ".jsonl"))
	}

	return sessions, nil
}

// SessionInfo is metadata about one persisted session.
type SessionInfo struct {
	SessionKey   string    `json:"sessionKey"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	TurnCount    int       `json:"turnCount"`
}

// Info returns metadata about a session.
func (s *Store) Info(ctx context.Context, sessionKey string) (*SessionInfo, error) {
	if err := s.validateSessionKey(sessionKey); err != nil {
		return nil, err
	}

	info, err := os.Stat(s.sessionPath(sessionKey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session does not exist")
		}
		return nil, fmt.Errorf("failed to stat transcript file: %w", err)
	}

	turns, err := s.Load(ctx, sessionKey)
	if err != nil {
		return nil, err
	}

	return &SessionInfo{
		SessionKey:   sessionKey,
		Size:         info.Size(),
		LastModified: info.ModTime(),
		TurnCount:    len(turns),
	}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.locksMu.Lock()
	s.writeLocks = make(map[string]*sync.Mutex)
	s.locksMu.Unlock()

	return nil
}

package transcript

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeperDeletesStaleSessions(t *testing.T) {
	s, _ := setupTestStore(t)
	defer s.Close()

	require.NoError(t, s.Append(context.Background(), "stale", Turn{User: "hi", Assistant: "hello"}))
	require.NoError(t, s.Append(context.Background(), "fresh", Turn{User: "hi", Assistant: "hello"}))

	// Age the stale session's file by two days
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(s.sessionPath("stale"), old, old))

	sw := NewSweeper(s, 24*time.Hour)
	deleted, err := sw.SweepNow()
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	list, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, list)
}

func TestSweeperKeepsEverythingWithinRetention(t *testing.T) {
	s, _ := setupTestStore(t)
	defer s.Close()

	require.NoError(t, s.Append(context.Background(), "a", Turn{User: "hi", Assistant: "hello"}))
	require.NoError(t, s.Append(context.Background(), "b", Turn{User: "hi", Assistant: "hello"}))

	sw := NewSweeper(s, 24*time.Hour)
	deleted, err := sw.SweepNow()
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestSweeperStartStop(t *testing.T) {
	s, _ := setupTestStore(t)
	defer s.Close()

	sw := NewSweeper(s, 0)
	assert.Equal(t, DefaultRetention, sw.retention)

	require.NoError(t, sw.Start())
	assert.True(t, sw.IsRunning())
	assert.Error(t, sw.Start())

	require.NoError(t, sw.Stop())
	assert.False(t, sw.IsRunning())
	assert.Error(t, sw.Stop())
}

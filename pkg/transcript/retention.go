package transcript

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultRetention is how long an idle session is kept.
const DefaultRetention = 30 * 24 * time.Hour

// Sweeper deletes transcripts that have been idle longer than the
// retention window.
type Sweeper struct {
	store     *Store
	retention time.Duration
	interval  time.Duration
	stopCh    chan struct{}
	running   bool
}

// NewSweeper creates a sweeper for the given store.
func NewSweeper(store *Store, retention time.Duration) *Sweeper {
	if retention == 0 {
		retention = DefaultRetention
	}

	return &Sweeper{
		store:     store,
		retention: retention,
		interval:  24 * time.Hour,
		stopCh:    make(chan struct{}),
	}
}

// Start starts the sweep loop.
func (sw *Sweeper) Start() error {
	if sw.running {
		return fmt.Errorf("sweeper is already running")
	}

	sw.running = true
	go sw.run()

	log.Info().
		Dur("retention", sw.retention).
		Msg("Transcript sweeper started")

	return nil
}

// Stop stops the sweep loop.
func (sw *Sweeper) Stop() error {
	if !sw.running {
		return fmt.Errorf("sweeper is not running")
	}

	close(sw.stopCh)
	sw.running = false

	log.Info().Msg("Transcript sweeper stopped")

	return nil
}

// IsRunning returns whether the sweeper is running.
func (sw *Sweeper) IsRunning() bool {
	return sw.running
}

// run is the main sweep loop.
func (sw *Sweeper) run() {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	// Run immediately on start
	if _, err := sw.SweepNow(); err != nil {
		log.Error().Err(err).Msg("Failed to sweep transcripts")
	}

	for {
		select {
		case <-ticker.C:
			if _, err := sw.SweepNow(); err != nil {
				log.Error().Err(err).Msg("Failed to sweep transcripts")
			}
		case <-sw.stopCh:
			return
		}
	}
}

// SweepNow deletes every session whose file has not been touched within the
// retention window, returning how many were removed.
func (sw *Sweeper) SweepNow() (int, error) {
	sessions, err := sw.store.List()
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	now := time.Now()
	deleted := 0

	for _, sessionKey := range sessions {
		info, err := os.Stat(sw.store.sessionPath(sessionKey))
		if err != nil {
			log.Warn().
				Str("session_key", sessionKey).
				Err(err).
				Msg("Failed to stat transcript")
			continue
		}

		age := now.Sub(info.ModTime())
		if age < sw.retention {
			continue
		}

		if err := sw.store.Delete(context.Background(), sessionKey); err != nil {
			log.Error().
				Str("session_key", sessionKey).
				Err(err).
				Msg("Failed to delete stale transcript")
			continue
		}
		deleted++

		log.Debug().
			Str("session_key", sessionKey).
			Dur("age", age).
			Msg("Stale transcript deleted")
	}

	if deleted > 0 {
		log.Info().
			Int("deleted", deleted).
			Msg("Swept stale transcripts")
	}

	return deleted, nil
}

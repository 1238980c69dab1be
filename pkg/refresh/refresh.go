package refresh

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/harun/juru/pkg/mcp"
)

// Resyncer is the slice of the server registry the scheduler drives.
// *mcp.Registry satisfies it.
type Resyncer interface {
	Statuses() map[string]mcp.Status
	Resync(ctx context.Context, name string) ([]mcp.Tool, error)
}

// Scheduler periodically re-queries the tool catalogs of Ready servers.
// Servers that were never started are left alone; startup stays lazy.
type Scheduler struct {
	registry Resyncer
	schedule cron.Schedule
	expr     string
	jitter   time.Duration
}

// New parses a five-field cron expression (descriptors like @hourly also
// work) and returns a scheduler.
func New(registry Resyncer, expr string) (*Scheduler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", expr, err)
	}

	return &Scheduler{
		registry: registry,
		schedule: schedule,
		expr:     expr,
		jitter:   5 * time.Second,
	}, nil
}

// Expr returns the configured cron expression.
func (s *Scheduler) Expr() string {
	return s.expr
}

// Next returns the first fire time after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Run blocks until ctx is cancelled, resyncing on the schedule. Each fire
// is offset by a small random jitter so several instances sharing a config
// don't hit their servers in lockstep.
func (s *Scheduler) Run(ctx context.Context) {
	log.Info().Str("schedule", s.expr).Msg("Catalog refresh scheduler started")

	for {
		wait := time.Until(s.schedule.Next(time.Now()))
		if s.jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(s.jitter)))
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info().Msg("Catalog refresh scheduler stopped")
			return
		case <-timer.C:
			s.ResyncNow(ctx)
		}
	}
}

// ResyncNow resyncs every Ready server once, returning how many succeeded
// and how many failed. Non-ready servers are skipped.
func (s *Scheduler) ResyncNow(ctx context.Context) (synced, failed int) {
	for name, status := range s.registry.Statuses() {
		if status != mcp.StatusReady {
			continue
		}

		tools, err := s.registry.Resync(ctx, name)
		if err != nil {
			failed++
			log.Warn().
				Str("server", name).
				Err(err).
				Msg("Catalog resync failed")
			continue
		}

		synced++
		log.Debug().
			Str("server", name).
			Int("tools", len(tools)).
			Msg("Catalog resynced")
	}

	if synced > 0 || failed > 0 {
		log.Info().
			Int("synced", synced).
			Int("failed", failed).
			Msg("Catalog refresh finished")
	}

	return synced, failed
}

// Package watchdog runs the periodic maintenance jobs: marking agents stale
// when heartbeats stop, purging expired registration codes, and trimming the
// replay and rate-limit caches.
package watchdog

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tbruckner/dockyard/internal/clock"
	"github.com/tbruckner/dockyard/internal/events"
	"github.com/tbruckner/dockyard/internal/metrics"
)

// AgentSweeper marks agents whose heartbeats stopped before the cutoff.
type AgentSweeper interface {
	MarkStale(cutoff time.Time) ([]string, error)
}

// CodePurger removes registration codes that expired before the cutoff.
type CodePurger interface {
	PurgeExpiredCodes(cutoff time.Time) (int, error)
}

// Trimmer is any cache that evicts its own expired entries.
type Trimmer interface {
	Sweep()
}

// TrimmerFunc adapts a plain function to the Trimmer interface.
type TrimmerFunc func()

func (f TrimmerFunc) Sweep() { f() }

// Options tune the sweep cadence and the staleness cutoff.
type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	SweepEvery        time.Duration
	PurgeEvery        time.Duration
}

// Watchdog owns the cron scheduler for all maintenance jobs.
type Watchdog struct {
	agents   AgentSweeper
	codes    CodePurger
	trimmers []Trimmer
	bus      *events.Bus
	clk      clock.Clock
	opts     Options
	cron     *cron.Cron
	log      *slog.Logger
}

// New creates a Watchdog. Call Start to schedule the jobs.
func New(agents AgentSweeper, codes CodePurger, bus *events.Bus, clk clock.Clock, opts Options, log *slog.Logger, trimmers ...Trimmer) *Watchdog {
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = 30 * time.Second
	}
	if opts.PurgeEvery <= 0 {
		opts.PurgeEvery = 5 * time.Minute
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.HeartbeatMisses < 1 {
		opts.HeartbeatMisses = 3
	}
	return &Watchdog{
		agents:   agents,
		codes:    codes,
		trimmers: trimmers,
		bus:      bus,
		clk:      clk,
		opts:     opts,
		log:      log.With("component", "watchdog"),
	}
}

// Start schedules the maintenance jobs and starts the cron runner.
func (w *Watchdog) Start() error {
	w.cron = cron.New()

	if _, err := w.cron.AddFunc("@every "+w.opts.SweepEvery.String(), w.SweepStale); err != nil {
		return err
	}
	if _, err := w.cron.AddFunc("@every "+w.opts.PurgeEvery.String(), w.PurgeExpired); err != nil {
		return err
	}

	w.cron.Start()
	w.log.Info("maintenance jobs scheduled",
		"sweep_every", w.opts.SweepEvery,
		"purge_every", w.opts.PurgeEvery,
		"stale_after", w.staleAfter())
	return nil
}

// Stop halts the scheduler and waits for running jobs to finish.
func (w *Watchdog) Stop() {
	if w.cron == nil {
		return
	}
	ctx := w.cron.Stop()
	<-ctx.Done()
}

func (w *Watchdog) staleAfter() time.Duration {
	return time.Duration(w.opts.HeartbeatMisses) * w.opts.HeartbeatInterval
}

// SweepStale marks agents as stale when they have missed too many
// heartbeats, and announces each one on the event bus.
func (w *Watchdog) SweepStale() {
	cutoff := w.clk.Now().Add(-w.staleAfter())
	ids, err := w.agents.MarkStale(cutoff)
	if err != nil {
		w.log.Error("stale sweep failed", "error", err)
		return
	}
	for _, id := range ids {
		w.log.Warn("agent marked stale", "agent_id", id, "stale_after", w.staleAfter())
		metrics.StaleAgentsMarked.Inc()
		w.bus.Publish(events.Event{
			Type:      events.EventAgentStale,
			AgentID:   id,
			Message:   "heartbeats stopped, agent marked stale",
			Timestamp: w.clk.Now(),
		})
	}
}

// PurgeExpired drops expired registration codes and trims the expiring
// caches (replay nonces, connection rate-limit buckets).
func (w *Watchdog) PurgeExpired() {
	n, err := w.codes.PurgeExpiredCodes(w.clk.Now())
	if err != nil {
		w.log.Error("code purge failed", "error", err)
	} else if n > 0 {
		w.log.Info("expired registration codes purged", "count", n)
	}
	for _, t := range w.trimmers {
		t.Sweep()
	}
}

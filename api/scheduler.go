/*
scheduler.go - Automated assignment completion

PURPOSE:
  Periodically marks open assignments complete once every unit in them has
  a committed reading. Readers often forget to press "complete"; planners
  rely on the flag to close the cycle.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Lists open assignments, computes progress, completes the finished ones
  - Complete keeps the first timestamp, so a manual completion racing the
    scheduler is harmless

CONFIGURATION:
  - CheckInterval: How often to check (default: 15 minutes)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewCompletionScheduler(handler, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: CompleteAssignment endpoint (manual completion)
  - metering/progress.go: ProgressTracker
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/meter-reading/metering"
)

// DefaultCompletionInterval is how often the scheduler looks for finished
// assignments.
const DefaultCompletionInterval = 15 * time.Minute

// CompletionScheduler completes assignments whose units are all read.
type CompletionScheduler struct {
	Handler       *Handler
	CheckInterval time.Duration
	Enabled       bool
	Logger        zerolog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewCompletionScheduler creates a new scheduler.
func NewCompletionScheduler(handler *Handler, logger zerolog.Logger) *CompletionScheduler {
	return &CompletionScheduler{
		Handler:       handler,
		CheckInterval: DefaultCompletionInterval,
		Enabled:       true,
		Logger:        logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins the scheduler. A stopped scheduler can be started again.
func (cs *CompletionScheduler) Start() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.Enabled {
		cs.Logger.Info().Msg("disabled, not starting")
		return
	}
	if cs.ticker != nil {
		return
	}

	cs.ticker = time.NewTicker(cs.CheckInterval)
	cs.stop = make(chan struct{})
	cs.wg.Add(1)

	go cs.run(cs.ticker, cs.stop)

	cs.Logger.Info().Dur("interval", cs.CheckInterval).Msg("started")
}

// Stop stops the scheduler and waits for a running check to finish.
func (cs *CompletionScheduler) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.ticker != nil {
		cs.ticker.Stop()
		close(cs.stop)
		cs.wg.Wait()
		cs.ticker = nil
		cs.Logger.Info().Msg("stopped")
	}
}

func (cs *CompletionScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer cs.wg.Done()

	// Run immediately on start
	cs.RunNow(context.Background())

	for {
		select {
		case <-ticker.C:
			cs.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow performs one pass and returns how many assignments it completed.
func (cs *CompletionScheduler) RunNow(ctx context.Context) int {
	h := cs.Handler

	open, err := h.Store.ListAssignments(ctx, metering.AssignmentFilter{OpenOnly: true})
	if err != nil {
		cs.Logger.Error().Err(err).Msg("listing open assignments")
		return 0
	}

	completed := 0
	for _, a := range open {
		p, err := h.Progress.Get(ctx, a.ID)
		if err != nil {
			cs.Logger.Error().Err(err).Str("assignment_id", string(a.ID)).Msg("computing progress")
			continue
		}
		if !p.Done() {
			continue
		}

		if _, err := h.Allocator.Complete(ctx, a.ID); err != nil {
			cs.Logger.Error().Err(err).Str("assignment_id", string(a.ID)).Msg("completing assignment")
			continue
		}
		h.Metrics.assignmentsCompleted.Inc()
		completed++
	}

	if completed > 0 {
		cs.Logger.Info().Int("completed", completed).Int("checked", len(open)).Msg("pass finished")
	}
	return completed
}

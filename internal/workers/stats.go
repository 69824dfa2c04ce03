// Package workers runs scheduled background jobs against the exchange.
package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"carbon-scribe/credit-exchange/internal/events"
	"carbon-scribe/credit-exchange/internal/marketplace"
	"carbon-scribe/credit-exchange/internal/store"
)

// StatsSource is what the stats worker samples.
type StatsSource interface {
	Stats(ctx context.Context) (*marketplace.Stats, error)
}

// StatsWorker periodically snapshots market statistics into the event log.
type StatsWorker struct {
	source   StatsSource
	db       *store.DB
	schedule string
	timeout  time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

func NewStatsWorker(source StatsSource, db *store.DB, schedule string, logger *zap.Logger) *StatsWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsWorker{
		source:   source,
		db:       db,
		schedule: schedule,
		timeout:  30 * time.Second,
		logger:   logger,
	}
}

// Start schedules the job and starts the scheduler.
func (w *StatsWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("stats worker already running")
	}

	// A stopped scheduler keeps its entries, so each start gets a new one.
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(w.schedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, w.timeout)
		defer cancel()
		if _, err := w.RunOnce(runCtx); err != nil {
			w.logger.Error("Stats snapshot failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid stats schedule %q: %w", w.schedule, err)
	}

	w.logger.Info("Starting stats worker", zap.String("schedule", w.schedule))
	w.cron = c
	w.cron.Start()
	w.running = true
	return nil
}

// Stop waits for a running job to finish.
func (w *StatsWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.logger.Info("Stopping stats worker")
	<-w.cron.Stop().Done()
	w.running = false
}

// RunOnce takes one snapshot and publishes it.
func (w *StatsWorker) RunOnce(ctx context.Context) (*marketplace.Stats, error) {
	st, err := w.source.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read market stats: %w", err)
	}

	w.logger.Info("Market snapshot",
		zap.Uint64("total_listings", st.TotalListings),
		zap.Int64("active_listings", st.ActiveListings),
		zap.Int64("purchases", st.Purchases),
		zap.String("total_volume", st.TotalVolume.String()),
		zap.Uint16("fee_bps", st.FeeBps))

	w.db.Emit(ctx, events.New(events.KindMarketSnapshot, map[string]any{
		"total_listings":  st.TotalListings,
		"active_listings": st.ActiveListings,
		"purchases":       st.Purchases,
		"total_volume":    st.TotalVolume.String(),
		"fee_bps":         st.FeeBps,
		"fee_recipient":   st.FeeRecipient,
	}))
	return st, nil
}

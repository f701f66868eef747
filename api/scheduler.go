/*
scheduler.go - Automated batch drafting

PURPOSE:
  Periodically drafts the batch for the last closed period of every
  location with a current RuleSet, and optionally finalises drafts that
  have not changed for a grace period.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Periods come from ledger.PeriodConfig (weekly, monthly, tax_month)
  - Periods with no tipped transactions are skipped (no empty batches)
  - Locked batches are left alone; an unchanged draft is a no-op
  - All writes use ledger.SystemActor and are audited like manual ones

CONFIGURATION:
  - Interval:          How often to check (SCHEDULER_INTERVAL)
  - AutoFinaliseAfter: Grace period since a draft's last change;
                       0 disables auto-finalise

USAGE:
  scheduler := NewBatchScheduler(services, periods, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - tips/batch.go: Create, Finalise
  - ledger/period.go: PreviousPeriod
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/tip-ledger/ledger"
	"github.com/warp/tip-ledger/tips"
)

// BatchScheduler handles automated batch drafting.
type BatchScheduler struct {
	Services          *tips.Services
	Periods           ledger.PeriodConfig
	Interval          time.Duration
	AutoFinaliseAfter time.Duration
	Enabled           bool
	Now               func() time.Time

	log    logrus.FieldLogger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewBatchScheduler creates a new scheduler.
func NewBatchScheduler(svc *tips.Services, periods ledger.PeriodConfig, log logrus.FieldLogger) *BatchScheduler {
	return &BatchScheduler{
		Services: svc,
		Periods:  periods,
		Interval: 1 * time.Hour,
		Enabled:  true,
		Now:      time.Now,
		log:      log.WithField("module", "scheduler"),
	}
}

// RunSummary counts what one pass did.
type RunSummary struct {
	Drafted   int
	Unchanged int
	Skipped   int
	Finalised int
	Failed    int
}

// Start begins the scheduler.
func (bs *BatchScheduler) Start() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if !bs.Enabled {
		bs.log.Info("disabled, not starting")
		return
	}
	if bs.ticker != nil {
		return
	}

	bs.ticker = time.NewTicker(bs.Interval)
	bs.stop = make(chan struct{})
	bs.wg.Add(1)

	go bs.run()

	bs.log.WithField("interval", bs.Interval).Info("started")
}

// Stop stops the scheduler and waits for a running pass to finish.
func (bs *BatchScheduler) Stop() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.ticker != nil {
		bs.ticker.Stop()
		close(bs.stop)
		bs.wg.Wait()
		bs.ticker = nil
		bs.log.Info("stopped")
	}
}

func (bs *BatchScheduler) run() {
	defer bs.wg.Done()

	// Run immediately on start
	bs.RunOnce(context.Background())

	for {
		select {
		case <-bs.ticker.C:
			bs.RunOnce(context.Background())
		case <-bs.stop:
			return
		}
	}
}

// RunOnce performs one pass over every location.
func (bs *BatchScheduler) RunOnce(ctx context.Context) RunSummary {
	var sum RunSummary
	now := bs.Now().UTC()
	period := bs.Periods.PreviousPeriod(now)

	locations, err := bs.Services.Rules.Locations(ctx)
	if err != nil {
		bs.log.WithError(err).Error("failed to list locations")
		sum.Failed++
		return sum
	}

	for _, loc := range locations {
		log := bs.log.WithFields(logrus.Fields{"location_id": loc, "period": period.String()})

		// 1. Draft the closed period
		outcome, err := bs.draft(ctx, loc, period)
		if err != nil {
			log.WithError(err).Warn("failed to draft batch")
			sum.Failed++
		}
		switch outcome {
		case "":
		case "drafted":
			sum.Drafted++
		case "unchanged":
			sum.Unchanged++
		default:
			sum.Skipped++
		}

		// 2. Finalise stale drafts
		if bs.AutoFinaliseAfter > 0 {
			n, failed := bs.finaliseStale(ctx, loc, now)
			sum.Finalised += n
			sum.Failed += failed
		}
	}

	if sum.Drafted > 0 || sum.Finalised > 0 || sum.Failed > 0 {
		bs.log.WithFields(logrus.Fields{
			"drafted":   sum.Drafted,
			"unchanged": sum.Unchanged,
			"skipped":   sum.Skipped,
			"finalised": sum.Finalised,
			"failed":    sum.Failed,
		}).Info("pass completed")
	}
	return sum
}

func (bs *BatchScheduler) draft(ctx context.Context, loc ledger.LocationID, p ledger.Period) (string, error) {
	preview, _, err := bs.Services.Batches.Preview(ctx, loc, p, nil)
	if err != nil {
		return "", err
	}
	if len(preview.Sources) == 0 {
		return "empty", nil
	}

	res, err := bs.Services.Batches.Create(ctx, loc, p, ledger.SystemActor)
	if errors.Is(err, ledger.ErrBatchLocked) {
		return "locked", nil
	}
	if err != nil {
		return "", err
	}
	if res.Created || res.Recomputed {
		return "drafted", nil
	}
	return "unchanged", nil
}

func (bs *BatchScheduler) finaliseStale(ctx context.Context, loc ledger.LocationID, now time.Time) (finalised, failed int) {
	drafts, err := bs.Services.Batches.List(ctx, ledger.BatchFilter{LocationID: loc, Status: ledger.BatchDraft})
	if err != nil {
		bs.log.WithError(err).WithField("location_id", loc).Error("failed to list drafts")
		return 0, 1
	}

	cutoff := now.Add(-bs.AutoFinaliseAfter)
	for _, b := range drafts {
		if b.UpdatedAt.After(cutoff) {
			continue
		}
		if _, err := bs.Services.Batches.Finalise(ctx, b.ID, ledger.SystemActor); err != nil {
			if errors.Is(err, ledger.ErrAlreadyFinalised) {
				continue
			}
			bs.log.WithError(err).WithField("batch_id", b.ID).Warn("failed to auto-finalise")
			failed++
			continue
		}
		finalised++
	}
	return finalised, failed
}

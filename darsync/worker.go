package darsync

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/govdigital/venues_backend/config"
	"bitbucket.org/govdigital/venues_backend/models"
	"github.com/bsm/redislock"
)

const reconcileLockKey = "reconciliation:run"

// ErrRunInProgress reports that another instance holds the reconciliation
// lock. The queued run is untouched; the trigger must retry later.
var ErrRunInProgress = errors.New("reconciliation already in progress")

// CreateQueuedRun persists a queued run row for the given window. The actual
// execution happens in ExecuteRun, either inline or via the Pub/Sub push
// endpoint.
func CreateQueuedRun(ctx context.Context, reference time.Time, window Window, triggeredBy string) (*models.ReconciliationRun, error) {
	run := &models.ReconciliationRun{
		ReferenceDate: reference,
		WindowStart:   window.Start,
		WindowEnd:     window.End,
		Status:        models.ReconciliationRunStatusQueued,
		TriggeredBy:   triggeredBy,
	}
	if err := models.CreateReconciliationRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// ExecuteRun loads a queued run and drives the engine over its window. Safe
// under at-least-once delivery: terminal runs are skipped, and a Redis lock
// keeps two instances from reconciling concurrently (the per-document
// optimistic status check guards the rows themselves).
func ExecuteRun(ctx context.Context, runId uint) error {
	if runId == 0 {
		return errors.New("invalid run id")
	}

	run, err := models.GetReconciliationRun(ctx, runId)
	if err != nil {
		return err
	}
	if run.Status == models.ReconciliationRunStatusSuccess || run.Status == models.ReconciliationRunStatusFailure {
		return nil
	}

	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, reconcileLockKey, 30*time.Minute, nil)
		if err != nil {
			if errors.Is(err, redislock.ErrNotObtained) {
				return ErrRunInProgress
			}
			return err
		}
		defer func() { _ = lock.Release(ctx) }()
	}

	client, err := NewLedgerClient()
	if err != nil {
		now := time.Now()
		_ = models.FinalizeReconciliationRun(ctx, run.ID, models.ReconciliationRunStatusFailure,
			"ledger client: "+err.Error(), 0, 0, now, 0)
		return err
	}

	engine := NewEngine(NewStore(), client, config.GetLogger(), EngineConfig{
		AbortOnDayError: config.ReconcileAbortOnDayError(),
	})
	window := Window{Start: run.WindowStart, End: run.WindowEnd}
	return engine.Run(ctx, run.ID, window)
}

// DefaultWindow builds the run window for a reference date from env:
// RECONCILE_LOOKBACK_DAYS (default 7) and RECONCILE_LOOKAHEAD_DAYS (default 0).
func DefaultWindow(reference time.Time) Window {
	return WindowAround(reference, intEnvDefault("RECONCILE_LOOKBACK_DAYS", 7), intEnvDefault("RECONCILE_LOOKAHEAD_DAYS", 0))
}

func intEnvDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/govdigital/venues_backend/config"
	"bitbucket.org/govdigital/venues_backend/darsync"
	"bitbucket.org/govdigital/venues_backend/models"
)

// reconcile-run triggers one reconciliation run synchronously and prints the
// outcome. Meant for operators and cron jobs; the service's Pub/Sub path is
// the production trigger.
func main() {
	date := flag.String("date", "", "Optional: reference date (YYYY-MM-DD), defaults to today. Window is the configured lookback/lookahead around it.")
	start := flag.String("start", "", "Optional: explicit window start (YYYY-MM-DD). Requires -end.")
	end := flag.String("end", "", "Optional: explicit window end (YYYY-MM-DD). Requires -start.")
	abortOnError := flag.Bool("abort-on-error", false, "Fail the whole run on the first per-day ledger error instead of skipping that day.")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}
	models.MigrateTable()

	if *abortOnError {
		os.Setenv("RECONCILE_ABORT_ON_DAY_ERROR", "true")
	}

	reference, window, err := resolveWindow(*date, *start, *end)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	run, err := darsync.CreateQueuedRun(ctx, reference, window, models.ReconciliationTriggeredCli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create run: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("run %d: window %s .. %s\n", run.ID,
		window.Start.Format("2006-01-02"), window.End.Format("2006-01-02"))

	runErr := darsync.ExecuteRun(ctx, run.ID)

	finished, err := models.GetReconciliationRun(ctx, run.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to reload run %d: %v\n", run.ID, err)
		os.Exit(1)
	}
	fmt.Printf("run %d: status=%s payments=%d updated=%d duration=%dms\n",
		finished.ID, finished.Status, finished.TotalPayments, finished.TotalUpdated, finished.DurationMs)
	if finished.Message != "" {
		fmt.Printf("run %d: %s\n", finished.ID, finished.Message)
	}
	if runErr != nil || finished.Status == models.ReconciliationRunStatusFailure {
		os.Exit(1)
	}
}

func resolveWindow(date, start, end string) (time.Time, darsync.Window, error) {
	date = strings.TrimSpace(date)
	start = strings.TrimSpace(start)
	end = strings.TrimSpace(end)

	if (start == "") != (end == "") {
		return time.Time{}, darsync.Window{}, fmt.Errorf("-start and -end must be provided together")
	}

	if start != "" {
		s, err := time.Parse("2006-01-02", start)
		if err != nil {
			return time.Time{}, darsync.Window{}, fmt.Errorf("invalid -start %q: %v", start, err)
		}
		e, err := time.Parse("2006-01-02", end)
		if err != nil {
			return time.Time{}, darsync.Window{}, fmt.Errorf("invalid -end %q: %v", end, err)
		}
		if e.Before(s) {
			return time.Time{}, darsync.Window{}, fmt.Errorf("-end is before -start")
		}
		return e, darsync.Window{Start: s, End: e}, nil
	}

	reference := time.Now()
	if date != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return time.Time{}, darsync.Window{}, fmt.Errorf("invalid -date %q: %v", date, err)
		}
		reference = parsed
	}
	return reference, darsync.DefaultWindow(reference), nil
}

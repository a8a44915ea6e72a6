package config

import (
	"os"
	"strings"
)

// ReconcileAbortOnDayError controls what a failed per-day ledger query does to
// a reconciliation run. Default (false): the day is logged and skipped, other
// days still apply. When enabled the whole run finalizes as failure on the
// first day error.
//
// Set via env:
// - RECONCILE_ABORT_ON_DAY_ERROR=true
func ReconcileAbortOnDayError() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("RECONCILE_ABORT_ON_DAY_ERROR")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// ReconcileInline runs a triggered reconciliation synchronously in the request
// instead of publishing it to Pub/Sub. Meant for local development and the
// one-shot CLI.
//
// Set via env:
// - RECONCILE_INLINE=true
func ReconcileInline() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("RECONCILE_INLINE")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

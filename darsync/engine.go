package darsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/govdigital/venues_backend/boleto"
	"bitbucket.org/govdigital/venues_backend/config"
	"bitbucket.org/govdigital/venues_backend/models"
	"github.com/sirupsen/logrus"
)

// Engine executes one reconciliation run: per-day ledger queries through the
// rate limiter, match resolution against the open fee documents, idempotent
// state transitions and the append-only audit trail.
type Engine struct {
	store           Store
	ledger          LedgerClient
	logger          *logrus.Logger
	abortOnDayError bool
}

type EngineConfig struct {
	// AbortOnDayError finalizes the whole run as failure on the first
	// per-day ledger error instead of skipping that day.
	AbortOnDayError bool
}

func NewEngine(store Store, ledger LedgerClient, logger *logrus.Logger, cfg EngineConfig) *Engine {
	return &Engine{
		store:           store,
		ledger:          ledger,
		logger:          logger,
		abortOnDayError: cfg.AbortOnDayError,
	}
}

// Run processes the window day by day and finalizes the run row exactly once.
// A per-day query failure is logged and contributes zero events unless
// abort-on-day-error is set. Per-event persistence failures skip that event
// only; the run message reflects everything that was not cleanly applied.
func (e *Engine) Run(ctx context.Context, runId uint, window Window) error {
	startedAt := time.Now()
	if err := e.store.StartRun(ctx, runId, startedAt); err != nil {
		return err
	}

	totalPayments := 0
	totalUpdated := 0
	persistFailures := 0
	var failedDays []string
	var abortErr error

	for _, day := range window.Days() {
		events, err := e.ledger.PaymentsForDay(ctx, day)
		if err != nil {
			config.LogError(e.logger, "engine.go", "Run", "querying ledger for "+day.Format("2006-01-02"), runId, err)
			failedDays = append(failedDays, day.Format("2006-01-02"))
			if e.abortOnDayError {
				abortErr = err
				break
			}
			continue
		}
		if len(events) == 0 {
			continue
		}

		// Refresh candidates per day so a document paid earlier in the run
		// (or by a concurrent run) is no longer matchable.
		documents, err := e.store.OpenFeeDocuments(ctx)
		if err != nil {
			config.LogError(e.logger, "engine.go", "Run", "loading open fee documents", runId, err)
			abortErr = err
			break
		}

		for _, event := range events {
			totalPayments++
			updated, err := e.processEvent(ctx, runId, day, event, &documents)
			if err != nil {
				config.LogError(e.logger, "engine.go", "Run", "processing payment event", event, err)
				persistFailures++
			}
			if updated {
				totalUpdated++
			}
		}
	}

	finishedAt := time.Now()
	status := models.ReconciliationRunStatusSuccess
	var notes []string
	if abortErr != nil {
		status = models.ReconciliationRunStatusFailure
		notes = append(notes, "aborted: "+abortErr.Error())
	} else if len(failedDays) > 0 {
		notes = append(notes, fmt.Sprintf("skipped %d day(s) with query errors: %s", len(failedDays), strings.Join(failedDays, ", ")))
	}
	if persistFailures > 0 {
		notes = append(notes, fmt.Sprintf("%d event(s) not cleanly applied", persistFailures))
	}

	if err := e.store.FinalizeRun(ctx, runId, status, strings.Join(notes, "; "),
		totalPayments, totalUpdated, finishedAt, finishedAt.Sub(startedAt).Milliseconds()); err != nil {
		return err
	}
	return abortErr
}

// processEvent takes exactly one decision for one event. Returns whether a
// fee document was transitioned to Paid.
func (e *Engine) processEvent(ctx context.Context, runId uint, day time.Time, event PaymentEvent, documents *[]models.FeeDocument) (bool, error) {
	ref := externalReference(event)
	if ref != "" {
		// A prior run over an overlapping window may already have applied
		// this payment; the document is closed by now, so the match below
		// would misreport it as unresolved.
		applied, err := e.store.FindAppliedRecord(ctx, ref)
		if err != nil {
			return false, err
		}
		if applied != nil {
			return false, nil
		}
	}
	result := ResolveMatch(event, *documents)

	switch result.Outcome {
	case MatchOutcomeMatched:
		docId := result.DocumentId
		previous, err := e.store.MarkPaid(ctx, docId, paymentDateOf(event, day))
		if err != nil {
			if errors.Is(err, models.ErrFeeDocumentNotOpen) {
				// Lost the race to a concurrent run: leave an unresolved
				// entry for manual follow-up instead of guessing.
				return false, e.recordUnresolved(ctx, runId, day, event, ref, false, nil)
			}
			return false, err
		}

		newStatus := models.FeeDocumentStatusPaid
		record := e.newPaymentRecord(runId, day, event, ref)
		record.FeeDocumentId = &docId
		record.PreviousStatus = &previous
		record.NewStatus = &newStatus
		if err := e.store.CreatePaymentRecord(ctx, record); err != nil && !errors.Is(err, ErrRecordAlreadyExists) {
			return true, err
		}
		removeDocument(documents, docId)
		return true, nil

	case MatchOutcomeAmbiguous:
		return false, e.recordUnresolved(ctx, runId, day, event, ref, true, result.Candidates)

	default:
		return false, e.recordUnresolved(ctx, runId, day, event, ref, false, nil)
	}
}

func (e *Engine) recordUnresolved(ctx context.Context, runId uint, day time.Time, event PaymentEvent, ref string, ambiguous bool, candidates []int) error {
	if ref != "" {
		// Dedup per outcome: a reference recorded Unmatched earlier still
		// gets an Ambiguous row if a second candidate appears later.
		existing, err := e.store.FindUnresolvedRecord(ctx, ref, ambiguous)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
	}

	record := e.newPaymentRecord(runId, day, event, ref)
	record.Ambiguous = ambiguous
	if len(candidates) > 0 {
		record.CandidatesJSON, _ = json.Marshal(candidates)
	}
	if err := e.store.CreatePaymentRecord(ctx, record); err != nil && !errors.Is(err, ErrRecordAlreadyExists) {
		return err
	}
	return nil
}

func (e *Engine) newPaymentRecord(runId uint, day time.Time, event PaymentEvent, ref string) *models.ReconciliationPaymentRecord {
	paymentDate := paymentDateOf(event, day)
	return &models.ReconciliationPaymentRecord{
		RunId:             runId,
		ExternalReference: ref,
		GuideNumber:       boleto.DigitsOnly(event.GuideNumber),
		Barcode:           boleto.DigitsOnly(event.Barcode),
		LineDigit:         boleto.DigitsOnly(event.LineDigit),
		PayerName:         event.PayerName,
		PayerDocument:     event.PayerDocument,
		PaidAmount:        event.PaidAmount,
		PaymentDate:       &paymentDate,
		Origin:            event.Origin,
	}
}

// paymentDateOf falls back to the queried day when the ledger omits the
// payment date.
func paymentDateOf(event PaymentEvent, day time.Time) time.Time {
	if event.PaymentDate != nil {
		return *event.PaymentDate
	}
	return day
}

func removeDocument(documents *[]models.FeeDocument, id int) {
	kept := (*documents)[:0]
	for _, doc := range *documents {
		if doc.ID != id {
			kept = append(kept, doc)
		}
	}
	*documents = kept
}

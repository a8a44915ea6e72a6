package darsync

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"bitbucket.org/govdigital/venues_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// The engine tests are intentionally DB-free: the fake store keeps documents
// and audit rows in memory and emulates the optimistic status guard and the
// dedup unique index.

type fakeStore struct {
	docs    []models.FeeDocument
	records []models.ReconciliationPaymentRecord
	notOpen map[int]bool

	started       bool
	finalStatus   string
	finalMessage  string
	totalPayments int
	totalUpdated  int
}

func (s *fakeStore) OpenFeeDocuments(ctx context.Context) ([]models.FeeDocument, error) {
	var open []models.FeeDocument
	for _, doc := range s.docs {
		if doc.Status == models.FeeDocumentStatusPending || doc.Status == models.FeeDocumentStatusOverdue {
			open = append(open, doc)
		}
	}
	return open, nil
}

func (s *fakeStore) MarkPaid(ctx context.Context, feeDocumentId int, paymentDate time.Time) (models.FeeDocumentStatus, error) {
	for i := range s.docs {
		if s.docs[i].ID != feeDocumentId {
			continue
		}
		previous := s.docs[i].Status
		if s.notOpen[feeDocumentId] ||
			(previous != models.FeeDocumentStatusPending && previous != models.FeeDocumentStatusOverdue) {
			return previous, models.ErrFeeDocumentNotOpen
		}
		s.docs[i].Status = models.FeeDocumentStatusPaid
		s.docs[i].PaymentDate = &paymentDate
		return previous, nil
	}
	return "", models.ErrFeeDocumentNotOpen
}

func (s *fakeStore) FindUnresolvedRecord(ctx context.Context, externalReference string, ambiguous bool) (*models.ReconciliationPaymentRecord, error) {
	for i := range s.records {
		r := &s.records[i]
		if r.ExternalReference == externalReference && r.FeeDocumentId == nil && r.Ambiguous == ambiguous {
			return r, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) FindAppliedRecord(ctx context.Context, externalReference string) (*models.ReconciliationPaymentRecord, error) {
	for i := range s.records {
		r := &s.records[i]
		if r.ExternalReference == externalReference && r.FeeDocumentId != nil {
			return r, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) CreatePaymentRecord(ctx context.Context, record *models.ReconciliationPaymentRecord) error {
	if record.ExternalReference != "" && record.FeeDocumentId != nil {
		for i := range s.records {
			r := &s.records[i]
			if r.ExternalReference == record.ExternalReference &&
				r.FeeDocumentId != nil && *r.FeeDocumentId == *record.FeeDocumentId {
				return ErrRecordAlreadyExists
			}
		}
	}
	record.ID = uint(len(s.records) + 1)
	s.records = append(s.records, *record)
	return nil
}

func (s *fakeStore) StartRun(ctx context.Context, runId uint, startedAt time.Time) error {
	s.started = true
	return nil
}

func (s *fakeStore) FinalizeRun(ctx context.Context, runId uint, status string, message string, totalPayments int, totalUpdated int, finishedAt time.Time, durationMs int64) error {
	s.finalStatus = status
	s.finalMessage = message
	s.totalPayments = totalPayments
	s.totalUpdated = totalUpdated
	return nil
}

type fakeLedger struct {
	events  map[string][]PaymentEvent
	errDays map[string]error
	queried []string
}

func (l *fakeLedger) PaymentsForDay(ctx context.Context, day time.Time) ([]PaymentEvent, error) {
	key := day.Format("2006-01-02")
	l.queried = append(l.queried, key)
	if err, ok := l.errDays[key]; ok {
		return nil, err
	}
	return l.events[key], nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testDay(day int) time.Time {
	return time.Date(2026, time.August, day, 0, 0, 0, 0, time.UTC)
}

const (
	testGuideA = "2026000123456"
	testGuideB = "2026000654321"
)

func barcodeA() string { return "1049" + strings.Repeat("1", 40) }
func barcodeB() string { return "2379" + strings.Repeat("0", 40) }

func pendingDoc(id int, barcode string) models.FeeDocument {
	return models.FeeDocument{
		ID:      id,
		Status:  models.FeeDocumentStatusPending,
		Barcode: barcode,
	}
}

func TestEngineRun_AppliesBarcodeMatch(t *testing.T) {
	paidAt := testDay(10).Add(14 * time.Hour)
	store := &fakeStore{docs: []models.FeeDocument{pendingDoc(1, barcodeA())}}
	ledger := &fakeLedger{events: map[string][]PaymentEvent{
		"2026-08-10": {{
			GuideNumber: testGuideA,
			Barcode:     barcodeA(),
			PayerName:   "Maria Souza",
			PaidAmount:  decimal.RequireFromString("150.00"),
			PaymentDate: &paidAt,
			Origin:      "internet_banking",
		}},
	}}
	engine := NewEngine(store, ledger, testLogger(), EngineConfig{})

	err := engine.Run(context.Background(), 1, Window{Start: testDay(10), End: testDay(10)})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if store.docs[0].Status != models.FeeDocumentStatusPaid {
		t.Fatalf("document status = %q, want Paid", store.docs[0].Status)
	}
	if store.docs[0].PaymentDate == nil || !store.docs[0].PaymentDate.Equal(paidAt) {
		t.Fatalf("payment date = %v, want %v", store.docs[0].PaymentDate, paidAt)
	}
	if store.finalStatus != models.ReconciliationRunStatusSuccess {
		t.Fatalf("run status = %q, want success", store.finalStatus)
	}
	if store.totalPayments != 1 || store.totalUpdated != 1 {
		t.Fatalf("totals = %d/%d, want 1/1", store.totalPayments, store.totalUpdated)
	}
	if len(store.records) != 1 {
		t.Fatalf("records = %d, want 1", len(store.records))
	}
	record := store.records[0]
	if record.FeeDocumentId == nil || *record.FeeDocumentId != 1 {
		t.Fatalf("record document id = %v, want 1", record.FeeDocumentId)
	}
	if record.PreviousStatus == nil || *record.PreviousStatus != models.FeeDocumentStatusPending {
		t.Fatalf("previous status = %v, want Pending", record.PreviousStatus)
	}
	if record.NewStatus == nil || *record.NewStatus != models.FeeDocumentStatusPaid {
		t.Fatalf("new status = %v, want Paid", record.NewStatus)
	}
	if record.ExternalReference != testGuideA {
		t.Fatalf("external reference = %q, want %q", record.ExternalReference, testGuideA)
	}
}

func TestEngineRun_EmptyWindow(t *testing.T) {
	store := &fakeStore{docs: []models.FeeDocument{pendingDoc(1, barcodeA())}}
	ledger := &fakeLedger{}
	engine := NewEngine(store, ledger, testLogger(), EngineConfig{})

	err := engine.Run(context.Background(), 1, Window{Start: testDay(1), End: testDay(3)})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if store.finalStatus != models.ReconciliationRunStatusSuccess {
		t.Fatalf("run status = %q, want success", store.finalStatus)
	}
	if store.totalPayments != 0 || store.totalUpdated != 0 {
		t.Fatalf("totals = %d/%d, want 0/0", store.totalPayments, store.totalUpdated)
	}
	if len(store.records) != 0 {
		t.Fatalf("records = %d, want 0", len(store.records))
	}
	if len(ledger.queried) != 3 {
		t.Fatalf("queried %d days, want 3", len(ledger.queried))
	}
}

func TestEngineRun_SkipsFailingDay(t *testing.T) {
	store := &fakeStore{docs: []models.FeeDocument{
		pendingDoc(1, barcodeA()),
		pendingDoc(2, barcodeB()),
	}}
	ledger := &fakeLedger{
		events: map[string][]PaymentEvent{
			"2026-08-01": {{GuideNumber: testGuideA, Barcode: barcodeA(), PaidAmount: decimal.New(100, 0)}},
			"2026-08-03": {{GuideNumber: testGuideB, Barcode: barcodeB(), PaidAmount: decimal.New(200, 0)}},
		},
		errDays: map[string]error{"2026-08-02": errors.New("upstream 503")},
	}
	engine := NewEngine(store, ledger, testLogger(), EngineConfig{})

	err := engine.Run(context.Background(), 1, Window{Start: testDay(1), End: testDay(3)})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if store.finalStatus != models.ReconciliationRunStatusSuccess {
		t.Fatalf("run status = %q, want success", store.finalStatus)
	}
	if !strings.Contains(store.finalMessage, "skipped 1 day(s)") || !strings.Contains(store.finalMessage, "2026-08-02") {
		t.Fatalf("message = %q, want skipped-day note", store.finalMessage)
	}
	if store.totalUpdated != 2 {
		t.Fatalf("total updated = %d, want 2", store.totalUpdated)
	}
	for _, doc := range store.docs {
		if doc.Status != models.FeeDocumentStatusPaid {
			t.Fatalf("document %d status = %q, want Paid", doc.ID, doc.Status)
		}
	}
}

func TestEngineRun_AbortOnDayError(t *testing.T) {
	store := &fakeStore{docs: []models.FeeDocument{pendingDoc(1, barcodeA())}}
	ledger := &fakeLedger{
		events: map[string][]PaymentEvent{
			"2026-08-03": {{GuideNumber: testGuideA, Barcode: barcodeA(), PaidAmount: decimal.New(100, 0)}},
		},
		errDays: map[string]error{"2026-08-02": errors.New("upstream 503")},
	}
	engine := NewEngine(store, ledger, testLogger(), EngineConfig{AbortOnDayError: true})

	err := engine.Run(context.Background(), 1, Window{Start: testDay(1), End: testDay(3)})
	if err == nil {
		t.Fatal("Run() error = nil, want day error")
	}
	if store.finalStatus != models.ReconciliationRunStatusFailure {
		t.Fatalf("run status = %q, want failure", store.finalStatus)
	}
	if !strings.Contains(store.finalMessage, "aborted") {
		t.Fatalf("message = %q, want abort note", store.finalMessage)
	}
	if len(ledger.queried) != 2 {
		t.Fatalf("queried %d days, want 2 (no days after the failure)", len(ledger.queried))
	}
	if store.docs[0].Status != models.FeeDocumentStatusPending {
		t.Fatalf("document status = %q, want Pending untouched", store.docs[0].Status)
	}
}

func TestEngineRun_RerunIsIdempotent(t *testing.T) {
	paidAt := testDay(10).Add(9 * time.Hour)
	store := &fakeStore{docs: []models.FeeDocument{pendingDoc(1, barcodeA())}}
	ledger := &fakeLedger{events: map[string][]PaymentEvent{
		"2026-08-10": {{GuideNumber: testGuideA, Barcode: barcodeA(), PaidAmount: decimal.New(100, 0), PaymentDate: &paidAt}},
	}}
	window := Window{Start: testDay(10), End: testDay(10)}

	engine := NewEngine(store, ledger, testLogger(), EngineConfig{})
	if err := engine.Run(context.Background(), 1, window); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if err := engine.Run(context.Background(), 2, window); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}

	if len(store.records) != 1 {
		t.Fatalf("records = %d, want 1 (no duplicate on re-run)", len(store.records))
	}
	if store.docs[0].PaymentDate == nil || !store.docs[0].PaymentDate.Equal(paidAt) {
		t.Fatalf("payment date changed on re-run: %v", store.docs[0].PaymentDate)
	}
	if store.totalPayments != 1 || store.totalUpdated != 0 {
		t.Fatalf("second run totals = %d/%d, want 1/0", store.totalPayments, store.totalUpdated)
	}
	if store.finalStatus != models.ReconciliationRunStatusSuccess {
		t.Fatalf("second run status = %q, want success", store.finalStatus)
	}
}

func TestEngineRun_AmbiguousMatchLeavesDocumentsUntouched(t *testing.T) {
	store := &fakeStore{docs: []models.FeeDocument{
		pendingDoc(1, barcodeA()),
		pendingDoc(2, barcodeA()),
	}}
	ledger := &fakeLedger{events: map[string][]PaymentEvent{
		"2026-08-10": {{Barcode: barcodeA(), PaidAmount: decimal.New(100, 0)}},
	}}
	engine := NewEngine(store, ledger, testLogger(), EngineConfig{})

	if err := engine.Run(context.Background(), 1, Window{Start: testDay(10), End: testDay(10)}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for _, doc := range store.docs {
		if doc.Status != models.FeeDocumentStatusPending {
			t.Fatalf("document %d status = %q, want Pending untouched", doc.ID, doc.Status)
		}
	}
	if store.totalUpdated != 0 {
		t.Fatalf("total updated = %d, want 0", store.totalUpdated)
	}
	if len(store.records) != 1 {
		t.Fatalf("records = %d, want 1", len(store.records))
	}
	record := store.records[0]
	if !record.Ambiguous {
		t.Fatal("record not flagged ambiguous")
	}
	if record.FeeDocumentId != nil {
		t.Fatalf("ambiguous record has document id %v, want nil", record.FeeDocumentId)
	}
	if len(record.CandidatesJSON) == 0 {
		t.Fatal("ambiguous record has no candidates")
	}
}

func TestEngineRun_AtMostOneEventPerDocument(t *testing.T) {
	store := &fakeStore{docs: []models.FeeDocument{pendingDoc(1, barcodeA())}}
	ledger := &fakeLedger{events: map[string][]PaymentEvent{
		"2026-08-10": {
			{GuideNumber: testGuideA, Barcode: barcodeA(), PaidAmount: decimal.New(100, 0)},
			{GuideNumber: testGuideB, Barcode: barcodeA(), PaidAmount: decimal.New(100, 0)},
		},
	}}
	engine := NewEngine(store, ledger, testLogger(), EngineConfig{})

	if err := engine.Run(context.Background(), 1, Window{Start: testDay(10), End: testDay(10)}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if store.totalUpdated != 1 {
		t.Fatalf("total updated = %d, want 1", store.totalUpdated)
	}
	if len(store.records) != 2 {
		t.Fatalf("records = %d, want 2", len(store.records))
	}
	var matched, unresolved int
	for _, record := range store.records {
		if record.FeeDocumentId != nil {
			matched++
		} else {
			unresolved++
		}
	}
	if matched != 1 || unresolved != 1 {
		t.Fatalf("matched/unresolved = %d/%d, want 1/1", matched, unresolved)
	}
}

func TestEngineRun_UnmatchedThenAmbiguousGetsAudited(t *testing.T) {
	ledger := &fakeLedger{events: map[string][]PaymentEvent{
		"2026-08-10": {{Barcode: barcodeA(), PaidAmount: decimal.New(100, 0)}},
	}}
	window := Window{Start: testDay(10), End: testDay(10)}

	// First run: no candidate documents yet, the event lands unmatched.
	store := &fakeStore{}
	engine := NewEngine(store, ledger, testLogger(), EngineConfig{})
	if err := engine.Run(context.Background(), 1, window); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if len(store.records) != 1 || store.records[0].Ambiguous {
		t.Fatalf("expected one unmatched record, got %+v", store.records)
	}

	// Two candidates appear before the window is reprocessed: the event is
	// now ambiguous and must be audited as such despite the earlier row.
	store.docs = []models.FeeDocument{
		pendingDoc(1, barcodeA()),
		pendingDoc(2, barcodeA()),
	}
	if err := engine.Run(context.Background(), 2, window); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}

	if len(store.records) != 2 {
		t.Fatalf("records = %d, want 2", len(store.records))
	}
	if !store.records[1].Ambiguous {
		t.Fatal("second record not flagged ambiguous")
	}
	for _, doc := range store.docs {
		if doc.Status != models.FeeDocumentStatusPending {
			t.Fatalf("document %d status = %q, want Pending untouched", doc.ID, doc.Status)
		}
	}

	// A third pass with the same candidates dedups against the ambiguous row.
	if err := engine.Run(context.Background(), 3, window); err != nil {
		t.Fatalf("third Run() error = %v", err)
	}
	if len(store.records) != 2 {
		t.Fatalf("records after third run = %d, want 2", len(store.records))
	}
}

func TestEngineRun_ClosedDocumentRaceRecordsUnresolved(t *testing.T) {
	store := &fakeStore{
		docs:    []models.FeeDocument{pendingDoc(1, barcodeA())},
		notOpen: map[int]bool{1: true},
	}
	ledger := &fakeLedger{events: map[string][]PaymentEvent{
		"2026-08-10": {{GuideNumber: testGuideA, Barcode: barcodeA(), PaidAmount: decimal.New(100, 0)}},
	}}
	engine := NewEngine(store, ledger, testLogger(), EngineConfig{})

	if err := engine.Run(context.Background(), 1, Window{Start: testDay(10), End: testDay(10)}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if store.totalUpdated != 0 {
		t.Fatalf("total updated = %d, want 0", store.totalUpdated)
	}
	if len(store.records) != 1 {
		t.Fatalf("records = %d, want 1", len(store.records))
	}
	if store.records[0].FeeDocumentId != nil {
		t.Fatalf("record document id = %v, want nil", store.records[0].FeeDocumentId)
	}
}

package darsync

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/govdigital/venues_backend/models"
	mysqlDriver "github.com/go-sql-driver/mysql"
)

// ErrRecordAlreadyExists reports that the payment record's dedup key landed
// on an existing row: a prior run already took this decision.
var ErrRecordAlreadyExists = errors.New("reconciliation payment record already exists")

// Store is the slice of the local document store reconciliation needs: read
// the open documents, apply the one allowed transition, and append audit
// rows.
type Store interface {
	OpenFeeDocuments(ctx context.Context) ([]models.FeeDocument, error)
	MarkPaid(ctx context.Context, feeDocumentId int, paymentDate time.Time) (models.FeeDocumentStatus, error)
	FindAppliedRecord(ctx context.Context, externalReference string) (*models.ReconciliationPaymentRecord, error)
	FindUnresolvedRecord(ctx context.Context, externalReference string, ambiguous bool) (*models.ReconciliationPaymentRecord, error)
	CreatePaymentRecord(ctx context.Context, record *models.ReconciliationPaymentRecord) error
	StartRun(ctx context.Context, runId uint, startedAt time.Time) error
	FinalizeRun(ctx context.Context, runId uint, status string, message string, totalPayments int, totalUpdated int, finishedAt time.Time, durationMs int64) error
}

type gormStore struct{}

func NewStore() Store {
	return gormStore{}
}

func (gormStore) OpenFeeDocuments(ctx context.Context) ([]models.FeeDocument, error) {
	return models.GetOpenFeeDocuments(ctx)
}

func (gormStore) MarkPaid(ctx context.Context, feeDocumentId int, paymentDate time.Time) (models.FeeDocumentStatus, error) {
	return models.MarkFeeDocumentPaid(ctx, feeDocumentId, paymentDate)
}

func (gormStore) FindAppliedRecord(ctx context.Context, externalReference string) (*models.ReconciliationPaymentRecord, error) {
	return models.FindAppliedReconciliationPaymentRecord(ctx, externalReference)
}

func (gormStore) FindUnresolvedRecord(ctx context.Context, externalReference string, ambiguous bool) (*models.ReconciliationPaymentRecord, error) {
	return models.FindUnresolvedReconciliationPaymentRecord(ctx, externalReference, ambiguous)
}

func (gormStore) CreatePaymentRecord(ctx context.Context, record *models.ReconciliationPaymentRecord) error {
	if err := models.CreateReconciliationPaymentRecord(ctx, record); err != nil {
		// The unique (external_reference, fee_document_id) index backs the
		// dedup check against racing runs.
		if isDuplicateKeyErr(err) {
			return ErrRecordAlreadyExists
		}
		return err
	}
	return nil
}

func (gormStore) StartRun(ctx context.Context, runId uint, startedAt time.Time) error {
	return models.StartReconciliationRun(ctx, runId, startedAt)
}

func (gormStore) FinalizeRun(ctx context.Context, runId uint, status string, message string, totalPayments int, totalUpdated int, finishedAt time.Time, durationMs int64) error {
	return models.FinalizeReconciliationRun(ctx, runId, status, message, totalPayments, totalUpdated, finishedAt, durationMs)
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

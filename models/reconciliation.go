package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/govdigital/venues_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	ReconciliationRunStatusQueued  = "queued"
	ReconciliationRunStatusRunning = "running"
	ReconciliationRunStatusSuccess = "success"
	ReconciliationRunStatusFailure = "failure"
)

const (
	ReconciliationTriggeredManual = "manual"
	ReconciliationTriggeredSystem = "system"
	ReconciliationTriggeredCli    = "cli"
)

// ReconciliationRun is one execution of the engine over a date window.
// Append-only: status/message/totals are written exactly once at completion.
type ReconciliationRun struct {
	ID            uint       `gorm:"primary_key" json:"id"`
	ReferenceDate time.Time  `gorm:"index" json:"reference_date"`
	WindowStart   time.Time  `json:"window_start"`
	WindowEnd     time.Time  `json:"window_end"`
	Status        string     `gorm:"size:20;index;not null" json:"status"`
	TriggeredBy   string     `gorm:"size:20" json:"triggered_by"`
	Message       string     `gorm:"type:text" json:"message"`
	TotalPayments int        `json:"total_payments"`
	TotalUpdated  int        `json:"total_updated"`
	StartedAt     *time.Time `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	DurationMs    int64      `json:"duration_ms"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// ReconciliationPaymentRecord is one decision taken during a run. A null
// fee_document_id means the event stayed unmatched (or ambiguous); the row is
// never updated afterwards.
type ReconciliationPaymentRecord struct {
	ID                uint               `gorm:"primary_key" json:"id"`
	RunId             uint               `gorm:"index;not null" json:"run_id"`
	FeeDocumentId     *int               `gorm:"uniqueIndex:idx_recon_ref_doc,priority:2" json:"fee_document_id"`
	PreviousStatus    *FeeDocumentStatus `gorm:"size:20" json:"previous_status"`
	NewStatus         *FeeDocumentStatus `gorm:"size:20" json:"new_status"`
	ExternalReference string             `gorm:"size:64;uniqueIndex:idx_recon_ref_doc,priority:1;index" json:"external_reference"`
	GuideNumber       string             `gorm:"size:64" json:"guide_number"`
	Barcode           string             `gorm:"size:44" json:"barcode"`
	LineDigit         string             `gorm:"size:48" json:"line_digit"`
	PayerName         string             `gorm:"size:255" json:"payer_name"`
	PayerDocument     string             `gorm:"size:32" json:"payer_document"`
	PaidAmount        decimal.Decimal    `gorm:"type:decimal(13,2)" json:"paid_amount"`
	PaymentDate       *time.Time         `json:"payment_date"`
	Origin            string             `gorm:"size:32" json:"origin"`
	Ambiguous         bool               `gorm:"default:false" json:"ambiguous"`
	CandidatesJSON    []byte             `gorm:"type:json" json:"candidates"`
	CreatedAt         time.Time          `gorm:"autoCreateTime" json:"created_at"`
}

func CreateReconciliationRun(ctx context.Context, run *ReconciliationRun) error {
	return config.GetDB().WithContext(ctx).Create(run).Error
}

func GetReconciliationRun(ctx context.Context, id uint) (*ReconciliationRun, error) {
	var run ReconciliationRun
	err := config.GetDB().WithContext(ctx).Where("id = ?", id).Take(&run).Error
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func ListReconciliationRuns(ctx context.Context, limit int) ([]ReconciliationRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []ReconciliationRun
	err := config.GetDB().WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

func StartReconciliationRun(ctx context.Context, id uint, startedAt time.Time) error {
	return config.GetDB().WithContext(ctx).
		Model(&ReconciliationRun{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     ReconciliationRunStatusRunning,
			"started_at": startedAt,
		}).Error
}

// FinalizeReconciliationRun writes the run outcome. The status/message pair
// is set here and nowhere else.
func FinalizeReconciliationRun(ctx context.Context, id uint, status string, message string, totalPayments int, totalUpdated int, finishedAt time.Time, durationMs int64) error {
	return config.GetDB().WithContext(ctx).
		Model(&ReconciliationRun{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":         status,
			"message":        message,
			"total_payments": totalPayments,
			"total_updated":  totalUpdated,
			"finished_at":    finishedAt,
			"duration_ms":    durationMs,
		}).Error
}

func CreateReconciliationPaymentRecord(ctx context.Context, record *ReconciliationPaymentRecord) error {
	return config.GetDB().WithContext(ctx).Create(record).Error
}

func GetRunPaymentRecords(ctx context.Context, runId uint) ([]ReconciliationPaymentRecord, error) {
	var records []ReconciliationPaymentRecord
	err := config.GetDB().WithContext(ctx).
		Where("run_id = ?", runId).
		Order("id").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// FindUnresolvedReconciliationPaymentRecord looks up a prior unresolved
// decision for the same external reference with the same ambiguity outcome.
// An event that was Unmatched in one run and Ambiguous in a later one (a
// second candidate appeared) gets a fresh audit row rather than being
// swallowed by the earlier record. Returns (nil, nil) when absent.
func FindUnresolvedReconciliationPaymentRecord(ctx context.Context, externalReference string, ambiguous bool) (*ReconciliationPaymentRecord, error) {
	var record ReconciliationPaymentRecord
	err := config.GetDB().WithContext(ctx).
		Where("external_reference = ? AND fee_document_id IS NULL AND ambiguous = ?", externalReference, ambiguous).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// FindAppliedReconciliationPaymentRecord looks up a prior decision that
// actually transitioned a fee document for the given external reference.
// Returns (nil, nil) when the reference was never applied.
func FindAppliedReconciliationPaymentRecord(ctx context.Context, externalReference string) (*ReconciliationPaymentRecord, error) {
	var record ReconciliationPaymentRecord
	err := config.GetDB().WithContext(ctx).
		Where("external_reference = ? AND fee_document_id IS NOT NULL", externalReference).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// ListUnresolvedPaymentRecords returns unmatched/ambiguous decisions awaiting
// manual follow-up.
func ListUnresolvedPaymentRecords(ctx context.Context, limit int) ([]ReconciliationPaymentRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []ReconciliationPaymentRecord
	err := config.GetDB().WithContext(ctx).
		Where("fee_document_id IS NULL").
		Order("id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/govdigital/venues_backend/boleto"
	"bitbucket.org/govdigital/venues_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type FeeDocumentStatus string

const (
	FeeDocumentStatusPending   FeeDocumentStatus = "Pending"
	FeeDocumentStatusOverdue   FeeDocumentStatus = "Overdue"
	FeeDocumentStatusPaid      FeeDocumentStatus = "Paid"
	FeeDocumentStatusCancelled FeeDocumentStatus = "Cancelled"
)

// ErrFeeDocumentNotOpen is returned when a paid/cancelled document is asked
// to transition again. Paid is terminal for the reconciliation engine.
var ErrFeeDocumentNotOpen = errors.New("fee document is not pending or overdue")

// FeeDocument is a government fee collection document (DAR) issued for a
// reservation or tenant charge. Created by the admin CRUD surface; the
// reconciliation engine only ever moves it Pending/Overdue -> Paid.
type FeeDocument struct {
	ID             int               `gorm:"primary_key" json:"id"`
	HolderId       *int              `gorm:"index" json:"holder_id"`
	Amount         decimal.Decimal   `gorm:"type:decimal(13,2);not null" json:"amount"`
	DueDate        time.Time         `json:"due_date"`
	PaymentDate    *time.Time        `json:"payment_date"`
	Status         FeeDocumentStatus `gorm:"size:20;index;not null" json:"status"`
	GuideNumber    string            `gorm:"size:64;index" json:"guide_number"`
	Barcode        string            `gorm:"size:44;index" json:"barcode"`
	LineDigit      string            `gorm:"size:48;index" json:"line_digit"`
	InterestExempt bool              `gorm:"default:false" json:"interest_exempt"`
	CreatedAt      time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeSave keeps barcode and line digit mutually derivable. Arrecadação
// barcodes (leading 8) keep whatever 48-digit line digit the issuer produced;
// the engine never recomputes their block check digits.
func (doc *FeeDocument) BeforeSave(tx *gorm.DB) error {
	doc.Barcode = boleto.DigitsOnly(doc.Barcode)
	doc.LineDigit = boleto.DigitsOnly(doc.LineDigit)

	if doc.Barcode == "" && doc.LineDigit != "" {
		if barcode, ok := boleto.ToBarcode(doc.LineDigit); ok {
			doc.Barcode = barcode
		}
	}
	if doc.LineDigit == "" && len(doc.Barcode) == 44 && doc.Barcode[0] != '8' {
		if lineDigit, ok := boleto.ToLineDigit47(doc.Barcode); ok {
			doc.LineDigit = lineDigit
		}
	}
	return nil
}

// GetOpenFeeDocuments returns every document the matcher may still act on.
func GetOpenFeeDocuments(ctx context.Context) ([]FeeDocument, error) {
	db := config.GetDB().WithContext(ctx)
	var docs []FeeDocument
	if err := db.
		Where("status IN ?", []FeeDocumentStatus{FeeDocumentStatusPending, FeeDocumentStatusOverdue}).
		Order("id").
		Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}

// MarkFeeDocumentPaid transitions one open document to Paid with an
// optimistic status guard: the UPDATE only lands if the row is still
// Pending/Overdue, so two runs cannot both claim the same document.
// Returns the status the document held before the transition.
func MarkFeeDocumentPaid(ctx context.Context, id int, paymentDate time.Time) (FeeDocumentStatus, error) {
	db := config.GetDB().WithContext(ctx)

	var doc FeeDocument
	if err := db.Where("id = ?", id).Take(&doc).Error; err != nil {
		return "", err
	}
	if doc.Status != FeeDocumentStatusPending && doc.Status != FeeDocumentStatusOverdue {
		return doc.Status, ErrFeeDocumentNotOpen
	}

	res := db.Model(&FeeDocument{}).
		Where("id = ? AND status IN ?", id, []FeeDocumentStatus{FeeDocumentStatusPending, FeeDocumentStatusOverdue}).
		Updates(map[string]interface{}{
			"status":       FeeDocumentStatusPaid,
			"payment_date": paymentDate,
		})
	if res.Error != nil {
		return doc.Status, res.Error
	}
	if res.RowsAffected == 0 {
		return doc.Status, ErrFeeDocumentNotOpen
	}
	return doc.Status, nil
}

package darsync

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentEvent is one settled payment as reported by the state ledger for a
// given day. Ephemeral: decoded per query, never persisted verbatim. Any
// field may be absent.
type PaymentEvent struct {
	GuideNumber   string
	Barcode       string
	LineDigit     string
	PayerName     string
	PayerDocument string
	PaidAmount    decimal.Decimal
	PaymentDate   *time.Time
	Origin        string
}

// Window is an inclusive day range. Times are normalized to midnight UTC of
// their calendar day.
type Window struct {
	Start time.Time
	End   time.Time
}

func dayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// WindowAround anchors a window on a reference date: lookback days behind,
// lookahead days ahead.
func WindowAround(reference time.Time, lookback, lookahead int) Window {
	ref := dayOf(reference)
	return Window{
		Start: ref.AddDate(0, 0, -lookback),
		End:   ref.AddDate(0, 0, lookahead),
	}
}

// Days lists every day in the window in ascending order.
func (w Window) Days() []time.Time {
	start := dayOf(w.Start)
	end := dayOf(w.End)
	if end.Before(start) {
		return nil
	}
	var days []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

type TriggerRunRequest struct {
	ReferenceDate string `json:"referenceDate" validate:"omitempty,datetime=2006-01-02"`
	Start         string `json:"start" validate:"omitempty,datetime=2006-01-02"`
	End           string `json:"end" validate:"omitempty,datetime=2006-01-02"`
}

type RunResponse struct {
	ID            uint    `json:"id"`
	ReferenceDate string  `json:"referenceDate"`
	WindowStart   string  `json:"windowStart"`
	WindowEnd     string  `json:"windowEnd"`
	Status        string  `json:"status"`
	TriggeredBy   string  `json:"triggeredBy"`
	Message       string  `json:"message"`
	TotalPayments int     `json:"totalPayments"`
	TotalUpdated  int     `json:"totalUpdated"`
	StartedAt     *string `json:"startedAt"`
	FinishedAt    *string `json:"finishedAt"`
	DurationMs    int64   `json:"durationMs"`
}

type RunDetailResponse struct {
	RunResponse
	Records []PaymentRecordResponse `json:"records"`
}

type PaymentRecordResponse struct {
	ID                uint    `json:"id"`
	RunId             uint    `json:"runId"`
	FeeDocumentId     *int    `json:"feeDocumentId"`
	PreviousStatus    *string `json:"previousStatus"`
	NewStatus         *string `json:"newStatus"`
	ExternalReference string  `json:"externalReference"`
	GuideNumber       string  `json:"guideNumber"`
	Barcode           string  `json:"barcode"`
	LineDigit         string  `json:"lineDigit"`
	LineDigitDisplay  string  `json:"lineDigitDisplay,omitempty"`
	PayerName         string  `json:"payerName"`
	PayerDocument     string  `json:"payerDocument"`
	PaidAmount        string  `json:"paidAmount"`
	PaymentDate       *string `json:"paymentDate"`
	Origin            string  `json:"origin"`
	Ambiguous         bool    `json:"ambiguous"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type ReconcilePubSubPayload struct {
	RunId uint `json:"run_id"`
}

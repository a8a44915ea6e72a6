package darsync

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"bitbucket.org/govdigital/venues_backend/boleto"
	"bitbucket.org/govdigital/venues_backend/config"
	"bitbucket.org/govdigital/venues_backend/models"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

var validate = validator.New()

const dateLayout = "2006-01-02"

// TriggerRunHandler queues a reconciliation run. The window is either an
// explicit {start,end} pair or the configured lookback/lookahead around the
// reference date (today when absent). Execution goes through Pub/Sub unless
// RECONCILE_INLINE is set.
func TriggerRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TriggerRunRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}
		if err := validate.Struct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		reference, window, err := resolveWindow(req)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx := c.Request.Context()
		run, err := CreateQueuedRun(ctx, reference, window, models.ReconciliationTriggeredManual)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if config.ReconcileInline() {
			_ = ExecuteRun(ctx, run.ID)
			finished, err := models.GetReconciliationRun(ctx, run.ID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, runResponse(finished))
			return
		}

		if err := PublishReconcileRun(ctx, run.ID); err != nil {
			config.LogError(config.GetLogger(), "handlers.go", "TriggerRunHandler", "publishing run", run.ID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue run"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"runId": run.ID, "status": run.Status})
	}
}

func RunHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		runs, err := models.ListReconciliationRuns(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items := make([]RunResponse, 0, len(runs))
		for i := range runs {
			items = append(items, runResponse(&runs[i]))
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

const runDetailCacheTTL = 24 * time.Hour

func runDetailCacheKey(id uint) string {
	return fmt.Sprintf("reconciliation:run:%d:detail", id)
}

// RunDetailHandler serves one run with its payment records. Terminal runs
// are append-only, so their rendered detail is cached in Redis.
func RunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		var cached RunDetailResponse
		if found, err := config.GetRedisObject(runDetailCacheKey(uint(id)), &cached); err == nil && found {
			c.JSON(http.StatusOK, cached)
			return
		}

		ctx := c.Request.Context()
		run, err := models.GetReconciliationRun(ctx, uint(id))
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		records, err := models.GetRunPaymentRecords(ctx, run.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		detail := buildRunDetail(run, records)
		if run.Status == models.ReconciliationRunStatusSuccess || run.Status == models.ReconciliationRunStatusFailure {
			_ = config.SetRedisObject(runDetailCacheKey(run.ID), detail, runDetailCacheTTL)
		}
		c.JSON(http.StatusOK, detail)
	}
}

func buildRunDetail(run *models.ReconciliationRun, records []models.ReconciliationPaymentRecord) RunDetailResponse {
	detail := RunDetailResponse{RunResponse: runResponse(run)}
	detail.Records = make([]PaymentRecordResponse, 0, len(records))
	for i := range records {
		detail.Records = append(detail.Records, recordResponse(&records[i]))
	}
	return detail
}

// UnresolvedRecordsHandler lists unmatched/ambiguous payment records awaiting
// manual reconciliation.
func UnresolvedRecordsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		records, err := models.ListUnresolvedPaymentRecords(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items := make([]PaymentRecordResponse, 0, len(records))
		for i := range records {
			items = append(items, recordResponse(&records[i]))
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func resolveWindow(req TriggerRunRequest) (time.Time, Window, error) {
	if (req.Start == "") != (req.End == "") {
		return time.Time{}, Window{}, errors.New("start and end must be provided together")
	}

	if req.Start != "" {
		start, err := time.Parse(dateLayout, req.Start)
		if err != nil {
			return time.Time{}, Window{}, errors.New("invalid start date")
		}
		end, err := time.Parse(dateLayout, req.End)
		if err != nil {
			return time.Time{}, Window{}, errors.New("invalid end date")
		}
		if end.Before(start) {
			return time.Time{}, Window{}, errors.New("end before start")
		}
		return end, Window{Start: start, End: end}, nil
	}

	reference := time.Now()
	if req.ReferenceDate != "" {
		parsed, err := time.Parse(dateLayout, req.ReferenceDate)
		if err != nil {
			return time.Time{}, Window{}, errors.New("invalid reference date")
		}
		reference = parsed
	}
	return reference, DefaultWindow(reference), nil
}

func runResponse(run *models.ReconciliationRun) RunResponse {
	return RunResponse{
		ID:            run.ID,
		ReferenceDate: run.ReferenceDate.Format(dateLayout),
		WindowStart:   run.WindowStart.Format(dateLayout),
		WindowEnd:     run.WindowEnd.Format(dateLayout),
		Status:        run.Status,
		TriggeredBy:   run.TriggeredBy,
		Message:       run.Message,
		TotalPayments: run.TotalPayments,
		TotalUpdated:  run.TotalUpdated,
		StartedAt:     formatTime(run.StartedAt),
		FinishedAt:    formatTime(run.FinishedAt),
		DurationMs:    run.DurationMs,
	}
}

func recordResponse(record *models.ReconciliationPaymentRecord) PaymentRecordResponse {
	resp := PaymentRecordResponse{
		ID:                record.ID,
		RunId:             record.RunId,
		FeeDocumentId:     record.FeeDocumentId,
		ExternalReference: record.ExternalReference,
		GuideNumber:       record.GuideNumber,
		Barcode:           record.Barcode,
		LineDigit:         record.LineDigit,
		PayerName:         record.PayerName,
		PayerDocument:     record.PayerDocument,
		PaidAmount:        record.PaidAmount.String(),
		PaymentDate:       formatTime(record.PaymentDate),
		Origin:            record.Origin,
		Ambiguous:         record.Ambiguous,
	}
	if record.PreviousStatus != nil {
		s := string(*record.PreviousStatus)
		resp.PreviousStatus = &s
	}
	if record.NewStatus != nil {
		s := string(*record.NewStatus)
		resp.NewStatus = &s
	}
	if display, ok := boleto.GroupLineDigit47(record.LineDigit); ok {
		resp.LineDigitDisplay = display
	}
	return resp
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

package darsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerClient queries the external state payment ledger for the payments
// settled on one day.
type LedgerClient interface {
	PaymentsForDay(ctx context.Context, day time.Time) ([]PaymentEvent, error)
}

type ledgerHTTPClient struct {
	baseURL    string
	apiKey     string
	apiKeyHdr  string
	http       *http.Client
	limiter    *Limiter
	dayTimeout time.Duration
}

// NewLedgerClient builds the HTTP ledger client from env:
// - LEDGER_API_BASE_URL (required)
// - LEDGER_API_KEY (required)
// - LEDGER_API_KEY_HEADER (default "X-API-Key")
// - LEDGER_MIN_INTERVAL_MS minimum spacing between requests (default 1000)
// - LEDGER_DAY_TIMEOUT_SECONDS per-day query timeout (default 30)
func NewLedgerClient() (LedgerClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("LEDGER_API_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("LEDGER_API_BASE_URL is empty")
	}
	apiKey := strings.TrimSpace(os.Getenv("LEDGER_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("LEDGER_API_KEY is empty")
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("LEDGER_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}

	minIntervalMs := int64(1000)
	if v := strings.TrimSpace(os.Getenv("LEDGER_MIN_INTERVAL_MS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			minIntervalMs = n
		}
	}
	dayTimeout := 30 * time.Second
	if v := strings.TrimSpace(os.Getenv("LEDGER_DAY_TIMEOUT_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			dayTimeout = time.Duration(n) * time.Second
		}
	}

	return &ledgerHTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		apiKeyHdr:  apiKeyHeader,
		http:       &http.Client{Timeout: dayTimeout},
		limiter:    NewLimiter(time.Duration(minIntervalMs) * time.Millisecond),
		dayTimeout: dayTimeout,
	}, nil
}

// ledgerPayment mirrors the ledger's wire shape. Every field is optional.
type ledgerPayment struct {
	NumeroGuia       string      `json:"numeroGuia"`
	CodigoBarras     string      `json:"codigoBarras"`
	LinhaDigitavel   string      `json:"linhaDigitavel"`
	NomePagador      string      `json:"nomePagador"`
	DocumentoPagador string      `json:"documentoPagador"`
	ValorPago        json.Number `json:"valorPago"`
	DataPagamento    string      `json:"dataPagamento"`
	Origem           string      `json:"origem"`
}

type ledgerListResponse struct {
	Pagamentos []ledgerPayment `json:"pagamentos"`
	Data       []ledgerPayment `json:"data"`
}

func (c *ledgerHTTPClient) PaymentsForDay(ctx context.Context, day time.Time) ([]PaymentEvent, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.dayTimeout)
	defer cancel()

	params := url.Values{}
	params.Set("dataInicio", day.Format("2006-01-02"))
	params.Set("dataFim", day.Format("2006-01-02"))
	endpoint := c.baseURL + "/pagamentos?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ledger api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed ledgerListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}

	items := parsed.Pagamentos
	if len(items) == 0 {
		items = parsed.Data
	}

	events := make([]PaymentEvent, 0, len(items))
	for _, item := range items {
		events = append(events, PaymentEvent{
			GuideNumber:   strings.TrimSpace(item.NumeroGuia),
			Barcode:       strings.TrimSpace(item.CodigoBarras),
			LineDigit:     strings.TrimSpace(item.LinhaDigitavel),
			PayerName:     strings.TrimSpace(item.NomePagador),
			PayerDocument: strings.TrimSpace(item.DocumentoPagador),
			PaidAmount:    decimalFromNumber(item.ValorPago),
			PaymentDate:   parseLedgerDate(item.DataPagamento),
			Origin:        strings.TrimSpace(item.Origem),
		})
	}
	return events, nil
}

func decimalFromNumber(num json.Number) decimal.Decimal {
	if num.String() == "" {
		return decimal.Zero
	}
	if d, err := decimal.NewFromString(num.String()); err == nil {
		return d
	}
	return decimal.Zero
}

func parseLedgerDate(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return &t
		}
	}
	return nil
}

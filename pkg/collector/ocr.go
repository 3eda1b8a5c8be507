package collector

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Extraction is what an OCR connector reads out of an invoice or receipt
// capture. Zero OccurredAt falls back to the file's mtime.
type Extraction struct {
	Vendor      string
	Amount      decimal.Decimal
	OccurredAt  int64
	Description string
}

// OCRConnector turns an invoice image or PDF into structured fields. The
// production connector delegates to an external OCR service through the
// egress proxy; deployments without one fall back to filename extraction.
type OCRConnector interface {
	Extract(ctx context.Context, path string, data []byte) (Extraction, error)
}

// ErrNoFields means the connector could not find a vendor and amount.
var ErrNoFields = errors.New("no extractable invoice fields")

// patternConnector reads fields from the file name, the drop-folder
// convention for scanned receipts: vendor-amount[-YYYYMMDD], separated by
// "-" or "_", e.g. 星巴克-45.50-20250610.jpg.
type patternConnector struct{}

// NewPatternConnector returns the filename-convention extractor.
func NewPatternConnector() OCRConnector { return patternConnector{} }

var fieldSep = regexp.MustCompile(`[-_]`)

func (patternConnector) Extract(_ context.Context, path string, _ []byte) (Extraction, error) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	parts := fieldSep.Split(base, -1)
	if len(parts) < 2 {
		return Extraction{}, fmt.Errorf("%q: %w", base, ErrNoFields)
	}

	var ex Extraction
	ex.Vendor = strings.TrimSpace(parts[0])
	amt, err := parseAmount(parts[1])
	// An 8-digit integer in the amount slot is a date, not a price.
	if err != nil || amt.IsZero() || amt.Abs().GreaterThanOrEqual(decimal.NewFromInt(10_000_000)) {
		return Extraction{}, fmt.Errorf("%q: %w", base, ErrNoFields)
	}
	ex.Amount = amt.Abs()

	if len(parts) >= 3 {
		if t, err := time.ParseInLocation("20060102", parts[2], time.Local); err == nil {
			ex.OccurredAt = t.UTC().UnixMilli()
		}
	}
	if ex.Vendor == "" {
		return Extraction{}, fmt.Errorf("%q: %w", base, ErrNoFields)
	}
	ex.Description = base
	return ex, nil
}

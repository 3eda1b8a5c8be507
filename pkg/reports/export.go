// Package reports turns the ledger into outward-facing artifacts: audited
// CSV/JSON exports of the audit trail, a markdown financial report, and a
// cash-flow forecast that projects the balance against the trailing spend
// rate. Exports are themselves audited; each run leaves a durable record
// of who took data out of the ledger.
package reports

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tallyhq/tally/pkg/log"
	"github.com/tallyhq/tally/pkg/types"
)

// Export formats.
const (
	FormatCSV    = "csv"
	FormatJSON   = "json"
	FormatReport = "report"
)

// reportPreviewRows caps the detail table in the markdown report; the full
// trail belongs in a csv or json export.
const reportPreviewRows = 50

// ErrNothingToExport means the ledger holds no entries yet.
var ErrNothingToExport = errors.New("no ledger entries to export")

// ExportStore is the slice of the store the exporter needs: the trail it
// exports and the audit rows every run leaves behind.
type ExportStore interface {
	AuditTrail(limit int) ([]*types.AuditTrailRow, error)
	PutExportRecord(rec *types.ExportRecord) error
	CompleteExport(exportID, status string) error
}

// Exporter writes audited ledger exports. Every run inserts a PENDING
// export audit row first and stamps it COMPLETED or FAILED after, so the
// trail of who took data out of the ledger survives the files themselves.
type Exporter struct {
	store    ExportStore
	operator string
	logger   zerolog.Logger
}

// NewExporter builds an Exporter. The operator is recorded on every audit
// row and in the 制单人 column of csv exports.
func NewExporter(store ExportStore, operator string) *Exporter {
	if operator == "" {
		operator = "tally"
	}
	return &Exporter{
		store:    store,
		operator: operator,
		logger:   log.WithComponent("exporter"),
	}
}

// ExportCSV writes the audit trail as a voucher-style csv. A limit of 0
// exports everything.
func (e *Exporter) ExportCSV(path string, limit int) (*types.ExportRecord, error) {
	return e.run(path, FormatCSV, limit, func(f *os.File, rows []*types.AuditTrailRow) error {
		// Leading BOM so spreadsheet tools pick up the CJK headers.
		if _, err := f.WriteString("\xEF\xBB\xBF"); err != nil {
			return err
		}
		w := csv.NewWriter(f)
		if err := w.Write([]string{"日期", "凭证号", "摘要", "科目", "借方金额", "贷方金额", "制单人"}); err != nil {
			return err
		}
		for _, row := range rows {
			rec := []string{
				types.TimeFromMillis(row.Entry.OccurredAt).Format("2006-01-02"),
				strconv.FormatUint(row.Entry.ID, 10),
				row.Entry.Vendor,
				row.Entry.Category,
				row.Entry.Amount.StringFixed(2),
				"0.00",
				e.operator,
			}
			if err := w.Write(rec); err != nil {
				return err
			}
		}
		w.Flush()
		return w.Error()
	})
}

// ExportJSON writes the full audit trail, inference steps and verdicts
// included, as indented json.
func (e *Exporter) ExportJSON(path string, limit int) (*types.ExportRecord, error) {
	return e.run(path, FormatJSON, limit, func(f *os.File, rows []*types.AuditTrailRow) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	})
}

// ExportReport writes a markdown summary: totals, the cash-flow forecast,
// and a preview of the most recent entries.
func (e *Exporter) ExportReport(path string, limit int, fc *Forecast) (*types.ExportRecord, error) {
	return e.run(path, FormatReport, limit, func(f *os.File, rows []*types.AuditTrailRow) error {
		total := decimal.Zero
		for _, row := range rows {
			total = total.Add(row.Entry.Amount)
		}

		var b strings.Builder
		b.WriteString("# Tally Financial Report\n\n")
		b.WriteString("## Overview\n")
		fmt.Fprintf(&b, "- Generated: %s\n", types.TimeFromMillis(types.NowMillis()).Format("2006-01-02 15:04:05"))
		fmt.Fprintf(&b, "- Entries: %d\n", len(rows))
		fmt.Fprintf(&b, "- Total amount: %s\n\n", total.StringFixed(2))

		if fc != nil {
			b.WriteString("## Cash-flow forecast\n")
			fmt.Fprintf(&b, "- Current balance: %s\n", fc.Balance.StringFixed(2))
			fmt.Fprintf(&b, "- Predicted balance (30d): %s\n", fc.PredictedBalance.StringFixed(2))
			fmt.Fprintf(&b, "- Days until burnout: %.1f\n", fc.DaysUntilBurnout)
			fmt.Fprintf(&b, "- Status: %s\n", fc.Status)
			fmt.Fprintf(&b, "- Insight: %s\n\n", fc.Insight)
		}

		b.WriteString("## Entries\n")
		b.WriteString("| Date | Vendor | Category | Amount | State |\n")
		b.WriteString("| :--- | :--- | :--- | ---: | :--- |\n")
		for i, row := range rows {
			if i >= reportPreviewRows {
				fmt.Fprintf(&b, "\n> Showing %d of %d entries; export csv or json for the full trail.\n", reportPreviewRows, len(rows))
				break
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
				types.TimeFromMillis(row.Entry.OccurredAt).Format("2006-01-02"),
				row.Entry.Vendor,
				row.Entry.Category,
				row.Entry.Amount.StringFixed(2),
				row.Entry.State,
			)
		}

		_, err := f.WriteString(b.String())
		return err
	})
}

func (e *Exporter) run(path, format string, limit int, write func(*os.File, []*types.AuditTrailRow) error) (*types.ExportRecord, error) {
	rows, err := e.store.AuditTrail(limit)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNothingToExport
	}

	rec := &types.ExportRecord{
		ExportID:    types.NewExportID(),
		Filename:    filepath.Base(path),
		Format:      format,
		RecordCount: len(rows),
		Operator:    e.operator,
	}
	if err := e.store.PutExportRecord(rec); err != nil {
		return nil, err
	}

	if err := e.write(path, rows, write); err != nil {
		if cerr := e.store.CompleteExport(rec.ExportID, types.ExportFailed); cerr != nil {
			e.logger.Warn().Err(cerr).Str("export_id", rec.ExportID).Msg("export audit row not finalized")
		}
		rec.Status = types.ExportFailed
		return rec, err
	}

	if err := e.store.CompleteExport(rec.ExportID, types.ExportCompleted); err != nil {
		return rec, err
	}
	rec.Status = types.ExportCompleted
	e.logger.Info().
		Str("export_id", rec.ExportID).
		Str("format", format).
		Int("rows", len(rows)).
		Str("path", path).
		Msg("ledger exported")
	return rec, nil
}

func (e *Exporter) write(path string, rows []*types.AuditTrailRow, write func(*os.File, []*types.AuditTrailRow) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f, rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

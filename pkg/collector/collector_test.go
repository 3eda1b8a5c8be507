package collector

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/tallyhq/tally/pkg/config"
	"github.com/tallyhq/tally/pkg/storage"
	"github.com/tallyhq/tally/pkg/types"
)

func testCollector(t *testing.T) (*Collector, *storage.BoltStore, string) {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir(), storage.Options{NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	drop := t.TempDir()
	cfg := config.CollectorConfig{
		DropDir:         drop,
		Workers:         2,
		QueueSize:       16,
		PerFileTimeoutS: 5,
		GroupWindowS:    60,
		StabilityWaitMs: 20,
	}
	return New(cfg, s), s, drop
}

func startCollector(t *testing.T, c *Collector) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("collector did not stop")
		}
	})
	return cancel
}

func TestStartupScanIngestsStatement(t *testing.T) {
	c, s, drop := testCollector(t)

	// Dropped before the collector started.
	require.NoError(t, os.WriteFile(filepath.Join(drop, "alipay_202506.csv"), []byte(alipayCSV), 0o644))

	startCollector(t, c)

	assert.Eventually(t, func() bool {
		pendings, err := s.ListPendingByStatus(types.PendingUnreconciled)
		return err == nil && len(pendings) == 3
	}, 5*time.Second, 25*time.Millisecond)

	pendings, err := s.ListPendingByStatus(types.PendingUnreconciled)
	require.NoError(t, err)
	assert.Equal(t, types.SourceAlipay, pendings[0].Source)
	assert.NotEmpty(t, pendings[0].TraceID)
	assert.NotEmpty(t, pendings[0].ContentHash)
}

func TestWatcherPicksUpNewFile(t *testing.T) {
	c, s, drop := testCollector(t)
	startCollector(t, c)
	time.Sleep(100 * time.Millisecond) // let the watcher arm

	require.NoError(t, os.WriteFile(filepath.Join(drop, "wechat.csv"), []byte(wechatCSV), 0o644))

	assert.Eventually(t, func() bool {
		pendings, err := s.ListPendingByStatus(types.PendingUnreconciled)
		return err == nil && len(pendings) == 3
	}, 5*time.Second, 25*time.Millisecond)
}

func TestDuplicateFileSkipped(t *testing.T) {
	c, s, drop := testCollector(t)
	startCollector(t, c)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(drop, "a.csv"), []byte(bankCSV), 0o644))
	assert.Eventually(t, func() bool {
		recs, err := s.ListFileRecords(10)
		return err == nil && len(recs) == 1
	}, 5*time.Second, 25*time.Millisecond)

	// Same bytes under a different name: content-hash dedupe.
	require.NoError(t, os.WriteFile(filepath.Join(drop, "b.csv"), []byte(bankCSV), 0o644))
	time.Sleep(300 * time.Millisecond)

	recs, err := s.ListFileRecords(10)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	pendings, err := s.ListPendingByStatus(types.PendingUnreconciled)
	require.NoError(t, err)
	assert.Len(t, pendings, 2, "rows must not double-insert")
}

func TestWorkbookStatementIngested(t *testing.T) {
	c, s, drop := testCollector(t)
	startCollector(t, c)
	time.Sleep(100 * time.Millisecond)

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]interface{}{"交易日期", "对方户名", "金额", "摘要"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]interface{}{"2025-06-05", "北京朝阳文具有限公司", "1250.00", "办公用品采购"}))
	require.NoError(t, f.SetSheetRow(sheet, "A3", &[]interface{}{"2025-06-07", "顺丰速运", "-86.50", "快递费"}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, os.WriteFile(filepath.Join(drop, "statement.xlsx"), buf.Bytes(), 0o644))

	assert.Eventually(t, func() bool {
		pendings, err := s.ListPendingByStatus(types.PendingUnreconciled)
		return err == nil && len(pendings) == 2
	}, 5*time.Second, 25*time.Millisecond)

	pendings, err := s.ListPendingByStatus(types.PendingUnreconciled)
	require.NoError(t, err)
	assert.Equal(t, types.SourceBank, pendings[0].Source)
	assert.Equal(t, "北京朝阳文具有限公司", pendings[0].Counterparty)
	assert.True(t, pendings[0].Amount.Equal(decimal.RequireFromString("1250.00")))

	recs, err := s.ListFileRecords(10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, types.FileDone, recs[0].Status)
}

func TestTextMasqueradingAsWorkbookFails(t *testing.T) {
	c, s, drop := testCollector(t)
	startCollector(t, c)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(drop, "fake.xlsx"), []byte(bankCSV), 0o644))

	assert.Eventually(t, func() bool {
		recs, err := s.ListFileRecords(10)
		return err == nil && len(recs) == 1 && recs[0].Status == types.FileFailed
	}, 5*time.Second, 25*time.Millisecond)

	recs, _ := s.ListFileRecords(10)
	assert.Contains(t, recs[0].Cause, "not a workbook")
}

func TestBinaryMasqueradingAsCSVFails(t *testing.T) {
	c, s, drop := testCollector(t)
	startCollector(t, c)
	time.Sleep(100 * time.Millisecond)

	payload := append([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, make([]byte, 64)...)
	require.NoError(t, os.WriteFile(filepath.Join(drop, "sneaky.csv"), payload, 0o644))

	assert.Eventually(t, func() bool {
		recs, err := s.ListFileRecords(10)
		if err != nil || len(recs) != 1 {
			return false
		}
		return recs[0].Status == types.FileFailed
	}, 5*time.Second, 25*time.Millisecond)

	recs, _ := s.ListFileRecords(10)
	assert.Contains(t, recs[0].Cause, "binary")
}

func TestInvoiceImageBecomesDocument(t *testing.T) {
	c, _, drop := testCollector(t)
	startCollector(t, c)
	time.Sleep(100 * time.Millisecond)

	jpeg := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, make([]byte, 32)...)
	require.NoError(t, os.WriteFile(filepath.Join(drop, "星巴克-45.50-20250610.jpg"), jpeg, 0o644))

	select {
	case doc := <-c.Documents():
		assert.Equal(t, types.SourceInvoice, doc.Source)
		assert.Equal(t, "星巴克", doc.Vendor)
		assert.True(t, doc.Amount.Equal(decimal.RequireFromString("45.50")))
		assert.NotEmpty(t, doc.GroupID)
		assert.NotEmpty(t, doc.TraceID)
	case <-time.After(5 * time.Second):
		t.Fatal("no document dispatched")
	}
}

func TestUnparsableImageMarkedFailed(t *testing.T) {
	c, s, drop := testCollector(t)
	startCollector(t, c)
	time.Sleep(100 * time.Millisecond)

	jpeg := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, make([]byte, 32)...)
	require.NoError(t, os.WriteFile(filepath.Join(drop, "IMG0001.jpg"), jpeg, 0o644))

	assert.Eventually(t, func() bool {
		recs, err := s.ListFileRecords(10)
		return err == nil && len(recs) == 1 && recs[0].Status == types.FileFailed
	}, 5*time.Second, 25*time.Millisecond)
}

func TestGrouperClustersByPrefixAndWindow(t *testing.T) {
	g := grouper{window: 60 * time.Second}
	base := time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC)

	a := g.assign("/drop/IMG_receipt_1.jpg", base)
	b := g.assign("/drop/IMG_receipt_2.jpg", base.Add(10*time.Second))
	assert.Equal(t, a, b, "same prefix within window share a group")

	c := g.assign("/drop/IMG_receipt_3.jpg", base.Add(5*time.Minute))
	assert.NotEqual(t, a, c, "outside the window starts a new group")

	d := g.assign("/drop/scan_0001.jpg", base.Add(5*time.Minute))
	assert.NotEqual(t, c, d, "different prefix starts a new group")
}

func TestProjectTagFromSubdirectory(t *testing.T) {
	c, _, drop := testCollector(t)
	assert.Empty(t, c.projectOf(filepath.Join(drop, "a.jpg")))
	assert.Equal(t, "apollo", c.projectOf(filepath.Join(drop, "apollo", "a.jpg")))
}

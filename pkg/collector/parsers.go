package collector

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tallyhq/tally/pkg/types"
)

// Row is one extracted statement line, normalized and currency-stripped.
type Row struct {
	Source       types.Source
	Counterparty string
	Amount       decimal.Decimal
	OccurredAt   int64 // zero when the export carried no usable timestamp
	Description  string
}

// StatementParser extracts rows from a recognized statement layout. Match
// sniffs a candidate header row; Row extracts one record, returning false
// for lines the parser skips (subtotals, summaries, blanks).
type StatementParser interface {
	Name() string
	Source() types.Source
	Match(header []string) bool
	Row(cols map[string]int, rec []string) (Row, bool)
}

// Registry holds statement parsers in priority order. The generic bank
// parser matches almost anything, so specific layouts register first.
type Registry struct {
	parsers []StatementParser
}

// NewRegistry returns a registry with the built-in parsers.
func NewRegistry() *Registry {
	return &Registry{parsers: []StatementParser{
		&alipayParser{},
		&wechatParser{},
		&bankParser{},
	}}
}

// Register appends a parser. Call before the collector starts; the
// registry is read-only afterwards.
func (reg *Registry) Register(p StatementParser) {
	reg.parsers = append(reg.parsers, p)
}

// Names lists registered parsers in dispatch order.
func (reg *Registry) Names() []string {
	names := make([]string, len(reg.parsers))
	for i, p := range reg.parsers {
		names[i] = p.Name()
	}
	return names
}

// errNoHeader means no parser recognized any candidate header row.
var errNoHeader = errors.New("no parser matched statement header")

// headerScanLimit bounds how deep into a file the header sniff looks.
// Alipay exports carry a preamble of a dozen lines before the table.
const headerScanLimit = 30

// ParseStatement streams a decoded statement and emits extracted rows. The
// header row is sniffed within the first headerScanLimit records; every
// following record goes through the matched parser. Returns the parser
// name and the number of rows emitted.
func (reg *Registry) ParseStatement(text string, emit func(Row) error) (string, int, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	return reg.parse(r.Read, emit)
}

// ParseRows runs the same sniff and extraction over pre-split records, as
// produced by a workbook sheet.
func (reg *Registry) ParseRows(rows [][]string, emit func(Row) error) (string, int, error) {
	i := 0
	next := func() ([]string, error) {
		if i >= len(rows) {
			return nil, io.EOF
		}
		rec := rows[i]
		i++
		return rec, nil
	}
	return reg.parse(next, emit)
}

func (reg *Registry) parse(next func() ([]string, error), emit func(Row) error) (string, int, error) {
	var (
		parser StatementParser
		cols   map[string]int
	)
	for i := 0; i < headerScanLimit && parser == nil; i++ {
		rec, err := next()
		if err == io.EOF {
			return "", 0, errNoHeader
		}
		if err != nil {
			continue
		}
		header := trimAll(rec)
		for _, p := range reg.parsers {
			if p.Match(header) {
				parser = p
				cols = indexColumns(header)
				break
			}
		}
	}
	if parser == nil {
		return "", 0, errNoHeader
	}

	emitted := 0
	for {
		rec, err := next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A malformed line skips; the rest of the statement survives.
			continue
		}
		row, ok := parser.Row(cols, trimAll(rec))
		if !ok {
			continue
		}
		row.Source = parser.Source()
		if err := emit(row); err != nil {
			return parser.Name(), emitted, err
		}
		emitted++
	}
	return parser.Name(), emitted, nil
}

func trimAll(rec []string) []string {
	out := make([]string, len(rec))
	for i, c := range rec {
		out[i] = strings.TrimSpace(strings.Trim(strings.TrimSpace(c), `"`))
	}
	return out
}

func indexColumns(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[name] = i
	}
	return cols
}

// cell returns the named column of a record, empty when absent.
func cell(cols map[string]int, rec []string, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return rec[i]
}

// firstCell returns the first present column among names.
func firstCell(cols map[string]int, rec []string, names ...string) string {
	for _, n := range names {
		if v := cell(cols, rec, n); v != "" {
			return v
		}
	}
	return ""
}

func parseRowTime(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t.UTC().UnixMilli()
		}
	}
	return 0
}

// alipayParser reads Alipay bill exports, recognized by the 业务流水号
// (serial) and 对方名称 (counterparty) columns. Expense lines (收/支 ==
// 支出) carry a positive amount, income lines a negative one, so refunds
// and transfers stay visible to reconciliation.
type alipayParser struct{}

func (p *alipayParser) Name() string { return "alipay" }
func (p *alipayParser) Source() types.Source { return types.SourceAlipay }

func (p *alipayParser) Match(header []string) bool {
	cols := indexColumns(header)
	_, hasSerial := cols["业务流水号"]
	_, hasParty := cols["对方名称"]
	return hasSerial && hasParty
}

func (p *alipayParser) Row(cols map[string]int, rec []string) (Row, bool) {
	direction := cell(cols, rec, "收/支")
	if direction != "支出" && direction != "收入" {
		return Row{}, false
	}
	amt, err := parseAmount(cell(cols, rec, "金额"))
	if err != nil || amt.IsZero() {
		return Row{}, false
	}
	amount := amt.Abs()
	if direction == "收入" {
		amount = amount.Neg()
	}
	party := cell(cols, rec, "对方名称")
	if party == "" {
		party = "Unknown"
	}
	return Row{
		Counterparty: party,
		Amount:       amount,
		OccurredAt:   parseRowTime(firstCell(cols, rec, "交易时间", "付款时间")),
		Description:  firstCell(cols, rec, "商品说明", "备注"),
	}, true
}

// wechatParser reads WeChat Pay bill exports, recognized by 交易单号,
// 当前状态 and 交易类型 together.
type wechatParser struct{}

func (p *wechatParser) Name() string { return "wechat" }
func (p *wechatParser) Source() types.Source { return types.SourceWechat }

func (p *wechatParser) Match(header []string) bool {
	cols := indexColumns(header)
	for _, required := range []string{"交易单号", "当前状态", "交易类型"} {
		if _, ok := cols[required]; !ok {
			return false
		}
	}
	return true
}

func (p *wechatParser) Row(cols map[string]int, rec []string) (Row, bool) {
	direction := cell(cols, rec, "收/支")
	if direction != "支出" && direction != "收入" {
		return Row{}, false
	}
	amt, err := parseAmount(firstCell(cols, rec, "金额(元)", "金额"))
	if err != nil || amt.IsZero() {
		return Row{}, false
	}
	amount := amt.Abs()
	if direction == "收入" {
		amount = amount.Neg()
	}
	party := cell(cols, rec, "交易对方")
	if party == "" {
		party = "Unknown"
	}
	return Row{
		Counterparty: party,
		Amount:       amount,
		OccurredAt:   parseRowTime(cell(cols, rec, "交易时间")),
		Description:  firstCell(cols, rec, "商品", "备注"),
	}, true
}

// bankParser is the fallback for generic bank CSV exports. It matches any
// header carrying a recognizable counterparty and amount column and keeps
// every non-zero line regardless of direction (bank exports encode
// direction in the sign).
type bankParser struct{}

func (p *bankParser) Name() string { return "bank" }
func (p *bankParser) Source() types.Source { return types.SourceBank }

var (
	bankVendorCols = []string{"对方户名", "对方名称", "户名", "counterparty", "payee"}
	bankAmountCols = []string{"金额", "交易金额", "发生额", "amount"}
	bankTimeCols   = []string{"交易日期", "交易时间", "日期", "date"}
)

func (p *bankParser) Match(header []string) bool {
	cols := indexColumns(header)
	vendor, amount := false, false
	for _, n := range bankVendorCols {
		if _, ok := cols[n]; ok {
			vendor = true
			break
		}
	}
	for _, n := range bankAmountCols {
		if _, ok := cols[n]; ok {
			amount = true
			break
		}
	}
	return vendor && amount
}

func (p *bankParser) Row(cols map[string]int, rec []string) (Row, bool) {
	amt, err := parseAmount(firstCell(cols, rec, bankAmountCols...))
	if err != nil || amt.IsZero() {
		return Row{}, false
	}
	party := firstCell(cols, rec, bankVendorCols...)
	if party == "" {
		party = "未知商户"
	}
	return Row{
		Counterparty: party,
		Amount:       amt.Abs(),
		OccurredAt:   parseRowTime(firstCell(cols, rec, bankTimeCols...)),
		Description:  firstCell(cols, rec, "摘要", "备注", "用途"),
	}, true
}

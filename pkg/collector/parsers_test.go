package collector

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"github.com/tallyhq/tally/pkg/types"
)

const alipayCSV = `支付宝交易记录明细查询
账号:[some@account.com]
起始日期:[2025-06-01 00:00:00]
---------------------------------交易记录明细列表------------------------------------
业务流水号,交易时间,对方名称,商品说明,收/支,金额,交易状态
20250601001,2025-06-01 12:30:45,星巴克咖啡(北京)有限公司,拿铁,支出,"45.50",交易成功
20250601002,2025-06-01 13:10:00,工资发放,六月工资,收入,"12000.00",交易成功
20250602003,2025-06-02 08:15:30,滴滴出行,快车,支出,¥23.00,交易成功
`

const wechatCSV = `交易单号,交易时间,交易类型,交易对方,商品,收/支,金额(元),当前状态
WX001,2025-06-03 19:22:10,商户消费,美团外卖,晚餐,支出,"¥58.00",支付成功
WX002,2025-06-04 09:00:00,转账,张三,还款,收入,"100.00",已收钱
WX003,2025-06-04 12:05:00,商户消费,中石化加油站,汽油,支出,"300.00",支付成功
`

const bankCSV = `交易日期,对方户名,金额,摘要
2025-06-05,北京朝阳文具有限公司,1250.00,办公用品采购
2025-06-06,,0.00,利息结转
2025-06-07,顺丰速运,-86.50,快递费
`

func collectRows(t *testing.T, text string) []Row {
	t.Helper()
	var rows []Row
	_, _, err := NewRegistry().ParseStatement(text, func(r Row) error {
		rows = append(rows, r)
		return nil
	})
	require.NoError(t, err)
	return rows
}

func TestParseAlipayStatement(t *testing.T) {
	name, total, err := NewRegistry().ParseStatement(alipayCSV, func(Row) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "alipay", name)
	assert.Equal(t, 3, total)

	rows := collectRows(t, alipayCSV)
	require.Len(t, rows, 3)
	assert.Equal(t, types.SourceAlipay, rows[0].Source)
	assert.Equal(t, "星巴克咖啡(北京)有限公司", rows[0].Counterparty)
	assert.True(t, rows[0].Amount.Equal(decimal.RequireFromString("45.50")))
	assert.NotZero(t, rows[0].OccurredAt)
	assert.Equal(t, "拿铁", rows[0].Description)

	// Income lines come through direction-signed, not dropped.
	assert.Equal(t, "工资发放", rows[1].Counterparty)
	assert.True(t, rows[1].Amount.Equal(decimal.RequireFromString("-12000.00")))

	// Currency glyph stripped.
	assert.True(t, rows[2].Amount.Equal(decimal.RequireFromString("23.00")))
}

func TestParseWechatStatement(t *testing.T) {
	rows := collectRows(t, wechatCSV)
	require.Len(t, rows, 3)
	assert.Equal(t, types.SourceWechat, rows[0].Source)
	assert.Equal(t, "美团外卖", rows[0].Counterparty)
	assert.True(t, rows[0].Amount.Equal(decimal.RequireFromString("58.00")))
	assert.True(t, rows[1].Amount.Equal(decimal.RequireFromString("-100.00")), "incoming transfer keeps its direction")
	assert.Equal(t, "中石化加油站", rows[2].Counterparty)
}

func TestParseBankStatement(t *testing.T) {
	rows := collectRows(t, bankCSV)
	require.Len(t, rows, 2, "zero-amount lines are dropped")
	assert.Equal(t, types.SourceBank, rows[0].Source)
	assert.Equal(t, "北京朝阳文具有限公司", rows[0].Counterparty)

	// Direction comes from the sign; rows normalize to absolute values.
	assert.True(t, rows[1].Amount.Equal(decimal.RequireFromString("86.50")))
	assert.Equal(t, "顺丰速运", rows[1].Counterparty)
}

func TestParseStatementNoHeader(t *testing.T) {
	_, _, err := NewRegistry().ParseStatement("just,some,random\nnoise,1,2\n", func(Row) error { return nil })
	assert.ErrorIs(t, err, errNoHeader)
}

func TestParseAmount(t *testing.T) {
	cases := map[string]string{
		"45.50":      "45.5",
		"¥23.00":     "23",
		"￥1,234.56":  "1234.56",
		"1 000.99":   "1000.99",
		"-86.50":     "-86.5",
		"１２３":        "", // full-width digits are not normalized
		"":           "",
		"12,345,678": "12345678",
	}
	for in, want := range cases {
		d, err := parseAmount(in)
		if want == "" {
			assert.Error(t, err, "input %q", in)
			continue
		}
		require.NoError(t, err, "input %q", in)
		assert.True(t, d.Equal(decimal.RequireFromString(want)), "input %q got %s", in, d)
	}
}

func TestDecodeTextGBK(t *testing.T) {
	original := "对方名称,金额\n星巴克,45.50\n"
	gbk, _, err := transform.String(simplifiedchinese.GBK.NewEncoder(), original)
	require.NoError(t, err)

	decoded, encName, err := decodeText([]byte(gbk))
	require.NoError(t, err)
	assert.Equal(t, "gbk", encName)
	assert.Equal(t, original, decoded)
}

func TestDecodeTextBOM(t *testing.T) {
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte("a,b\n1,2\n")...)
	decoded, encName, err := decodeText(data)
	require.NoError(t, err)
	assert.Equal(t, "utf-8-bom", encName)
	assert.Equal(t, "a,b\n1,2\n", decoded)
}

func TestDecodeTextUTF8(t *testing.T) {
	decoded, encName, err := decodeText([]byte("金额,备注\n"))
	require.NoError(t, err)
	assert.Equal(t, "utf-8", encName)
	assert.Contains(t, decoded, "金额")
}

func TestPatternConnector(t *testing.T) {
	conn := NewPatternConnector()

	ex, err := conn.Extract(context.Background(), "/drop/星巴克-45.50-20250610.jpg", nil)
	require.NoError(t, err)
	assert.Equal(t, "星巴克", ex.Vendor)
	assert.True(t, ex.Amount.Equal(decimal.RequireFromString("45.50")))
	assert.NotZero(t, ex.OccurredAt)

	_, err = conn.Extract(context.Background(), "/drop/IMG_20250610.jpg", nil)
	assert.ErrorIs(t, err, ErrNoFields)

	_, err = conn.Extract(context.Background(), "/drop/receipt.jpg", nil)
	assert.ErrorIs(t, err, ErrNoFields)
}

func TestMagicMismatch(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', 0, 0}
	assert.Empty(t, magicMismatch(".png", png))
	assert.NotEmpty(t, magicMismatch(".csv", png))
	assert.NotEmpty(t, magicMismatch(".png", []byte("vendor,amount\n")))
	assert.Empty(t, magicMismatch(".csv", []byte("vendor,amount\n")))
	assert.NotEmpty(t, magicMismatch(".pdf", []byte("not a pdf")))
	assert.Empty(t, magicMismatch(".pdf", []byte("%PDF-1.7")))
}

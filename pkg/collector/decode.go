package collector

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decodeText converts raw statement bytes to UTF-8. Detection order: UTF-8
// BOM, plain UTF-8, GBK, GB18030, Latin-1. GBK is accepted only when the
// decode produces no replacement runes; Latin-1 never fails and is the
// terminal fallback.
func decodeText(data []byte) (string, string, error) {
	if bytes.HasPrefix(data, utf8BOM) {
		return string(bytes.TrimPrefix(data, utf8BOM)), "utf-8-bom", nil
	}
	if utf8.Valid(data) {
		return string(data), "utf-8", nil
	}
	for _, c := range []struct {
		name string
		enc  encoding.Encoding
	}{
		{"gbk", simplifiedchinese.GBK},
		{"gb18030", simplifiedchinese.GB18030},
	} {
		out, _, err := transform.Bytes(c.enc.NewDecoder(), data)
		if err == nil && !bytes.ContainsRune(out, utf8.RuneError) {
			return string(out), c.name, nil
		}
	}
	out, _, err := transform.Bytes(charmap.ISO8859_1.NewDecoder(), data)
	if err != nil {
		return "", "", fmt.Errorf("decode: %w", err)
	}
	return string(out), "latin-1", nil
}

// amountReplacer strips currency glyphs and separators before decimal
// parsing. Full-width variants appear in exported statements.
var amountReplacer = strings.NewReplacer(
	"¥", "", "￥", "", "$", "",
	",", "", "，", "",
	" ", "", " ", "",
)

// parseAmount normalizes a statement amount cell into a fixed-point
// decimal. An empty or dash cell is reported as zero with an error.
func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(amountReplacer.Replace(s))
	if s == "" || s == "-" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("amount %q: %w", s, err)
	}
	return d, nil
}

// statement timestamp layouts seen across alipay, wechat and bank exports.
var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006/1/2 15:04:05",
	"2006/1/2 15:04",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/1/2",
	"20060102",
}

package privacy

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeMasksByCategory(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		cats []Category
	}{
		{
			name: "phone",
			in:   "联系电话 13812345678 请回电",
			want: "联系电话 [PHONE] 请回电",
			cats: []Category{CategoryPhone},
		},
		{
			name: "national id",
			in:   "id 110101199003071234 on file",
			want: "id [ID] on file",
			cats: []Category{CategoryNationalID},
		},
		{
			name: "national id with X checksum",
			in:   "11010119900307123X",
			want: "[ID]",
			cats: []Category{CategoryNationalID},
		},
		{
			name: "bank card",
			in:   "refund to 6222021234567890123",
			want: "refund to [CARD]",
			cats: []Category{CategoryBankCard},
		},
		{
			name: "email",
			in:   "billing contact ops@example.com",
			want: "billing contact [EMAIL]",
			cats: []Category{CategoryEmail},
		},
		{
			name: "clean text untouched",
			in:   "星巴克咖啡 64.00 元",
			want: "星巴克咖啡 64.00 元",
			cats: nil,
		},
		{
			name: "mixed payload, categories deduplicated",
			in:   "13812345678 and 13987654321 mail a@b.cn",
			want: "[PHONE] and [PHONE] mail [EMAIL]",
			cats: []Category{CategoryPhone, CategoryEmail},
		},
	}

	g := NewGuard()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, cats := g.Sanitize(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.cats, cats)
		})
	}
}

func TestNationalIDWinsOverShorterPatterns(t *testing.T) {
	// An 18-digit id must not be chewed up by the 16-19 digit card pattern
	// leaving a recognizable stub behind.
	g := NewGuard()
	got, cats := g.Sanitize("110101199003071234")
	assert.Equal(t, "[ID]", got)
	assert.Equal(t, []Category{CategoryNationalID}, cats)
}

func TestInternalRoleKeepsLastFour(t *testing.T) {
	g := NewGuard(WithRole(RoleInternal))

	got, _ := g.Sanitize("card 6222021234567890123")
	assert.Equal(t, "card [CARD:0123]", got)

	got, _ = g.Sanitize("call 13812345678")
	assert.Equal(t, "call [PHONE:5678]", got)

	// Email stubs would leak the domain owner; internal masks them fully.
	got, _ = g.Sanitize("mail ops@example.com")
	assert.Equal(t, "mail [EMAIL]", got)
}

func TestContextKeywordEscalatesDigitRuns(t *testing.T) {
	g := NewGuard()

	// A six-digit run next to a credential keyword is masked even though
	// no identifier pattern recognizes it.
	got, cats := g.Sanitize("银行卡密码 933012 请妥善保管")
	assert.Equal(t, "银行卡密码 [DIGITS] 请妥善保管", got)
	assert.Contains(t, cats, CategoryKeyword)

	// The same run with no keyword nearby stays put.
	got, cats = g.Sanitize("订单号 933012")
	assert.Equal(t, "订单号 933012", got)
	assert.NotContains(t, cats, CategoryKeyword)
}

func TestWithKeywordsExtendsEscalation(t *testing.T) {
	g := NewGuard(WithKeywords("工号"))
	got, _ := g.Sanitize("工号 884213 离职")
	assert.Equal(t, "工号 [DIGITS] 离职", got)
}

func TestWithPatternMasksDeploymentSecrets(t *testing.T) {
	g := NewGuard(WithPattern(regexp.MustCompile(`tok_[a-z0-9]+`)))
	got, cats := g.Sanitize("header tok_8f3a2bc1 attached")
	assert.Equal(t, "header [REDACTED] attached", got)
	assert.Equal(t, []Category{CategoryKeyword}, cats)
}

func TestClean(t *testing.T) {
	g := NewGuard(WithPattern(regexp.MustCompile(`tok_[a-z0-9]+`)))

	assert.True(t, g.Clean("星巴克咖啡 64.00"))
	assert.False(t, g.Clean("13812345678"))
	assert.False(t, g.Clean("tok_deadbeef"))

	// Sanitize output always passes the final verification.
	dirty := "账号 6222021234567890123 电话 13812345678 ops@example.com"
	clean, _ := g.Sanitize(dirty)
	assert.True(t, g.Clean(clean))
}

func TestRedactMatchesSanitize(t *testing.T) {
	g := NewGuard()
	in := "trace for 13812345678"
	want, _ := g.Sanitize(in)
	assert.Equal(t, want, g.Redact(in))
}

package privacy

import (
	"regexp"
	"strings"
)

// Category names a class of sensitive data found in a payload. Redactions
// are reported by category only; raw values never leave the guard.
type Category string

const (
	CategoryPhone      Category = "phone"
	CategoryNationalID Category = "national_id"
	CategoryBankCard   Category = "bank_card"
	CategoryEmail      Category = "email"
	CategoryKeyword    Category = "keyword_context"
)

// Role selects a masking profile. Internal consumers keep a last-4 stub for
// operability; anything leaving the process is masked fully.
type Role string

const (
	RoleInternal Role = "internal"
	RoleExternal Role = "external"
)

// pattern order matters: longer identifiers first so an 18-digit national id
// is not partially consumed by the phone pattern.
var patterns = []struct {
	category Category
	re       *regexp.Regexp
	token    string
}{
	{CategoryNationalID, regexp.MustCompile(`\b\d{17}[\dXx]\b`), "[ID]"},
	{CategoryBankCard, regexp.MustCompile(`\b\d{16,19}\b`), "[CARD]"},
	{CategoryPhone, regexp.MustCompile(`\b1[3-9]\d{9}\b`), "[PHONE]"},
	{CategoryEmail, regexp.MustCompile(`\b[\w.+-]+@[\w-]+\.[\w.]+\b`), "[EMAIL]"},
}

// contextKeywords escalate masking: a payload mentioning credentials or
// identity documents gets every long digit run masked, not just the
// recognized formats.
var contextKeywords = []string{
	"账号", "身份证", "密码", "银行卡", "卡号",
	"password", "passwd", "account no", "secret",
}

var digitRun = regexp.MustCompile(`\d{6,}`)

// Guard is the sanitization engine. Construct once and share; it is
// stateless after construction and safe for concurrent use.
type Guard struct {
	role     Role
	extra    []*regexp.Regexp
	keywords []string
}

// Option configures a Guard.
type Option func(*Guard)

// WithRole selects the masking profile. Default is RoleExternal, the
// strictest profile.
func WithRole(role Role) Option {
	return func(g *Guard) { g.role = role }
}

// WithPattern adds a deployment-specific pattern masked under
// CategoryKeyword.
func WithPattern(re *regexp.Regexp) Option {
	return func(g *Guard) { g.extra = append(g.extra, re) }
}

// WithKeywords extends the context-escalation keyword list.
func WithKeywords(words ...string) Option {
	return func(g *Guard) { g.keywords = append(g.keywords, words...) }
}

// NewGuard creates a sanitization guard.
func NewGuard(opts ...Option) *Guard {
	g := &Guard{
		role:     RoleExternal,
		keywords: contextKeywords,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Sanitize masks every sensitive pattern in s and reports the categories
// that fired, deduplicated, in pattern order.
func (g *Guard) Sanitize(s string) (string, []Category) {
	var hits []Category
	seen := make(map[Category]bool)
	record := func(c Category) {
		if !seen[c] {
			seen[c] = true
			hits = append(hits, c)
		}
	}

	for _, p := range patterns {
		s = p.re.ReplaceAllStringFunc(s, func(m string) string {
			record(p.category)
			return g.mask(m, p.token)
		})
	}

	for _, re := range g.extra {
		s = re.ReplaceAllStringFunc(s, func(m string) string {
			record(CategoryKeyword)
			return "[REDACTED]"
		})
	}

	if g.hasContextKeyword(s) {
		masked := digitRun.ReplaceAllStringFunc(s, func(m string) string {
			record(CategoryKeyword)
			return "[DIGITS]"
		})
		s = masked
	}

	return s, hits
}

// Redact is Sanitize without the category report. It satisfies the log
// package's Redactor so log lines get the same treatment as egress payloads.
func (g *Guard) Redact(s string) string {
	clean, _ := g.Sanitize(s)
	return clean
}

// Clean reports whether s contains no recognizable sensitive pattern. Used
// by tests and by the egress proxy's final verification pass.
func (g *Guard) Clean(s string) bool {
	for _, p := range patterns {
		if p.re.MatchString(s) {
			return false
		}
	}
	for _, re := range g.extra {
		if re.MatchString(s) {
			return false
		}
	}
	return true
}

func (g *Guard) mask(match, token string) string {
	if g.role == RoleInternal && len(match) > 4 && !strings.Contains(match, "@") {
		return token[:len(token)-1] + ":" + match[len(match)-4:] + "]"
	}
	return token
}

func (g *Guard) hasContextKeyword(s string) bool {
	lower := strings.ToLower(s)
	for _, kw := range g.keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

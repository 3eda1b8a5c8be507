package budget

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tallyhq/tally/pkg/metrics"
)

// ErrExhausted is returned by Allow once the daily or monthly token
// allowance is spent. External reasoning must stop until the period rolls.
var ErrExhausted = errors.New("token budget exhausted")

// ExhaustedError carries which window tripped. First is true only on the
// call that crossed the limit, so callers can alert exactly once per period.
type ExhaustedError struct {
	Scope string // "daily" or "monthly"
	Limit int64
	Spent int64
	First bool
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s token budget exhausted: %d of %d spent", e.Scope, e.Spent, e.Limit)
}

func (e *ExhaustedError) Unwrap() error { return ErrExhausted }

// Usage is a point-in-time view of the budget for status reporting.
type Usage struct {
	Day          string
	Month        string
	SpentDay     int64
	SpentMonth   int64
	DailyLimit   int64
	MonthlyLimit int64
}

// Manager enforces daily and monthly token allowances for external
// inference. Counters reset lazily at period boundaries; a limit of zero
// means that window is unmetered.
type Manager struct {
	mu           sync.Mutex
	dailyLimit   int64
	monthlyLimit int64

	day        string
	month      string
	spentDay   int64
	spentMonth int64

	trippedDay   bool
	trippedMonth bool

	now func() time.Time
}

// New returns a Manager with the given limits. Zero disables a window.
func New(daily, monthly int64) *Manager {
	m := &Manager{
		dailyLimit:   daily,
		monthlyLimit: monthly,
		now:          time.Now,
	}
	t := m.now().UTC()
	m.day = t.Format("2006-01-02")
	m.month = t.Format("2006-01")
	return m
}

// Allow reports whether an estimated spend fits the remaining allowance.
// The estimate is not reserved; Record charges the actual spend afterwards.
func (m *Manager) Allow(estimate int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roll()

	if m.dailyLimit > 0 && m.spentDay+estimate > m.dailyLimit {
		first := !m.trippedDay
		m.trippedDay = true
		return &ExhaustedError{Scope: "daily", Limit: m.dailyLimit, Spent: m.spentDay, First: first}
	}
	if m.monthlyLimit > 0 && m.spentMonth+estimate > m.monthlyLimit {
		first := !m.trippedMonth
		m.trippedMonth = true
		return &ExhaustedError{Scope: "monthly", Limit: m.monthlyLimit, Spent: m.spentMonth, First: first}
	}
	return nil
}

// Record charges actual token spend against both windows.
func (m *Manager) Record(tokens int64) {
	if tokens <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roll()

	m.spentDay += tokens
	m.spentMonth += tokens
	metrics.TokensSpentTotal.Add(float64(tokens))
}

// Exhausted reports whether either window is currently spent out.
func (m *Manager) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roll()

	if m.dailyLimit > 0 && m.spentDay >= m.dailyLimit {
		return true
	}
	if m.monthlyLimit > 0 && m.spentMonth >= m.monthlyLimit {
		return true
	}
	return false
}

// Remaining returns the unspent allowance per window. Unmetered windows
// report -1.
func (m *Manager) Remaining() (day, month int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roll()

	day, month = -1, -1
	if m.dailyLimit > 0 {
		day = m.dailyLimit - m.spentDay
		if day < 0 {
			day = 0
		}
	}
	if m.monthlyLimit > 0 {
		month = m.monthlyLimit - m.spentMonth
		if month < 0 {
			month = 0
		}
	}
	return day, month
}

// Snapshot returns the current usage view.
func (m *Manager) Snapshot() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roll()

	return Usage{
		Day:          m.day,
		Month:        m.month,
		SpentDay:     m.spentDay,
		SpentMonth:   m.spentMonth,
		DailyLimit:   m.dailyLimit,
		MonthlyLimit: m.monthlyLimit,
	}
}

// roll resets counters whose period boundary has passed. Callers hold mu.
func (m *Manager) roll() {
	t := m.now().UTC()
	if day := t.Format("2006-01-02"); day != m.day {
		m.day = day
		m.spentDay = 0
		m.trippedDay = false
	}
	if month := t.Format("2006-01"); month != m.month {
		m.month = month
		m.spentMonth = 0
		m.trippedMonth = false
	}
}

package reports

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tallyhq/tally/pkg/log"
	"github.com/tallyhq/tally/pkg/types"
)

// Forecast statuses, ordered by severity.
const (
	ForecastHealthy  = "HEALTHY"
	ForecastWarning  = "WARNING"
	ForecastCritical = "CRITICAL"
)

const (
	// lookbackDays is the trailing window the spend rate averages over.
	lookbackDays = 30

	// horizonDays is how far ahead the balance projection runs.
	horizonDays = 30

	// quarterEndFactor inflates the projected spend in quarter-end months,
	// when settlements and bonuses cluster.
	quarterEndFactor = 1.3
)

var (
	// minDailySpend floors the average so a sparse ledger still produces
	// a finite burnout estimate.
	minDailySpend = decimal.NewFromInt(100)

	criticalBalance = decimal.NewFromInt(10000)
	warningBalance  = decimal.NewFromInt(30000)
)

// Forecast is the cash-flow projection: current balance carried forward
// against the trailing spend rate, with the runway until the cash runs out.
type Forecast struct {
	Balance           decimal.Decimal `json:"balance"`
	AvgDailySpend     decimal.Decimal `json:"avg_daily_spend"`
	FixedMonthly      decimal.Decimal `json:"fixed_monthly"`
	SeasonalityFactor float64         `json:"seasonality_factor"`
	PredictedBalance  decimal.Decimal `json:"predicted_balance_30d"`
	DaysUntilBurnout  float64         `json:"days_until_burnout"`
	Status            string          `json:"status"`
	Alarm             bool            `json:"alarm"`
	Insight           string          `json:"insight"`
	GeneratedAt       int64           `json:"generated_at"`
}

// LedgerSource is the slice of the store the predictor reads.
type LedgerSource interface {
	ListEntriesByState(state types.EntryState) ([]*types.LedgerEntry, error)
}

// Predictor projects the cash position from the posted ledger.
type Predictor struct {
	store  LedgerSource
	logger zerolog.Logger
	now    func() time.Time
}

// NewPredictor builds a Predictor over the ledger.
func NewPredictor(store LedgerSource) *Predictor {
	return &Predictor{
		store:  store,
		logger: log.WithComponent("forecast"),
		now:    time.Now,
	}
}

// Predict projects the balance horizonDays ahead. Fixed monthly costs
// (rent, payroll) ride on top of the observed spend rate; quarter-end
// months carry the seasonal surcharge.
func (p *Predictor) Predict(balance, fixedMonthly decimal.Decimal) (*Forecast, error) {
	avgDaily, err := p.avgDailySpend()
	if err != nil {
		return nil, err
	}
	if avgDaily.LessThan(minDailySpend) {
		avgDaily = minDailySpend
	}

	now := p.now()
	season := 1.0
	switch now.Month() {
	case time.March, time.June, time.September, time.December:
		season = quarterEndFactor
	}
	seasonDec := decimal.NewFromFloat(season)

	projected := avgDaily.
		Mul(decimal.NewFromInt(horizonDays)).
		Mul(seasonDec).
		Add(fixedMonthly)
	predicted := balance.Sub(projected)

	// The +1 keeps the runway finite when the spend rate is tiny.
	dailyBurn, _ := avgDaily.Mul(seasonDec).Add(decimal.NewFromInt(1)).Float64()
	bal, _ := balance.Float64()
	burnout := bal / dailyBurn
	if burnout < 0 {
		burnout = 0
	}

	status, alarm := ForecastHealthy, false
	switch {
	case predicted.LessThan(criticalBalance) || burnout < 7:
		status, alarm = ForecastCritical, true
	case predicted.LessThan(warningBalance):
		status = ForecastWarning
	}

	fc := &Forecast{
		Balance:           balance,
		AvgDailySpend:     avgDaily.Round(2),
		FixedMonthly:      fixedMonthly,
		SeasonalityFactor: season,
		PredictedBalance:  predicted.Round(2),
		DaysUntilBurnout:  float64(int(burnout*10)) / 10,
		Status:            status,
		Alarm:             alarm,
		GeneratedAt:       now.UTC().UnixMilli(),
	}
	fc.Insight = insight(fc)

	if alarm {
		p.logger.Error().
			Float64("days_until_burnout", fc.DaysUntilBurnout).
			Str("predicted_balance", fc.PredictedBalance.StringFixed(2)).
			Msg("cash-flow burnout point approaching")
	} else {
		p.logger.Info().
			Str("status", status).
			Str("predicted_balance", fc.PredictedBalance.StringFixed(2)).
			Msg("cash-flow forecast computed")
	}
	return fc, nil
}

// avgDailySpend averages positive posted amounts over the trailing window.
// RISK entries count: the money left regardless of the audit verdict.
func (p *Predictor) avgDailySpend() (decimal.Decimal, error) {
	cutoff := p.now().AddDate(0, 0, -lookbackDays).UnixMilli()
	total := decimal.Zero
	for _, state := range []types.EntryState{types.EntryPosted, types.EntryRisk} {
		entries, err := p.store.ListEntriesByState(state)
		if err != nil {
			return decimal.Zero, err
		}
		for _, e := range entries {
			if e.OccurredAt >= cutoff && e.Amount.IsPositive() {
				total = total.Add(e.Amount)
			}
		}
	}
	return total.Div(decimal.NewFromInt(lookbackDays)), nil
}

func insight(fc *Forecast) string {
	switch fc.Status {
	case ForecastCritical:
		return "Cash burnout point is imminent. Freeze non-essential spending and chase outstanding receivables now."
	case ForecastWarning:
		return "Projected balance falls to " + fc.PredictedBalance.StringFixed(2) +
			" within 30 days. Review upcoming commitments and trim discretionary spend."
	default:
		return "Cash position is comfortable. Consider parking idle funds short-term or prepaying suppliers for discounts."
	}
}

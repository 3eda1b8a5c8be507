package auditor

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tallyhq/tally/pkg/types"
)

// Voting strategies.
const (
	StrategyStrict   = "STRICT"   // all judges must pass
	StrategyBalanced = "BALANCED" // two of three
	StrategyGrowth   = "GROWTH"   // one vote is enough
)

// judge is one consensus persona. Each judge sees the whole input and
// returns an independent vote; a critical vote overrides the tally.
type judge interface {
	name() string
	evaluate(in Input) types.JudgeVote
}

// complianceJudge guards procedural rules: prohibited spend patterns and
// large amounts lacking rule backing.
type complianceJudge struct {
	tierT1 decimal.Decimal
}

// prohibitedTerms are flat-out no categories regardless of amount.
var prohibitedTerms = []string{"赠送", "回扣"}

func (j complianceJudge) name() string { return "compliance" }

func (j complianceJudge) evaluate(in Input) types.JudgeVote {
	text := in.Doc.Vendor + " " + in.Doc.Description
	for _, term := range prohibitedTerms {
		if strings.Contains(text, term) {
			return types.JudgeVote{
				Judge: j.name(), Passed: false, Critical: true,
				Reason: fmt.Sprintf("prohibited spend pattern %q", term),
			}
		}
	}
	// Above five tiers the books need a contract trail, not just a rule.
	if in.Doc.Amount.GreaterThan(j.tierT1.Mul(decimal.NewFromInt(5))) && in.Proposal.MatchedRule == "" {
		return types.JudgeVote{
			Judge: j.name(), Passed: false,
			Reason: "large amount without an established rule requires contract evidence",
		}
	}
	return types.JudgeVote{Judge: j.name(), Passed: true}
}

// financeJudge escalates scrutiny by amount tier: lenient up to T1, strict
// up to 10xT1, extreme above.
type financeJudge struct {
	tierT1 decimal.Decimal
}

func (j financeJudge) name() string { return "finance" }

func (j financeJudge) evaluate(in Input) types.JudgeVote {
	amount := in.Doc.Amount
	switch {
	case amount.LessThanOrEqual(j.tierT1):
		return types.JudgeVote{Judge: j.name(), Passed: true}
	case amount.LessThanOrEqual(j.tierT1.Mul(decimal.NewFromInt(10))):
		if in.Proposal.Confidence >= 0.8 {
			return types.JudgeVote{Judge: j.name(), Passed: true}
		}
		return types.JudgeVote{
			Judge: j.name(), Passed: false,
			Reason: fmt.Sprintf("mid-tier amount with low classification confidence %.2f", in.Proposal.Confidence),
		}
	default:
		return types.JudgeVote{
			Judge: j.name(), Passed: false, Critical: true,
			Reason: fmt.Sprintf("amount %s exceeds the extreme tier", amount.StringFixed(2)),
		}
	}
}

// taxJudge checks vendor-versus-category plausibility: spend that cannot
// survive an invoice inspection fails here.
type taxJudge struct{}

// suspiciousPairs maps a vendor keyword to an account-code prefix it has no
// business landing on: catering posted as office supplies, fuel as taxi
// fare, entertainment as R&D, labor services as fixed assets.
var suspiciousPairs = map[string]string{
	"餐饮": "6602-01",
	"加油": "6602-03",
	"娱乐": "5301",
	"劳务": "1601",
}

// individualPaymentCeiling: payments to individuals above this need
// withholding paperwork.
var individualPaymentCeiling = decimal.NewFromInt(500)

func (j taxJudge) name() string { return "tax" }

func (j taxJudge) evaluate(in Input) types.JudgeVote {
	vendor := in.Doc.Vendor
	category := in.Proposal.Category
	for keyword, prefix := range suspiciousPairs {
		if strings.Contains(vendor, keyword) && strings.HasPrefix(category, prefix) {
			return types.JudgeVote{
				Judge: j.name(), Passed: false, Critical: true,
				Reason: fmt.Sprintf("vendor resembling %q cannot post to %s", keyword, prefix),
			}
		}
	}
	if strings.Contains(vendor, "个人") && in.Doc.Amount.GreaterThan(individualPaymentCeiling) {
		return types.JudgeVote{
			Judge: j.name(), Passed: false,
			Reason: "individual payment above the withholding threshold",
		}
	}
	return types.JudgeVote{Judge: j.name(), Passed: true}
}

// tally applies the voting strategy. A critical vote rejects outright no
// matter how the others fell.
func tally(strategy string, votes []types.JudgeVote) (passed bool, critical bool) {
	passCount := 0
	for _, v := range votes {
		if v.Critical {
			return false, true
		}
		if v.Passed {
			passCount++
		}
	}
	switch strategy {
	case StrategyStrict:
		return passCount == len(votes), false
	case StrategyGrowth:
		return passCount >= 1, false
	default: // BALANCED
		return passCount*2 >= len(votes), false
	}
}

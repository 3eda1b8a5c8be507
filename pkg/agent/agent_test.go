package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallyhq/tally/pkg/budget"
	"github.com/tallyhq/tally/pkg/config"
	"github.com/tallyhq/tally/pkg/egress"
	"github.com/tallyhq/tally/pkg/events"
	"github.com/tallyhq/tally/pkg/knowledge"
	"github.com/tallyhq/tally/pkg/storage"
	"github.com/tallyhq/tally/pkg/types"
)

// fakeUpstream scripts the reasoning endpoint. Main-endpoint replies are
// consumed in order; the last one repeats. Tool calls always answer with
// toolResult.
type fakeUpstream struct {
	mu         sync.Mutex
	replies    []string
	toolResult string
	fail       int // initial 500s before any scripted reply

	mainBodies []string
	toolPaths  []string
}

func decisionJSON(category string, confidence float64, tokens int64) string {
	return fmt.Sprintf(`{"decision":{"category":%q,"confidence":%v,"reason":"looked it up"},"usage":{"total_tokens":%d}}`,
		category, confidence, tokens)
}

func actionJSON(tool, input string) string {
	return fmt.Sprintf(`{"action":{"tool":%q,"input":%q},"usage":{"total_tokens":5}}`, tool, input)
}

func (f *fakeUpstream) Do(req *http.Request) (*http.Response, error) {
	body, _ := io.ReadAll(req.Body)
	f.mu.Lock()
	defer f.mu.Unlock()

	if strings.Contains(req.URL.Path, "/tools/") {
		f.toolPaths = append(f.toolPaths, req.URL.Path)
		return jsonResponse(http.StatusOK, fmt.Sprintf(`{"result":%q}`, f.toolResult)), nil
	}

	f.mainBodies = append(f.mainBodies, string(body))
	if f.fail > 0 {
		f.fail--
		return jsonResponse(http.StatusInternalServerError, `{"error":"upstream down"}`), nil
	}
	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return jsonResponse(http.StatusOK, reply), nil
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func (f *fakeUpstream) mainCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.mainBodies)
}

type testRig struct {
	agent  *Agent
	bridge *knowledge.Bridge
	budget *budget.Manager
	up     *fakeUpstream
}

func newTestRig(t *testing.T, tweak func(*config.AccountingConfig)) *testRig {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir(), storage.Options{NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	bridge, err := knowledge.New(s)
	require.NoError(t, err)

	cfg := config.DefaultConfig().Accounting
	cfg.L2.Endpoint = "https://llm.test/classify"
	if tweak != nil {
		tweak(&cfg)
	}

	up := &fakeUpstream{replies: []string{decisionJSON("6601-01", 0.93, 42)}}
	bm := budget.New(0, 0)
	proxy := egress.New(config.EgressConfig{
		Allowlist:       []string{"llm.test"},
		MaxRetries:      0,
		BackoffBaseMs:   1,
		RequestTimeoutS: 5,
	}, nil, bm, up)

	a, err := New(cfg, bridge, proxy, bm, nil)
	require.NoError(t, err)
	return &testRig{agent: a, bridge: bridge, budget: bm, up: up}
}

func doc(vendor, desc string, amount string) types.DocumentRecord {
	return types.DocumentRecord{
		TraceID:     types.NewTraceID(),
		Source:      types.SourceInvoice,
		Vendor:      vendor,
		Amount:      decimal.RequireFromString(amount),
		OccurredAt:  time.Now().Unix(),
		Description: desc,
	}
}

func TestClassifyStableRuleHighBand(t *testing.T) {
	rig := newTestRig(t, nil)
	_, err := rig.bridge.Learn(knowledge.LearnInput{Keyword: "星巴克", Category: "6601-03"}, knowledge.OriginManual)
	require.NoError(t, err)

	p, err := rig.agent.Classify(context.Background(), doc("星巴克咖啡", "拿铁两杯", "64.00"))
	require.NoError(t, err)

	assert.Equal(t, "6601-03", p.Category)
	assert.Equal(t, engineL1, p.Engine)
	assert.InDelta(t, confStable, p.Confidence, 1e-9)
	assert.False(t, p.RequiresShadowAudit)
	assert.NotEmpty(t, p.MatchedRule)
	assert.Zero(t, rig.up.mainCalls(), "a confident L1 match must not leave the process")

	stages := make([]string, 0, len(p.InferenceLog))
	for _, s := range p.InferenceLog {
		stages = append(stages, s.Stage)
	}
	assert.Equal(t, []string{"input_analysis", "routing", "rule_match", "confidence"}, stages)
	for i, s := range p.InferenceLog {
		assert.Equal(t, i+1, s.Step)
	}
}

func TestClassifyGrayRuleFlagsShadowAudit(t *testing.T) {
	rig := newTestRig(t, nil)
	_, err := rig.bridge.Learn(knowledge.LearnInput{Keyword: "滴滴出行", Category: "6602-03"}, knowledge.OriginL2)
	require.NoError(t, err)

	p, err := rig.agent.Classify(context.Background(), doc("滴滴出行科技", "行程单", "35.50"))
	require.NoError(t, err)

	assert.Equal(t, "6602-03", p.Category)
	assert.InDelta(t, confGray, p.Confidence, 1e-9)
	assert.True(t, p.RequiresShadowAudit)
}

func TestClassifyAmountConditionGuardsRule(t *testing.T) {
	rig := newTestRig(t, func(cfg *config.AccountingConfig) { cfg.L2.Enabled = false })
	min := decimal.NewNullDecimal(decimal.RequireFromString("100"))
	_, err := rig.bridge.Learn(knowledge.LearnInput{
		Keyword:    "京东",
		Category:   "1405",
		Conditions: &types.RuleConditions{MinAmount: min},
	}, knowledge.OriginManual)
	require.NoError(t, err)

	// Below the floor the rule must not fire; with L2 off that means suspense.
	p, err := rig.agent.Classify(context.Background(), doc("京东商城", "办公用品", "59.90"))
	require.NoError(t, err)
	assert.Equal(t, suspenseCategory, p.Category)
	assert.Zero(t, p.Confidence)
	assert.True(t, p.RequiresShadowAudit)

	p, err = rig.agent.Classify(context.Background(), doc("京东商城", "显示器", "899.00"))
	require.NoError(t, err)
	assert.Equal(t, "1405", p.Category)
}

func TestClassifyRegexRule(t *testing.T) {
	rig := newTestRig(t, func(cfg *config.AccountingConfig) { cfg.L2.Enabled = false })
	_, err := rig.bridge.Learn(knowledge.LearnInput{
		Keyword:  `中石[油化]`,
		Category: "6602-02",
		IsRegex:  true,
	}, knowledge.OriginManual)
	require.NoError(t, err)

	p, err := rig.agent.Classify(context.Background(), doc("中石化加油站", "92号汽油", "300.00"))
	require.NoError(t, err)
	assert.Equal(t, "6602-02", p.Category)
}

func TestClassifyMissGoesToL2AndLearns(t *testing.T) {
	rig := newTestRig(t, nil)

	p, err := rig.agent.Classify(context.Background(), doc("老王饭店", "工作餐", "128.00"))
	require.NoError(t, err)

	assert.Equal(t, "6601-01", p.Category)
	assert.Equal(t, engineL2, p.Engine)
	assert.InDelta(t, 0.93, p.Confidence, 1e-9)
	assert.Equal(t, 1, rig.up.mainCalls())
	assert.EqualValues(t, 42, rig.budget.Snapshot().SpentDay, "usage report must hit the budget")

	// The verdict becomes a gray rule so the next identical vendor stays local.
	var learned *types.Rule
	for _, r := range rig.bridge.Snapshot() {
		if r.KeywordPattern == "老王饭店" {
			learned = r
		}
	}
	require.NotNil(t, learned)
	assert.Equal(t, types.RuleGray, learned.AuditLevel)
	assert.Equal(t, knowledge.OriginL2, learned.Origin)

	p2, err := rig.agent.Classify(context.Background(), doc("老王饭店", "工作餐", "96.00"))
	require.NoError(t, err)
	assert.Equal(t, engineL1, p2.Engine)
	assert.Equal(t, 1, rig.up.mainCalls())
}

func TestClassifyToolLoopFeedsHistory(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.up.replies = []string{
		actionJSON("web_lookup", "深圳云算科技"),
		decisionJSON("6603-02", 0.88, 60),
	}
	rig.up.toolResult = "cloud compute provider"

	p, err := rig.agent.Classify(context.Background(), doc("", "深圳云算科技 服务器租赁", "2400.00"))
	require.NoError(t, err)

	assert.Equal(t, "6603-02", p.Category)
	assert.True(t, p.RequiresShadowAudit, "0.88 sits under the shadow threshold")
	assert.Equal(t, 2, rig.up.mainCalls())
	require.Len(t, rig.up.toolPaths, 1)
	assert.Equal(t, "/classify/tools/web_lookup", rig.up.toolPaths[0])

	// Second turn must carry the observation back up.
	var second l2Request
	require.NoError(t, json.Unmarshal([]byte(rig.up.mainBodies[1]), &second))
	assert.Equal(t, 2, second.Step)
	require.Len(t, second.History, 1)
	assert.Equal(t, "web_lookup", second.History[0].Tool)
	assert.Equal(t, "cloud compute provider", second.History[0].Observation)

	// Act and observe steps belong in the inference log.
	var acts, observes int
	for _, s := range p.InferenceLog {
		switch s.Stage {
		case "l2_act":
			acts++
		case "l2_observe":
			observes++
		}
	}
	assert.Equal(t, 1, acts)
	assert.Equal(t, 1, observes)
}

func TestClassifyStepCapDegrades(t *testing.T) {
	rig := newTestRig(t, func(cfg *config.AccountingConfig) { cfg.L2.StepCap = 3 })
	rig.up.replies = []string{actionJSON("web_lookup", "loop")}
	rig.up.toolResult = "nothing conclusive"

	p, err := rig.agent.Classify(context.Background(), doc("神秘供应商", "", "77.00"))
	require.NoError(t, err)

	assert.Equal(t, suspenseCategory, p.Category)
	assert.Zero(t, p.Confidence)
	assert.True(t, p.RequiresShadowAudit)
	assert.Equal(t, 3, rig.up.mainCalls())
}

func TestClassifyBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	rig := newTestRig(t, func(cfg *config.AccountingConfig) {
		cfg.Circuit.FailureThreshold = 2
	})
	rig.up.fail = 100 // every upstream turn answers 500

	for i := 0; i < 2; i++ {
		p, err := rig.agent.Classify(context.Background(), doc("无名商户", "", "10.00"))
		require.NoError(t, err)
		assert.Equal(t, suspenseCategory, p.Category)
	}
	require.Equal(t, 2, rig.up.mainCalls())

	// Third classification: breaker is open, upstream must not be dialed.
	p, err := rig.agent.Classify(context.Background(), doc("无名商户", "", "10.00"))
	require.NoError(t, err)
	assert.Equal(t, suspenseCategory, p.Category)
	assert.Equal(t, 2, rig.up.mainCalls())
}

func TestClassifyCacheShortCircuitsRepeatPrompt(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.up.replies = []string{decisionJSON("6603-01", 0.92, 30)}

	// Empty vendor keeps the verdict out of the rule base, so only the
	// cache can answer the repeat.
	d := doc("", "unknown subscription", "15.00")
	p1, err := rig.agent.Classify(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, engineL2, p1.Engine)
	require.Equal(t, 1, rig.up.mainCalls())

	p2, err := rig.agent.Classify(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, engineL2, p2.Engine)
	assert.Equal(t, "6603-01", p2.Category)
	assert.Equal(t, 1, rig.up.mainCalls(), "repeat prompt must be served from cache")
}

func TestClassifyBudgetExhaustedRaisesAlertOnce(t *testing.T) {
	s, err := storage.NewBoltStore(t.TempDir(), storage.Options{NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	bridge, err := knowledge.New(s)
	require.NoError(t, err)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	sub := broker.Subscribe()

	cfg := config.DefaultConfig().Accounting
	cfg.L2.Endpoint = "https://llm.test/classify"

	up := &fakeUpstream{replies: []string{decisionJSON("6601-01", 0.93, 42)}}
	bm := budget.New(1, 0) // any estimate exceeds a one-token day
	proxy := egress.New(config.EgressConfig{
		Allowlist: []string{"llm.test"}, BackoffBaseMs: 1, RequestTimeoutS: 5,
	}, nil, bm, up)
	a, err := New(cfg, bridge, proxy, bm, broker)
	require.NoError(t, err)

	p, err := a.Classify(context.Background(), doc("预算外商户", "", "50.00"))
	require.NoError(t, err)
	assert.Equal(t, suspenseCategory, p.Category)
	assert.Zero(t, up.mainCalls(), "exhausted budget must short-circuit before dialing")

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventBudgetExhausted, ev.Type)
		assert.Equal(t, "daily", ev.Metadata["scope"])
	case <-time.After(2 * time.Second):
		t.Fatal("expected a budget.exhausted event")
	}

	// Second trip inside the same period stays quiet.
	_, err = a.Classify(context.Background(), doc("预算外商户", "", "50.00"))
	require.NoError(t, err)
	select {
	case ev := <-sub:
		t.Fatalf("unexpected second alert: %v", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUpgradeTableForcesL2AfterStreak(t *testing.T) {
	u := newUpgradeTable(3, time.Hour)
	base := time.Unix(1700000000, 0)
	now := base
	u.now = func() time.Time { return now }

	u.recordLow("楼下小卖部")
	u.recordLow("楼下小卖部")
	assert.False(t, u.active("楼下小卖部"))

	u.recordLow("楼下小卖部")
	assert.True(t, u.active("楼下小卖部"))
	assert.True(t, u.active("  楼下小卖部 "), "vendor keys normalize whitespace")

	now = base.Add(time.Hour + time.Minute)
	assert.False(t, u.active("楼下小卖部"), "force window lapses after the cooldown")
}

func TestUpgradeTableStreakResetsOnGoodOutcome(t *testing.T) {
	u := newUpgradeTable(3, time.Hour)
	u.recordLow("v")
	u.recordLow("v")
	u.recordGood("v")
	u.recordLow("v")
	assert.False(t, u.active("v"))
}

func TestClassifyVendorUpgradedAfterGrayStreak(t *testing.T) {
	rig := newTestRig(t, func(cfg *config.AccountingConfig) { cfg.UpgradeStreak = 3 })
	_, err := rig.bridge.Learn(knowledge.LearnInput{Keyword: "模糊商户", Category: "6601-01"}, knowledge.OriginL2)
	require.NoError(t, err)
	rig.up.replies = []string{decisionJSON("5301", 0.96, 40)}

	d := doc("模糊商户", "", "20.00")
	for i := 0; i < 3; i++ {
		p, err := rig.agent.Classify(context.Background(), d)
		require.NoError(t, err)
		assert.Equal(t, engineL1, p.Engine)
	}
	require.Zero(t, rig.up.mainCalls())

	// Streak filled: the same vendor now skips the gray rule entirely.
	p, err := rig.agent.Classify(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, engineL2, p.Engine)
	assert.Equal(t, "5301", p.Category)
	assert.Equal(t, 1, rig.up.mainCalls())
}

func TestCacheExpiresByTTL(t *testing.T) {
	c, err := newResponseCache(8, time.Minute)
	require.NoError(t, err)
	base := time.Unix(1700000000, 0)
	now := base
	c.now = func() time.Time { return now }

	key := cacheKey("m", "prompt")
	c.put(key, cachedAnswer{category: "6601-01", confidence: 0.9})

	_, ok := c.get(key)
	assert.True(t, ok)

	now = base.Add(2 * time.Minute)
	_, ok = c.get(key)
	assert.False(t, ok, "entries older than the TTL must miss")
}

func TestCacheKeySeparatesModelAndPrompt(t *testing.T) {
	assert.NotEqual(t, cacheKey("model-a", "p"), cacheKey("model-b", "p"))
	assert.NotEqual(t, cacheKey("m", "ab"), cacheKey("ma", "b"))
}

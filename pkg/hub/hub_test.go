package hub

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallyhq/tally/pkg/config"
	"github.com/tallyhq/tally/pkg/events"
	"github.com/tallyhq/tally/pkg/knowledge"
	"github.com/tallyhq/tally/pkg/storage"
	"github.com/tallyhq/tally/pkg/types"
)

const testSecret = "hub-test-secret"

func newTestHub(t *testing.T, tweak func(*config.InteractionConfig)) (*Hub, *storage.BoltStore) {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir(), storage.Options{NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	bridge, err := knowledge.New(s)
	require.NoError(t, err)

	cfg := config.DefaultConfig().Interaction
	cfg.Secret = testSecret
	if tweak != nil {
		tweak(&cfg)
	}
	return New(cfg, s, bridge, nil), s
}

func seedEntry(t *testing.T, s storage.Store, vendor, category string, state types.EntryState, rule string) uint64 {
	t.Helper()
	id, err := s.AppendEntry(&types.LedgerEntry{
		TraceID:     types.NewTraceID(),
		Vendor:      vendor,
		Category:    category,
		Amount:      decimal.RequireFromString("-88.00"),
		OccurredAt:  types.NowMillis(),
		State:       state,
		MatchedRule: rule,
	})
	require.NoError(t, err)
	return id
}

func seedPending(t *testing.T, s storage.Store, counterparty, amount string) uint64 {
	t.Helper()
	id, _, err := s.PutPendingEntry(&types.PendingEntry{
		TraceID:      types.NewTraceID(),
		Source:       types.SourceAlipay,
		Counterparty: counterparty,
		Amount:       decimal.RequireFromString(amount),
		OccurredAt:   types.NowMillis(),
		ContentHash:  types.NewTraceID(),
	})
	require.NoError(t, err)
	return id
}

func signedCallback(cardID, action string, ts int64) Callback {
	return Callback{
		CardID:    cardID,
		Action:    action,
		TS:        ts,
		Signature: SignCallback([]byte(testSecret), cardID, action, ts),
		Role:      RoleAccountant,
	}
}

func reviewSpec(entryID uint64) CardSpec {
	return CardSpec{
		Kind:         KindReview,
		Title:        "Review",
		RequiredRole: RoleAccountant,
		LinkedRef:    "entry/" + strconv.FormatUint(entryID, 10),
		Buttons: []Button{
			{Action: types.ActionConfirm, Label: "Confirm"},
			{Action: types.ActionReject, Label: "Reject"},
		},
	}
}

// pendingOutbox returns every undelivered outbox row regardless of schedule.
func pendingOutbox(t *testing.T, s storage.Store) []*types.OutboxEvent {
	t.Helper()
	rows, err := s.DueOutbox(math.MaxInt64, 0)
	require.NoError(t, err)
	return rows
}

func TestCreateCardMintsBoundToken(t *testing.T) {
	h, s := newTestHub(t, nil)
	base := time.Now()
	h.now = func() time.Time { return base }

	card, err := h.CreateCard(CardSpec{
		Kind:         KindReview,
		Title:        "Review",
		RequiredRole: RoleAccountant,
		LinkedRef:    "entry/1",
	})
	require.NoError(t, err)

	assert.Equal(t, base.Add(24*time.Hour).UnixMilli(), card.ExpiresAt)
	parts := strings.Split(card.CallbackToken, ".")
	require.Len(t, parts, 3)
	assert.Equal(t, card.CardID, parts[0])
	assert.Equal(t, strconv.FormatInt(card.ExpiresAt, 10), parts[1])
	assert.Len(t, parts[2], 64)
	assert.Equal(t, mintToken([]byte(testSecret), card.CardID, KindReview, card.ExpiresAt), card.CallbackToken)

	stored, err := s.GetCard(card.CardID)
	require.NoError(t, err)
	assert.Equal(t, types.CardSent, stored.Status)
	assert.Equal(t, RoleAccountant, stored.RequiredRole)
}

func TestCreateCardEnqueuesRedactedEnvelope(t *testing.T) {
	h, s := newTestHub(t, nil)

	_, err := h.CreateCard(CardSpec{
		Kind:    KindReview,
		Title:   "Review 老王 13800138000",
		Fields:  map[string]string{"vendor": "老王 13800138000"},
		Buttons: []Button{{Action: types.ActionConfirm, Label: "Confirm"}},
	})
	require.NoError(t, err)

	rows := pendingOutbox(t, s)
	require.Len(t, rows, 1)
	assert.Equal(t, types.EventPushCard, rows[0].Kind)

	var env cardEnvelope
	require.NoError(t, json.Unmarshal(rows[0].Payload, &env))
	assert.Contains(t, env.Title, "[PHONE]")
	assert.NotContains(t, env.Title, "13800138000")
	assert.Contains(t, env.Fields["vendor"], "[PHONE]")
	assert.NotEmpty(t, env.Token)
	require.Len(t, env.Buttons, 1)
	assert.Equal(t, types.ActionConfirm, env.Buttons[0].Action)
}

func TestConfirmCallbackPostsEntryAndLearnsRule(t *testing.T) {
	h, s := newTestHub(t, nil)
	entryID := seedEntry(t, s, "老王茶馆", "6601-01", types.EntryAudited, "")

	card, err := h.CreateCard(reviewSpec(entryID))
	require.NoError(t, err)

	cb := signedCallback(card.CardID, types.ActionConfirm, h.now().UnixMilli())
	require.NoError(t, h.HandleCallback(cb))

	entry, err := s.GetEntry(entryID)
	require.NoError(t, err)
	assert.Equal(t, types.EntryPosted, entry.State)

	stored, err := s.GetCard(card.CardID)
	require.NoError(t, err)
	assert.Equal(t, types.CardCompleted, stored.Status)
	assert.NotZero(t, stored.ConsumedAt)

	// The confirmation became a MANUAL rule for future classifications.
	rules, err := s.ListRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "老王茶馆", rules[0].KeywordPattern)
	assert.Equal(t, "6601-01", rules[0].ProposedCategory)
	assert.Equal(t, types.RuleStable, rules[0].AuditLevel)

	// A duplicate delivery performs the action once.
	err = h.HandleCallback(signedCallback(card.CardID, types.ActionConfirm, h.now().UnixMilli()))
	assert.ErrorIs(t, err, ErrReplay)
	entry, err = s.GetEntry(entryID)
	require.NoError(t, err)
	assert.Equal(t, types.EntryPosted, entry.State)
}

func TestConfirmCallbackCategoryOverride(t *testing.T) {
	h, s := newTestHub(t, nil)
	entryID := seedEntry(t, s, "滴滴出行", "6601-01", types.EntryAudited, "")

	card, err := h.CreateCard(reviewSpec(entryID))
	require.NoError(t, err)

	cb := signedCallback(card.CardID, types.ActionConfirm, h.now().UnixMilli())
	cb.ExtraPayload = json.RawMessage(`{"category":"6602-03"}`)
	require.NoError(t, h.HandleCallback(cb))

	rules, err := s.ListRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "6602-03", rules[0].ProposedCategory, "the correction drives future classifications")

	// The posted row keeps its audited category; history is corrected by
	// reversal, never by mutation.
	entry, err := s.GetEntry(entryID)
	require.NoError(t, err)
	assert.Equal(t, "6601-01", entry.Category)
	assert.Equal(t, types.EntryPosted, entry.State)
}

func TestCallbackRefusesBadSignature(t *testing.T) {
	h, s := newTestHub(t, nil)
	entryID := seedEntry(t, s, "老王茶馆", "6601-01", types.EntryAudited, "")
	card, err := h.CreateCard(reviewSpec(entryID))
	require.NoError(t, err)

	ts := h.now().UnixMilli()
	cb := Callback{
		CardID:    card.CardID,
		Action:    types.ActionConfirm,
		TS:        ts,
		Signature: SignCallback([]byte("wrong-secret"), card.CardID, types.ActionConfirm, ts),
		Role:      RoleAccountant,
	}
	assert.ErrorIs(t, h.HandleCallback(cb), ErrSignatureInvalid)

	// A signature over different fields is just as dead.
	cb.Signature = SignCallback([]byte(testSecret), card.CardID, types.ActionReject, ts)
	assert.ErrorIs(t, h.HandleCallback(cb), ErrSignatureInvalid)

	entry, err := s.GetEntry(entryID)
	require.NoError(t, err)
	assert.Equal(t, types.EntryAudited, entry.State, "refused callback must not change state")
	stored, err := s.GetCard(card.CardID)
	require.NoError(t, err)
	assert.Equal(t, types.CardSent, stored.Status)
	assert.Zero(t, stored.ConsumedAt)
}

func TestCallbackRefusesWrongRole(t *testing.T) {
	h, s := newTestHub(t, nil)
	entryID := seedEntry(t, s, "老王茶馆", "6601-01", types.EntryAudited, "")
	card, err := h.CreateCard(reviewSpec(entryID))
	require.NoError(t, err)

	cb := signedCallback(card.CardID, types.ActionConfirm, h.now().UnixMilli())
	cb.Role = "viewer"
	assert.ErrorIs(t, h.HandleCallback(cb), ErrRoleDenied)

	entry, err := s.GetEntry(entryID)
	require.NoError(t, err)
	assert.Equal(t, types.EntryAudited, entry.State)
}

func TestCallbackRefusesExpiredCard(t *testing.T) {
	h, s := newTestHub(t, nil)
	entryID := seedEntry(t, s, "老王茶馆", "6601-01", types.EntryAudited, "")
	base := time.Now()
	h.now = func() time.Time { return base }

	spec := reviewSpec(entryID)
	spec.TTL = time.Hour
	card, err := h.CreateCard(spec)
	require.NoError(t, err)

	h.now = func() time.Time { return base.Add(2 * time.Hour) }
	cb := signedCallback(card.CardID, types.ActionConfirm, h.now().UnixMilli())
	assert.ErrorIs(t, h.HandleCallback(cb), ErrCardExpired)

	stored, err := s.GetCard(card.CardID)
	require.NoError(t, err)
	assert.Equal(t, types.CardExpired, stored.Status)

	entry, err := s.GetEntry(entryID)
	require.NoError(t, err)
	assert.Equal(t, types.EntryAudited, entry.State)
}

func TestCallbackRefusesStaleTimestamp(t *testing.T) {
	h, s := newTestHub(t, nil)
	entryID := seedEntry(t, s, "老王茶馆", "6601-01", types.EntryAudited, "")
	card, err := h.CreateCard(reviewSpec(entryID))
	require.NoError(t, err)

	stale := signedCallback(card.CardID, types.ActionConfirm, h.now().Add(-5*time.Minute).UnixMilli())
	assert.ErrorIs(t, h.HandleCallback(stale), ErrReplay)

	// The window check fires before the consume marker: a stale delivery
	// does not burn the card.
	stored, err := s.GetCard(card.CardID)
	require.NoError(t, err)
	assert.Zero(t, stored.ConsumedAt)

	fresh := signedCallback(card.CardID, types.ActionConfirm, h.now().UnixMilli())
	require.NoError(t, h.HandleCallback(fresh))
}

func TestRejectCallbackCountsAgainstGrayRule(t *testing.T) {
	h, s := newTestHub(t, nil)

	rule, err := h.bridge.Learn(knowledge.LearnInput{Keyword: "加油站", Category: "6602-03"}, knowledge.OriginL2)
	require.NoError(t, err)
	require.Equal(t, types.RuleGray, rule.AuditLevel)

	entryID := seedEntry(t, s, "中石化加油站", "6602-03", types.EntryAudited, rule.RuleID)
	card, err := h.CreateCard(reviewSpec(entryID))
	require.NoError(t, err)

	cb := signedCallback(card.CardID, types.ActionReject, h.now().UnixMilli())
	require.NoError(t, h.HandleCallback(cb))

	entry, err := s.GetEntry(entryID)
	require.NoError(t, err)
	assert.Equal(t, types.EntryRejected, entry.State)

	got, err := s.GetRule(rule.RuleID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RejectCount)
}

func TestBatchConfirmAppliesStoredSelection(t *testing.T) {
	h, s := newTestHub(t, nil)

	// One suggested pair and one settled group, as the matcher leaves them.
	pendingID := seedPending(t, s, "星巴克", "-64.00")
	entryID := seedEntry(t, s, "星巴克咖啡", "6601-01", types.EntryPosted, "")

	memberID := seedPending(t, s, "如家酒店管理有限公司", "-300.00")
	ref := "MATCH_1726000000_如家酒店_1v2"
	require.NoError(t, s.PutMatchGroup(&types.MatchGroup{
		Ref:        ref,
		Vendor:     "如家酒店",
		PendingIDs: []uint64{memberID},
		EntryIDs:   []uint64{7, 8},
		Total:      decimal.RequireFromString("-300.00"),
	}))
	require.NoError(t, s.MarkPendingMatched(memberID, 0, ref, types.PendingMatched))

	payload, err := json.Marshal(batchSelection{
		Pairs:  []types.MatchPair{{PendingID: pendingID, EntryID: entryID}},
		Groups: []string{ref},
	})
	require.NoError(t, err)
	card, err := h.CreateCard(CardSpec{Kind: KindMatchBatch, Title: "Batch reconciliation", RequiredRole: RoleAccountant, Payload: payload})
	require.NoError(t, err)

	cb := signedCallback(card.CardID, types.ActionBatchConfirm, h.now().UnixMilli())
	require.NoError(t, h.HandleCallback(cb))

	p, err := s.GetPendingEntry(pendingID)
	require.NoError(t, err)
	assert.Equal(t, types.PendingReconciled, p.Status)
	assert.Equal(t, entryID, p.MatchedLedgerID)

	m, err := s.GetPendingEntry(memberID)
	require.NoError(t, err)
	assert.Equal(t, types.PendingReconciled, m.Status)

	g, err := s.GetMatchGroup(ref)
	require.NoError(t, err)
	assert.Equal(t, types.PendingReconciled, g.Status)

	err = h.HandleCallback(signedCallback(card.CardID, types.ActionBatchConfirm, h.now().UnixMilli()))
	assert.ErrorIs(t, err, ErrReplay)
}

func TestBatchConfirmNarrowedByExtraPayload(t *testing.T) {
	h, s := newTestHub(t, nil)

	keepID := seedPending(t, s, "滴滴出行", "-25.00")
	skipID := seedPending(t, s, "美团外卖", "-18.50")
	entryA := seedEntry(t, s, "滴滴出行", "6601-01", types.EntryPosted, "")
	entryB := seedEntry(t, s, "美团", "6601-02", types.EntryPosted, "")

	payload, err := json.Marshal(batchSelection{Pairs: []types.MatchPair{
		{PendingID: keepID, EntryID: entryA},
		{PendingID: skipID, EntryID: entryB},
	}})
	require.NoError(t, err)
	card, err := h.CreateCard(CardSpec{Kind: KindMatchBatch, Title: "Batch reconciliation", RequiredRole: RoleAccountant, Payload: payload})
	require.NoError(t, err)

	narrowed, err := json.Marshal(batchSelection{Pairs: []types.MatchPair{{PendingID: keepID, EntryID: entryA}}})
	require.NoError(t, err)
	cb := signedCallback(card.CardID, types.ActionBatchConfirm, h.now().UnixMilli())
	cb.ExtraPayload = narrowed
	require.NoError(t, h.HandleCallback(cb))

	kept, err := s.GetPendingEntry(keepID)
	require.NoError(t, err)
	assert.Equal(t, types.PendingReconciled, kept.Status)

	skipped, err := s.GetPendingEntry(skipID)
	require.NoError(t, err)
	assert.Equal(t, types.PendingUnreconciled, skipped.Status, "rows outside the returned selection stay open")
}

func TestRouteReviewEventIssuesCard(t *testing.T) {
	h, s := newTestHub(t, nil)
	entryID := seedEntry(t, s, "老王茶馆", "6601-01", types.EntryAudited, "")

	h.route(&events.Event{
		Type:    events.EventEntryNeedsReview,
		Message: "老王茶馆 -88.00 needs review",
		Metadata: map[string]string{
			"entry_id": strconv.FormatUint(entryID, 10),
			"vendor":   "老王茶馆",
			"category": "6601-01",
			"amount":   "-88.00",
		},
	})

	rows := pendingOutbox(t, s)
	require.Len(t, rows, 1)
	require.Equal(t, types.EventPushCard, rows[0].Kind)
	var env cardEnvelope
	require.NoError(t, json.Unmarshal(rows[0].Payload, &env))
	assert.Equal(t, KindReview, env.Kind)
	require.Len(t, env.Buttons, 2)

	card, err := s.GetCard(env.CardID)
	require.NoError(t, err)
	assert.Equal(t, "entry/"+strconv.FormatUint(entryID, 10), card.LinkedEntityRef)
	assert.Equal(t, RoleAccountant, card.RequiredRole)
}

func TestRouteMatchFoundIssuesOneClickConfirm(t *testing.T) {
	h, s := newTestHub(t, nil)
	entryID := seedEntry(t, s, "星巴克咖啡", "6601-01", types.EntryPosted, "")
	pendingID := seedPending(t, s, "星巴克", "-64.00")
	require.NoError(t, s.MarkPendingMatched(pendingID, entryID, "", types.PendingMatched))

	h.route(&events.Event{
		Type: events.EventMatchFound,
		Metadata: map[string]string{
			"pending_id": strconv.FormatUint(pendingID, 10),
			"entry_id":   strconv.FormatUint(entryID, 10),
			"vendor":     "星巴克咖啡",
			"amount":     "-64.00",
			"score":      "0.95",
		},
	})

	rows := pendingOutbox(t, s)
	require.Len(t, rows, 1)
	var env cardEnvelope
	require.NoError(t, json.Unmarshal(rows[0].Payload, &env))
	require.Equal(t, KindMatchConfirm, env.Kind)

	// One click settles the row.
	cb := signedCallback(env.CardID, types.ActionBatchConfirm, h.now().UnixMilli())
	require.NoError(t, h.HandleCallback(cb))
	p, err := s.GetPendingEntry(pendingID)
	require.NoError(t, err)
	assert.Equal(t, types.PendingReconciled, p.Status)
	assert.Equal(t, entryID, p.MatchedLedgerID)
}

func TestRouteMatchFoundSkipsAutoPostedRows(t *testing.T) {
	h, s := newTestHub(t, nil)
	entryID := seedEntry(t, s, "星巴克咖啡", "6601-01", types.EntryPosted, "")
	pendingID := seedPending(t, s, "星巴克", "-64.00")
	require.NoError(t, s.MarkPendingMatched(pendingID, entryID, "", types.PendingReconciled))

	h.route(&events.Event{
		Type: events.EventMatchFound,
		Metadata: map[string]string{
			"pending_id": strconv.FormatUint(pendingID, 10),
			"entry_id":   strconv.FormatUint(entryID, 10),
			"vendor":     "星巴克咖啡",
			"amount":     "-64.00",
			"score":      "0.96",
		},
	})

	assert.Empty(t, pendingOutbox(t, s), "auto-posted rows need no confirmation")
}

func TestRouteGroupMatchIssuesGroupCard(t *testing.T) {
	h, s := newTestHub(t, nil)

	memberID := seedPending(t, s, "如家酒店管理有限公司", "-300.00")
	ref := "MATCH_1726000001_如家酒店_1v3"
	require.NoError(t, s.PutMatchGroup(&types.MatchGroup{
		Ref:        ref,
		Vendor:     "如家酒店",
		PendingIDs: []uint64{memberID},
		EntryIDs:   []uint64{4, 5, 6},
		Total:      decimal.RequireFromString("-300.00"),
	}))
	require.NoError(t, s.MarkPendingMatched(memberID, 0, ref, types.PendingMatched))

	h.route(&events.Event{
		Type:    events.EventMatchFound,
		Message: "如家酒店: 1 flows settle 3 entries, total -300.00",
		Metadata: map[string]string{
			"group":        ref,
			"vendor":       "如家酒店",
			"pendings":     "1",
			"entries":      "3",
			"total_amount": "-300.00",
		},
	})

	rows := pendingOutbox(t, s)
	require.Len(t, rows, 1)
	var env cardEnvelope
	require.NoError(t, json.Unmarshal(rows[0].Payload, &env))
	assert.Equal(t, KindMatchConfirm, env.Kind)
	assert.Equal(t, "3", env.Fields["entries"])

	card, err := s.GetCard(env.CardID)
	require.NoError(t, err)
	var sel batchSelection
	require.NoError(t, json.Unmarshal(card.Payload, &sel))
	assert.Equal(t, []string{ref}, sel.Groups)
}

func TestRouteBatchEventCarriesSuggestions(t *testing.T) {
	h, s := newTestHub(t, nil)

	// The matcher publishes enriched pairs; the stored payload stays
	// confirmable by id alone, extra fields unmarshal away.
	pairs := `[{"pending_id":3,"entry_id":9,"counterparty":"中石化","vendor":"中国石化加油站","amount":"-200.00","score":0.72}]`
	h.route(&events.Event{
		Type:     events.EventMatchBatch,
		Message:  "1 candidate pairs await confirmation",
		Metadata: map[string]string{"count": "1", "total_amount": "-200.00", "pairs": pairs},
	})

	rows := pendingOutbox(t, s)
	require.Len(t, rows, 1)
	var env cardEnvelope
	require.NoError(t, json.Unmarshal(rows[0].Payload, &env))
	assert.Equal(t, KindMatchBatch, env.Kind)
	assert.Equal(t, "1", env.Fields["count"])
	assert.NotEmpty(t, env.Data)

	card, err := s.GetCard(env.CardID)
	require.NoError(t, err)
	var sel batchSelection
	require.NoError(t, json.Unmarshal(card.Payload, &sel))
	require.Len(t, sel.Pairs, 1)
	assert.Equal(t, types.MatchPair{PendingID: 3, EntryID: 9}, sel.Pairs[0])
}

func TestRouteNoticesAndBacklogSuppression(t *testing.T) {
	h, s := newTestHub(t, nil)

	h.route(&events.Event{
		Type:     events.EventChainBreak,
		Message:  "hash mismatch at entry 7",
		Metadata: map[string]string{"entry_id": "7"},
	})
	h.route(&events.Event{
		Type:     events.EventEvidenceRequest,
		Message:  "missing document for stale flow",
		Metadata: map[string]string{"pending_id": "3", "counterparty": "老王 13800138000"},
	})
	// The backlog alert reports outbox pressure; converting it would add
	// to the very queue it warns about.
	h.route(&events.Event{Type: events.EventOutboxBacklog, Message: "outbox depth 120 at or above 100"})

	rows := pendingOutbox(t, s)
	require.Len(t, rows, 2)

	byKind := map[types.EventKind]noticeEnvelope{}
	for _, row := range rows {
		var env noticeEnvelope
		require.NoError(t, json.Unmarshal(row.Payload, &env))
		byKind[row.Kind] = env
	}
	crit, ok := byKind[types.EventCritical]
	require.True(t, ok)
	assert.Equal(t, string(events.EventChainBreak), crit.Event)

	evi, ok := byKind[types.EventEvidenceRequest]
	require.True(t, ok)
	assert.NotContains(t, evi.Metadata["counterparty"], "13800138000")
	assert.Contains(t, evi.Metadata["counterparty"], "[PHONE]")
}

func TestRunConvertsBrokerEvents(t *testing.T) {
	h, s := newTestHub(t, nil)
	entryID := seedEntry(t, s, "老王茶馆", "6601-01", types.EntryAudited, "")

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	h.broker = broker

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	broker.Publish(&events.Event{
		Type: events.EventEntryNeedsReview,
		Metadata: map[string]string{
			"entry_id": strconv.FormatUint(entryID, 10),
			"vendor":   "老王茶馆",
			"category": "6601-01",
			"amount":   "-88.00",
		},
	})

	require.Eventually(t, func() bool {
		return len(pendingOutbox(t, s)) == 1
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop on cancel")
	}
}

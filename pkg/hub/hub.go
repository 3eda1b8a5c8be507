// Package hub bridges pipeline decisions with external users. It converts
// audit and reconciliation events into signed interaction cards, is the
// only component that enqueues outbox notifications, and applies callback
// actions against the ledger and the rule base.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tallyhq/tally/pkg/config"
	"github.com/tallyhq/tally/pkg/events"
	"github.com/tallyhq/tally/pkg/knowledge"
	"github.com/tallyhq/tally/pkg/log"
	"github.com/tallyhq/tally/pkg/metrics"
	"github.com/tallyhq/tally/pkg/privacy"
	"github.com/tallyhq/tally/pkg/storage"
	"github.com/tallyhq/tally/pkg/types"
)

// Callback verification errors. The webhook layer maps signature and role
// failures to 403 and everything stale, replayed, or already-applied to 409.
var (
	ErrSignatureInvalid = errors.New("callback signature invalid")
	ErrRoleDenied       = errors.New("actor role not permitted")
	ErrCardExpired      = errors.New("card expired")
	ErrReplay           = errors.New("callback replayed or stale")
	ErrBadPayload       = errors.New("malformed callback payload")
	ErrUnknownAction    = errors.New("unknown card action")
)

// Card kinds the hub issues.
const (
	KindReview       = "review"
	KindMatchConfirm = "match_confirm"
	KindMatchBatch   = "match_batch"
)

// RoleAccountant is the role required to act on decision cards.
const RoleAccountant = "accountant"

// Button is one action the remote side can present on a card.
type Button struct {
	Action string `json:"action"`
	Label  string `json:"label"`
}

// CardSpec describes a card to issue. Payload is the stored action payload
// (what BATCH_CONFIRM applies); Fields are display values for the channel.
type CardSpec struct {
	Kind         string
	Title        string
	Body         string
	Fields       map[string]string
	Buttons      []Button
	TraceID      string
	RequiredRole string
	TTL          time.Duration // zero means the configured default
	LinkedRef    string        // e.g. entry/42 or match/MATCH_...
	Payload      json.RawMessage
}

// batchSelection is the BATCH_CONFIRM payload: suggested pairs picked by
// the operator plus subset group refs confirmed as a set.
type batchSelection struct {
	Pairs  []types.MatchPair `json:"pairs,omitempty"`
	Groups []string          `json:"groups,omitempty"`
}

// cardEnvelope is the outbound rendering of a card, pushed through the
// outbox to the messaging channel. Every free-text field passes the privacy
// guard before it is enqueued.
type cardEnvelope struct {
	CardID    string            `json:"card_id"`
	Kind      string            `json:"kind"`
	Title     string            `json:"title"`
	Body      string            `json:"body,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Buttons   []Button          `json:"buttons,omitempty"`
	Token     string            `json:"token"`
	ExpiresAt int64             `json:"expires_at"`
	TraceID   string            `json:"trace_id,omitempty"`
	Data      json.RawMessage   `json:"data,omitempty"`
}

// noticeEnvelope is the outbound rendering of a card-less notification:
// evidence requests and critical alerts.
type noticeEnvelope struct {
	Event    string            `json:"event"`
	Message  string            `json:"message"`
	TraceID  string            `json:"trace_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	RaisedAt int64             `json:"raised_at"`
}

// Callback is one webhook delivery. Signature and Role arrive as headers,
// everything else as the JSON body. TS is epoch milliseconds.
type Callback struct {
	CardID       string          `json:"card_id"`
	Action       string          `json:"action"`
	ExtraPayload json.RawMessage `json:"extra_payload,omitempty"`
	TS           int64           `json:"ts"`

	Signature string `json:"-"`
	Role      string `json:"-"`
}

// Hub owns the interaction surface: card issuance, callback handling, and
// the event-to-notification routing loop.
type Hub struct {
	cfg    config.InteractionConfig
	store  storage.Store
	bridge *knowledge.Bridge
	broker *events.Broker
	guard  *privacy.Guard
	secret []byte
	logger zerolog.Logger
	now    func() time.Time
	beat   func()
}

// Option configures a Hub.
type Option func(*Hub)

// WithHeartbeat registers a hook invoked once per routing iteration so the
// supervisor sees a live worker.
func WithHeartbeat(beat func()) Option {
	return func(h *Hub) {
		if beat != nil {
			h.beat = beat
		}
	}
}

// WithGuard shares the process-wide privacy guard instead of the hub
// constructing its own.
func WithGuard(guard *privacy.Guard) Option {
	return func(h *Hub) {
		if guard != nil {
			h.guard = guard
		}
	}
}

// New builds the interaction hub. The broker may be nil; the hub then only
// serves direct CreateCard and HandleCallback calls.
func New(cfg config.InteractionConfig, store storage.Store, bridge *knowledge.Bridge, broker *events.Broker, opts ...Option) *Hub {
	if cfg.CardTTLS <= 0 {
		cfg.CardTTLS = 86400
	}
	if cfg.ReplayWindowS <= 0 {
		cfg.ReplayWindowS = 60
	}
	h := &Hub{
		cfg:    cfg,
		store:  store,
		bridge: bridge,
		broker: broker,
		guard:  privacy.NewGuard(),
		secret: []byte(cfg.Secret),
		logger: log.WithComponent("hub"),
		now:    time.Now,
		beat:   func() {},
	}
	if cfg.Secret == "" {
		h.secret = newSecret()
		h.logger.Warn().Msg("interaction.secret not configured; using an ephemeral secret, callbacks will not verify across restarts")
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run consumes pipeline events and turns them into cards and outbox
// notifications until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	if h.broker == nil {
		<-ctx.Done()
		return nil
	}
	sub := h.broker.Subscribe()
	defer h.broker.Unsubscribe(sub)
	h.logger.Info().Msg("interaction hub running")

	tick := time.NewTicker(10 * time.Second)
	defer tick.Stop()
	for {
		h.beat()
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			h.route(ev)
		case <-tick.C:
		}
	}
}

// route converts one pipeline event into its external form. Lifecycle
// events that need no human are logged only, and the outbox backlog alert
// is never converted: enqueueing it would feed the backlog it reports.
func (h *Hub) route(ev *events.Event) {
	switch ev.Type {
	case events.EventEntryNeedsReview:
		h.reviewCard(ev)
	case events.EventMatchFound:
		h.matchCard(ev)
	case events.EventMatchBatch:
		h.matchBatchCard(ev)
	case events.EventEvidenceRequest:
		h.notice(ev, types.EventEvidenceRequest)
	case events.EventChainBreak, events.EventWorkerQuarantine,
		events.EventBudgetExhausted, events.EventEntryRisk:
		h.notice(ev, types.EventCritical)
	case events.EventOutboxBacklog:
		h.logger.Warn().Str("event", string(ev.Type)).Msg(ev.Message)
	default:
		h.logger.Debug().Str("event", string(ev.Type)).Str("trace_id", ev.TraceID).Msg(ev.Message)
	}
}

// CreateCard mints a signed card, persists it, and enqueues its rendered
// envelope for delivery. The returned card carries the callback token.
func (h *Hub) CreateCard(spec CardSpec) (*types.InteractionCard, error) {
	if spec.Kind == "" {
		return nil, fmt.Errorf("card: empty kind")
	}
	ttl := spec.TTL
	if ttl <= 0 {
		ttl = h.cfg.CardTTL()
	}
	now := h.now()
	cardID := types.NewCardID()
	expiresAt := now.Add(ttl).UnixMilli()

	card := &types.InteractionCard{
		CardID:          cardID,
		Kind:            spec.Kind,
		CallbackToken:   mintToken(h.secret, cardID, spec.Kind, expiresAt),
		CreatedAt:       now.UnixMilli(),
		ExpiresAt:       expiresAt,
		RequiredRole:    spec.RequiredRole,
		Status:          types.CardSent,
		LinkedEntityRef: spec.LinkedRef,
		Payload:         spec.Payload,
	}
	if err := h.store.PutCard(card); err != nil {
		return nil, fmt.Errorf("store card: %w", err)
	}

	env, err := h.renderCard(card, spec)
	if err != nil {
		return nil, fmt.Errorf("render card: %w", err)
	}
	ob := &types.OutboxEvent{
		EventID: types.NewEventID(),
		Kind:    types.EventPushCard,
		Payload: env,
	}
	if err := h.store.EnqueueOutbox(ob); err != nil {
		return nil, fmt.Errorf("enqueue card: %w", err)
	}
	metrics.CardsIssuedTotal.Inc()
	h.logger.Info().
		Str("card_id", cardID).
		Str("kind", spec.Kind).
		Str("role", spec.RequiredRole).
		Str("ref", spec.LinkedRef).
		Msg("card issued")
	return card, nil
}

// HandleCallback verifies and applies one webhook callback: signature,
// expiry, status, role, then the replay gate, and only then the action.
// The one-shot consume marker is taken before dispatch so a duplicate
// delivery can never act twice; the underlying actions are all
// compare-and-swap guarded besides.
func (h *Hub) HandleCallback(cb Callback) error {
	err := h.handleCallback(cb)
	metrics.CallbacksTotal.WithLabelValues(callbackResult(err)).Inc()
	return err
}

func (h *Hub) handleCallback(cb Callback) error {
	if !verifySignature(h.secret, cb.CardID, cb.Action, cb.TS, cb.Signature) {
		return fmt.Errorf("card %s: %w", cb.CardID, ErrSignatureInvalid)
	}
	card, err := h.store.GetCard(cb.CardID)
	if err != nil {
		return err
	}
	now := h.now()
	if now.UnixMilli() > card.ExpiresAt {
		if card.Status != types.CardCompleted && card.Status != types.CardExpired {
			if err := h.store.UpdateCardStatus(card.CardID, card.Status, types.CardExpired); err != nil {
				h.logger.Warn().Err(err).Str("card_id", card.CardID).Msg("expiry flip failed")
			}
		}
		return fmt.Errorf("card %s expired at %d: %w", card.CardID, card.ExpiresAt, ErrCardExpired)
	}
	if card.Status == types.CardCompleted || card.Status == types.CardExpired {
		return fmt.Errorf("card %s already %s: %w", card.CardID, card.Status, ErrReplay)
	}
	if card.RequiredRole != "" && cb.Role != card.RequiredRole {
		return fmt.Errorf("action %s on %s needs role %s: %w", cb.Action, card.CardID, card.RequiredRole, ErrRoleDenied)
	}
	skew := now.UnixMilli() - cb.TS
	if skew < 0 {
		skew = -skew
	}
	if skew > h.cfg.ReplayWindow().Milliseconds() {
		return fmt.Errorf("callback timestamp %dms outside replay window: %w", skew, ErrReplay)
	}
	if err := h.store.ConsumeCard(card.CardID, now.UnixMilli()); err != nil {
		if errors.Is(err, storage.ErrCardConsumed) {
			return fmt.Errorf("card %s: %w", card.CardID, ErrReplay)
		}
		return err
	}
	if card.Status == types.CardSent {
		if err := h.store.UpdateCardStatus(card.CardID, types.CardSent, types.CardClicked); err != nil {
			h.logger.Warn().Err(err).Str("card_id", card.CardID).Msg("click flip failed")
		} else {
			card.Status = types.CardClicked
		}
	}

	if err := h.dispatch(card, cb); err != nil {
		return err
	}
	if err := h.store.UpdateCardStatus(card.CardID, card.Status, types.CardCompleted); err != nil {
		return err
	}
	h.logger.Info().
		Str("card_id", card.CardID).
		Str("kind", card.Kind).
		Str("action", cb.Action).
		Msg("callback completed")
	return nil
}

func (h *Hub) dispatch(card *types.InteractionCard, cb Callback) error {
	switch cb.Action {
	case types.ActionConfirm:
		return h.confirmEntry(card, cb.ExtraPayload)
	case types.ActionReject:
		return h.rejectEntry(card)
	case types.ActionBatchConfirm:
		return h.batchConfirm(card, cb.ExtraPayload)
	default:
		return fmt.Errorf("action %q: %w", cb.Action, ErrUnknownAction)
	}
}

// confirmEntry posts a held entry and feeds the decision back into the rule
// base as a MANUAL rule. An extra payload may carry a corrected category;
// the correction shapes future classifications, the posted row itself is
// immutable and stands as audited.
func (h *Hub) confirmEntry(card *types.InteractionCard, extra json.RawMessage) error {
	id, err := entryRef(card.LinkedEntityRef)
	if err != nil {
		return err
	}
	entry, err := h.store.GetEntry(id)
	if err != nil {
		return err
	}
	category := entry.Category
	if len(extra) > 0 {
		var over struct {
			Category string `json:"category"`
		}
		if err := json.Unmarshal(extra, &over); err != nil {
			return fmt.Errorf("confirm payload: %v: %w", err, ErrBadPayload)
		}
		if over.Category != "" {
			category = over.Category
		}
	}
	if err := h.store.UpdateEntryState(id, types.EntryAudited, types.EntryPosted); err != nil {
		return err
	}
	if h.bridge != nil {
		if _, err := h.bridge.Learn(knowledge.LearnInput{
			Keyword:  entry.Vendor,
			Category: category,
			TenantID: entry.TenantID,
		}, knowledge.OriginManual); err != nil {
			// the post stands even when the rule is refused
			h.logger.Warn().Err(err).Uint64("entry_id", id).Msg("manual rule not learned")
		}
	}
	h.publish(&events.Event{
		Type:    events.EventEntryPosted,
		TraceID: entry.TraceID,
		Message: fmt.Sprintf("%s %s posted by reviewer", entry.Vendor, entry.Amount.StringFixed(2)),
		Metadata: map[string]string{
			"entry_id": strconv.FormatUint(id, 10),
			"vendor":   entry.Vendor,
			"category": category,
		},
	})
	h.logger.Info().Uint64("entry_id", id).Str("category", category).Msg("entry confirmed")
	return nil
}

// rejectEntry refuses a held entry. When the entry was proposed by a gray
// rule the rejection counts against that rule.
func (h *Hub) rejectEntry(card *types.InteractionCard) error {
	id, err := entryRef(card.LinkedEntityRef)
	if err != nil {
		return err
	}
	entry, err := h.store.GetEntry(id)
	if err != nil {
		return err
	}
	if err := h.store.UpdateEntryState(id, types.EntryAudited, types.EntryRejected); err != nil {
		return err
	}
	if h.bridge != nil && entry.MatchedRule != "" {
		if err := h.bridge.RecordReject(entry.MatchedRule); err != nil && !errors.Is(err, storage.ErrNotFound) {
			h.logger.Warn().Err(err).Str("rule_id", entry.MatchedRule).Msg("reject not recorded")
		}
	}
	h.publish(&events.Event{
		Type:    events.EventEntryRejected,
		TraceID: entry.TraceID,
		Message: fmt.Sprintf("%s %s rejected by reviewer", entry.Vendor, entry.Amount.StringFixed(2)),
		Metadata: map[string]string{
			"entry_id": strconv.FormatUint(id, 10),
			"vendor":   entry.Vendor,
		},
	})
	h.logger.Info().Uint64("entry_id", id).Msg("entry rejected")
	return nil
}

// batchConfirm applies the card's stored selection, or the narrowed
// selection the caller sent back, in one store transaction.
func (h *Hub) batchConfirm(card *types.InteractionCard, extra json.RawMessage) error {
	payload := card.Payload
	if len(extra) > 0 {
		payload = extra
	}
	var sel batchSelection
	if err := json.Unmarshal(payload, &sel); err != nil {
		return fmt.Errorf("batch payload: %v: %w", err, ErrBadPayload)
	}
	if len(sel.Pairs) == 0 && len(sel.Groups) == 0 {
		return fmt.Errorf("batch payload selects nothing: %w", ErrBadPayload)
	}
	n, err := h.store.ConfirmMatches(sel.Pairs, sel.Groups)
	if err != nil {
		return err
	}
	h.logger.Info().
		Int("rows", n).
		Int("pairs", len(sel.Pairs)).
		Int("groups", len(sel.Groups)).
		Str("card_id", card.CardID).
		Msg("batch confirmed")
	return nil
}

// --- event conversions ---

func (h *Hub) reviewCard(ev *events.Event) {
	entryID, ok := metaUint(ev.Metadata, "entry_id")
	if !ok {
		h.logger.Warn().Str("event", string(ev.Type)).Msg("review event without entry id")
		return
	}
	spec := CardSpec{
		Kind:  KindReview,
		Title: fmt.Sprintf("Review %s %s", ev.Metadata["vendor"], ev.Metadata["amount"]),
		Body:  ev.Message,
		Fields: map[string]string{
			"vendor":   ev.Metadata["vendor"],
			"category": ev.Metadata["category"],
			"amount":   ev.Metadata["amount"],
		},
		Buttons: []Button{
			{Action: types.ActionConfirm, Label: "Confirm"},
			{Action: types.ActionReject, Label: "Reject"},
		},
		TraceID:      ev.TraceID,
		RequiredRole: RoleAccountant,
		LinkedRef:    "entry/" + strconv.FormatUint(entryID, 10),
	}
	if _, err := h.CreateCard(spec); err != nil {
		h.logger.Error().Err(err).Uint64("entry_id", entryID).Msg("review card not issued")
	}
}

// matchCard raises a one-click confirmation for a high-confidence match.
// Auto-posted rows arrive already RECONCILED and are left alone.
func (h *Hub) matchCard(ev *events.Event) {
	if ref := ev.Metadata["group"]; ref != "" {
		h.groupCard(ev, ref)
		return
	}
	pendingID, ok := metaUint(ev.Metadata, "pending_id")
	if !ok {
		return
	}
	entryID, ok := metaUint(ev.Metadata, "entry_id")
	if !ok {
		return
	}
	p, err := h.store.GetPendingEntry(pendingID)
	if err != nil {
		h.logger.Warn().Err(err).Uint64("pending_id", pendingID).Msg("matched row unavailable")
		return
	}
	if p.Status != types.PendingMatched {
		return
	}
	payload, err := json.Marshal(batchSelection{Pairs: []types.MatchPair{{PendingID: pendingID, EntryID: entryID}}})
	if err != nil {
		return
	}
	spec := CardSpec{
		Kind:  KindMatchConfirm,
		Title: fmt.Sprintf("Confirm match %s %s", ev.Metadata["vendor"], ev.Metadata["amount"]),
		Body:  ev.Message,
		Fields: map[string]string{
			"vendor": ev.Metadata["vendor"],
			"amount": ev.Metadata["amount"],
			"score":  ev.Metadata["score"],
		},
		Buttons:      []Button{{Action: types.ActionBatchConfirm, Label: "Confirm"}},
		TraceID:      ev.TraceID,
		RequiredRole: RoleAccountant,
		LinkedRef:    "pending/" + strconv.FormatUint(pendingID, 10),
		Payload:      payload,
	}
	if _, err := h.CreateCard(spec); err != nil {
		h.logger.Error().Err(err).Uint64("pending_id", pendingID).Msg("match card not issued")
	}
}

func (h *Hub) groupCard(ev *events.Event, ref string) {
	g, err := h.store.GetMatchGroup(ref)
	if err != nil {
		h.logger.Warn().Err(err).Str("ref", ref).Msg("match group unavailable")
		return
	}
	if g.Status != types.PendingMatched {
		return
	}
	payload, err := json.Marshal(batchSelection{Groups: []string{ref}})
	if err != nil {
		return
	}
	spec := CardSpec{
		Kind:  KindMatchConfirm,
		Title: fmt.Sprintf("Confirm group settlement %s", g.Vendor),
		Body:  ev.Message,
		Fields: map[string]string{
			"vendor":       g.Vendor,
			"total_amount": g.Total.StringFixed(2),
			"flows":        strconv.Itoa(len(g.PendingIDs)),
			"entries":      strconv.Itoa(len(g.EntryIDs)),
		},
		Buttons:      []Button{{Action: types.ActionBatchConfirm, Label: "Confirm"}},
		TraceID:      ev.TraceID,
		RequiredRole: RoleAccountant,
		LinkedRef:    "match/" + ref,
		Payload:      payload,
	}
	if _, err := h.CreateCard(spec); err != nil {
		h.logger.Error().Err(err).Str("ref", ref).Msg("group card not issued")
	}
}

// matchBatchCard rolls the cycle's review-band suggestions into one card.
// The stored payload keeps the full suggestion detail; confirmation needs
// only the ids, extra fields unmarshal away.
func (h *Hub) matchBatchCard(ev *events.Event) {
	raw := ev.Metadata["pairs"]
	var pairs []types.MatchPair
	if err := json.Unmarshal([]byte(raw), &pairs); err != nil || len(pairs) == 0 {
		h.logger.Warn().Str("event", string(ev.Type)).Msg("batch event without usable pairs")
		return
	}
	payload, err := json.Marshal(struct {
		Pairs json.RawMessage `json:"pairs"`
	}{Pairs: json.RawMessage(raw)})
	if err != nil {
		return
	}
	spec := CardSpec{
		Kind:  KindMatchBatch,
		Title: "Batch reconciliation",
		Body:  ev.Message,
		Fields: map[string]string{
			"count":        ev.Metadata["count"],
			"total_amount": ev.Metadata["total_amount"],
		},
		Buttons:      []Button{{Action: types.ActionBatchConfirm, Label: "Confirm all"}},
		TraceID:      ev.TraceID,
		RequiredRole: RoleAccountant,
		Payload:      payload,
	}
	if _, err := h.CreateCard(spec); err != nil {
		h.logger.Error().Err(err).Msg("batch card not issued")
	}
}

// notice enqueues a card-less outbox notification for the given kind.
func (h *Hub) notice(ev *events.Event, kind types.EventKind) {
	env, err := h.renderNotice(ev)
	if err != nil {
		h.logger.Error().Err(err).Str("event", string(ev.Type)).Msg("notice not rendered")
		return
	}
	ob := &types.OutboxEvent{
		EventID: types.NewEventID(),
		Kind:    kind,
		Payload: env,
	}
	if err := h.store.EnqueueOutbox(ob); err != nil {
		h.logger.Error().Err(err).Str("event", string(ev.Type)).Msg("notice not enqueued")
		return
	}
	if kind == types.EventCritical {
		h.logger.Warn().Str("event", string(ev.Type)).Msg("critical alert enqueued")
	} else {
		h.logger.Info().Str("event", string(ev.Type)).Msg("notice enqueued")
	}
}

// --- rendering ---

func (h *Hub) renderCard(card *types.InteractionCard, spec CardSpec) (json.RawMessage, error) {
	fields := make(map[string]string, len(spec.Fields))
	for k, v := range spec.Fields {
		fields[k] = h.guard.Redact(v)
	}
	env := cardEnvelope{
		CardID:    card.CardID,
		Kind:      card.Kind,
		Title:     h.guard.Redact(spec.Title),
		Body:      h.guard.Redact(spec.Body),
		Fields:    fields,
		Buttons:   spec.Buttons,
		Token:     card.CallbackToken,
		ExpiresAt: card.ExpiresAt,
		TraceID:   spec.TraceID,
	}
	if len(spec.Payload) > 0 {
		env.Data = json.RawMessage(h.guard.Redact(string(spec.Payload)))
	}
	return json.Marshal(env)
}

func (h *Hub) renderNotice(ev *events.Event) (json.RawMessage, error) {
	var md map[string]string
	if len(ev.Metadata) > 0 {
		md = make(map[string]string, len(ev.Metadata))
		for k, v := range ev.Metadata {
			md[k] = h.guard.Redact(v)
		}
	}
	return json.Marshal(noticeEnvelope{
		Event:    string(ev.Type),
		Message:  h.guard.Redact(ev.Message),
		TraceID:  ev.TraceID,
		Metadata: md,
		RaisedAt: ev.Timestamp.UnixMilli(),
	})
}

// --- helpers ---

func (h *Hub) publish(ev *events.Event) {
	if h.broker == nil {
		return
	}
	h.broker.Publish(ev)
}

func entryRef(ref string) (uint64, error) {
	rest, ok := strings.CutPrefix(ref, "entry/")
	if !ok {
		return 0, fmt.Errorf("card ref %q is not an entry: %w", ref, ErrBadPayload)
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("card ref %q: %v: %w", ref, err, ErrBadPayload)
	}
	return id, nil
}

func metaUint(md map[string]string, key string) (uint64, bool) {
	v, err := strconv.ParseUint(md[key], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func callbackResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrSignatureInvalid):
		return "bad_signature"
	case errors.Is(err, ErrRoleDenied):
		return "role_denied"
	case errors.Is(err, ErrCardExpired):
		return "expired"
	case errors.Is(err, ErrReplay):
		return "replay"
	case errors.Is(err, ErrBadPayload), errors.Is(err, ErrUnknownAction):
		return "invalid"
	case errors.Is(err, storage.ErrNotFound):
		return "unknown_card"
	case errors.Is(err, storage.ErrBadTransition):
		return "conflict"
	default:
		return "error"
	}
}

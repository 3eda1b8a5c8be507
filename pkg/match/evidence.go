package match

import (
	"fmt"
	"strconv"
	"time"

	"github.com/tallyhq/tally/pkg/events"
	"github.com/tallyhq/tally/pkg/types"
)

// huntEvery spaces the proactive evidence scans; the hunt itself only
// flags rows older than the configured evidence age.
const huntEvery = 4 * time.Hour

// huntEvidence chases missing documents: a statement line still
// unreconciled past the evidence age gets one EVIDENCE_REQUEST, deduped by
// the stamp on the row.
func (e *Engine) huntEvidence() {
	age := e.cfg.EvidenceAge()
	if age <= 0 {
		return
	}
	pendings, err := e.store.ListPendingByStatus(types.PendingUnreconciled)
	if err != nil {
		e.logger.Warn().Err(err).Msg("evidence scan failed")
		return
	}
	cutoff := e.now().Add(-age).UnixMilli()
	for _, p := range pendings {
		if p.InsertedAt > cutoff || p.EvidenceRequestedAt != 0 {
			continue
		}
		if err := e.store.MarkEvidenceRequested(p.ID, e.now().UnixMilli()); err != nil {
			e.logger.Warn().Err(err).Uint64("pending_id", p.ID).Msg("evidence stamp failed")
			continue
		}
		e.publish(&events.Event{
			Type:    events.EventEvidenceRequest,
			TraceID: p.TraceID,
			Message: fmt.Sprintf("no document found for %s %s", p.Counterparty, p.Amount.StringFixed(2)),
			Metadata: map[string]string{
				"pending_id":   strconv.FormatUint(p.ID, 10),
				"counterparty": p.Counterparty,
				"amount":       p.Amount.StringFixed(2),
				"source":       string(p.Source),
			},
		})
		e.logger.Warn().
			Uint64("pending_id", p.ID).
			Str("counterparty", p.Counterparty).
			Str("amount", p.Amount.StringFixed(2)).
			Msg("evidence chain gap, requesting document")
	}
}

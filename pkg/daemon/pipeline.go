package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tallyhq/tally/pkg/agent"
	"github.com/tallyhq/tally/pkg/auditor"
	"github.com/tallyhq/tally/pkg/log"
	"github.com/tallyhq/tally/pkg/storage"
	"github.com/tallyhq/tally/pkg/types"
)

// Bookkeeper is the pipeline spine between the collector and the ledger:
// it consumes document records, asks the accounting agent for a proposal,
// appends the PROPOSED row, and hands it to the auditor for a verdict.
type Bookkeeper struct {
	docs    <-chan types.DocumentRecord
	agent   *agent.Agent
	auditor *auditor.Auditor
	store   storage.Store
	beatFn  func()
	logger  zerolog.Logger
}

// NewBookkeeper wires the classification and audit stages over the
// document stream.
func NewBookkeeper(docs <-chan types.DocumentRecord, ag *agent.Agent, aud *auditor.Auditor, store storage.Store, beat func()) *Bookkeeper {
	if beat == nil {
		beat = func() {}
	}
	return &Bookkeeper{
		docs:    docs,
		agent:   ag,
		auditor: aud,
		store:   store,
		beatFn:  beat,
		logger:  log.WithComponent("bookkeeper"),
	}
}

// Name implements Worker.
func (b *Bookkeeper) Name() string { return "bookkeeper" }

// Probe implements Worker with a cheap chain-head read.
func (b *Bookkeeper) Probe(_ context.Context) error {
	_, _, err := b.store.ChainHead()
	return err
}

// Run consumes documents until the context is canceled. Every document
// outcome is terminal: posted, parked for review, rejected, or logged as a
// duplicate. A failure on one document never takes the loop down.
func (b *Bookkeeper) Run(ctx context.Context) error {
	tick := time.NewTicker(10 * time.Second)
	defer tick.Stop()

	for {
		b.beatFn()
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		case doc, ok := <-b.docs:
			if !ok {
				return nil
			}
			if err := b.process(ctx, doc); err != nil && ctx.Err() == nil {
				b.logger.Error().Err(err).Str("trace_id", doc.TraceID).Msg("document failed")
			}
		}
	}
}

// process runs one document through classify, append, audit.
func (b *Bookkeeper) process(ctx context.Context, doc types.DocumentRecord) error {
	proposal, err := b.agent.Classify(ctx, doc)
	if err != nil {
		return fmt.Errorf("classify: %w", err)
	}

	entry := &types.LedgerEntry{
		TraceID:      doc.TraceID,
		TenantID:     doc.TenantID,
		Amount:       doc.Amount,
		Vendor:       doc.Vendor,
		Category:     proposal.Category,
		OccurredAt:   doc.OccurredAt,
		GroupID:      doc.GroupID,
		ProjectID:    doc.ProjectID,
		InferenceLog: proposal.InferenceLog,
		MatchedRule:  proposal.MatchedRule,
	}

	id, err := b.store.AppendEntry(entry)
	if err != nil {
		var dup *storage.DuplicateTraceError
		if errors.As(err, &dup) {
			// Same document seen twice: the prior entry stands, nothing to do.
			b.logger.Info().
				Str("trace_id", doc.TraceID).
				Uint64("prior_id", dup.PriorID).
				Msg("duplicate trace, entry already ledgered")
			return nil
		}
		if errors.Is(err, storage.ErrChainBroken) {
			return fmt.Errorf("append refused, chain broken: %w", err)
		}
		return fmt.Errorf("append: %w", err)
	}

	if _, err := b.auditor.Process(auditor.Input{Doc: doc, Proposal: proposal, EntryID: id}); err != nil {
		return fmt.Errorf("audit entry %d: %w", id, err)
	}
	b.beatFn()
	return nil
}

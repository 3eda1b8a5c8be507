/*
Package events provides an in-memory event broker for Tally's pub/sub
messaging.

The broker is advisory plumbing between pipeline workers: the auditor and
match engine publish decision events, the interaction hub subscribes and
turns card-worthy ones into durable outbox rows. Durability lives in the
outbox, never here; a dropped broker event can delay a card but cannot lose
ledger state.

# Architecture

Non-blocking fan-out over buffered channels:

	Publisher -> event channel (buffer 100) -> broadcast loop
	          -> subscriber channels (buffer 50 each, full buffers skip)

# Event Types

Pipeline:
  - entry.posted, entry.needs_review, entry.rejected, entry.risk
  - match.found, match.batch, evidence.request

Operator:
  - chain.break, worker.quarantined, budget.exhausted, outbox.backlog

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			switch event.Type {
			case events.EventEntryNeedsReview:
				// raise an interaction card
			}
		}
	}()

	broker.Publish(&events.Event{
		Type:    events.EventEntryNeedsReview,
		TraceID: entry.TraceID,
		Message: "confidence below review band",
	})
*/
package events

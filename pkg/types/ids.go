package types

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// NowMillis returns the current UTC time as epoch milliseconds, the unit
// every persisted timestamp uses.
func NowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}

// TimeFromMillis converts a persisted timestamp back to time.Time.
func TimeFromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// NewTraceID returns a flow identifier of the form T-NNNNNN-hhhhhhhh.
// The hex tail comes from a UUID so ids stay unique under burst ingestion.
func NewTraceID() string {
	u := uuid.New()
	return fmt.Sprintf("T-%06d-%s", rand.Intn(1000000), u.String()[:8])
}

// NewGroupID returns a multimodal group identifier of the form
// SG-<unix>-hhhh shared by captures clustered in the same time window.
func NewGroupID(at time.Time) string {
	u := uuid.New()
	return fmt.Sprintf("SG-%d-%s", at.Unix(), u.String()[:4])
}

// NewEventID returns an outbox event identifier.
func NewEventID() string {
	return "evt-" + uuid.New().String()
}

// NewRuleID returns a knowledge rule identifier.
func NewRuleID() string {
	return "rule-" + uuid.New().String()[:8]
}

// NewCardID returns an interaction card identifier.
func NewCardID() string {
	return "card-" + uuid.New().String()
}

// NewSnapshotID returns a snapshot identifier.
func NewSnapshotID() string {
	return "snap-" + uuid.New().String()[:8]
}

// NewExportID returns a ledger export identifier.
func NewExportID() string {
	return "exp-" + uuid.New().String()[:8]
}

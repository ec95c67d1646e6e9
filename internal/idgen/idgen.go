// Package idgen centralizes ID generation. Queue items (extraction jobs
// included) and snapshots use xid (time-sortable); NewCeremonyBatchID uses
// uuid (global uniqueness, no ordering need).
package idgen

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

// NewQueueItemID returns a time-sortable ID combining a millisecond
// timestamp with a random suffix.
func NewQueueItemID(nowMs int64) string {
	return fmt.Sprintf("%d-%s", nowMs, xid.New().String())
}

// NewSnapshotID returns a time-sortable snapshot ID.
func NewSnapshotID() string {
	return xid.New().String()
}

// NewCeremonyBatchID returns a globally unique, non-sortable ID for a daily
// verification batch.
func NewCeremonyBatchID() string {
	return uuid.NewString()
}

// NowMs returns the current time in epoch milliseconds. Centralized so
// callers never sprinkle time.Now().UnixMilli() directly.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// Now returns the current wall-clock time, for callers (e.g. the ceremony
// batch selector) that need a time.Time rather than raw milliseconds.
func Now() time.Time {
	return time.Now()
}

package constants

// ItemStatus is the canonical status for rows in queue_items.
type ItemStatus string

// Stable values (store these exact strings in DB).
const (
	ItemStatusPending     ItemStatus = "pending"      // queued, not yet claimed
	ItemStatusProcessing  ItemStatus = "processing"   // in progress
	ItemStatusCompleted   ItemStatus = "completed"    // extracted, validated, record persisted
	ItemStatusError       ItemStatus = "error"        // terminal failure after retries
	ItemStatusNeedsReview ItemStatus = "needs_review" // extracted but failed a critical rule; not published
)

// Terminal reports whether an item status admits no further transitions.
func (s ItemStatus) Terminal() bool {
	switch s {
	case ItemStatusCompleted, ItemStatusError, ItemStatusNeedsReview:
		return true
	}
	return false
}

// SyncStatus is the canonical status for rows in sync_jobs.
type SyncStatus string

const (
	SyncStatusPending    SyncStatus = "pending"
	SyncStatusProcessing SyncStatus = "processing"
	SyncStatusCompleted  SyncStatus = "completed"
	SyncStatusError      SyncStatus = "error"
)

// Terminal reports whether a sync job status admits no further transitions.
func (s SyncStatus) Terminal() bool {
	return s == SyncStatusCompleted || s == SyncStatusError
}

// RecordStatus is the lifecycle state of a persisted tax record.
type RecordStatus string

const (
	RecordStatusExtracted RecordStatus = "extracted" // auto-admitted from the pipeline
	RecordStatusConfirmed RecordStatus = "confirmed" // reviewed and confirmed by an operator
)

package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/agustin-herrera/taxdocs-tracker/constants"
)

// SyncJob is one per-entity synchronization unit within a batch.
type SyncJob struct {
	ID       uuid.UUID `json:"id"`
	BatchID  uuid.UUID `json:"batch_id"`
	TargetID uuid.UUID `json:"target_id"`
	// Period is the tax period being synchronized, YYYY-MM. Stamped once at
	// scheduling time and shared by every job in the batch.
	Period       string               `json:"period"`
	Status       constants.SyncStatus `json:"status"`
	ErrorMessage *string              `json:"error_message,omitempty"`
	UnitsSynced  int                  `json:"units_synced"`
	CreatedAt    time.Time            `json:"created_at"`
	StartedAt    *time.Time           `json:"started_at,omitempty"`
	CompletedAt  *time.Time           `json:"completed_at,omitempty"`
}

package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/agustin-herrera/taxdocs-tracker/constants"
)

// QueueItem represents one unit of ingestion work for data transfer between layers.
type QueueItem struct {
	ID           uuid.UUID            `json:"id"`
	OwnerID      uuid.UUID            `json:"owner_id"`
	FileName     string               `json:"file_name"`
	MediaType    string               `json:"media_type"`
	Payload      []byte               `json:"-"`
	Status       constants.ItemStatus `json:"status"`
	Fields       *DocumentFields      `json:"fields,omitempty"`
	Confidence   *float64             `json:"confidence,omitempty"` // 0..100, set once processed
	Warnings     []string             `json:"warnings,omitempty"`
	Attempts     int                  `json:"attempts"`
	ErrorMessage *string              `json:"error_message,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	StartedAt    *time.Time           `json:"started_at,omitempty"`
	CompletedAt  *time.Time           `json:"completed_at,omitempty"`
}

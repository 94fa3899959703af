package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/agustin-herrera/taxdocs-tracker/constants"
)

// DocumentFields is the normalized shape we want from the classifier.
// Monetary amounts are decimal strings to survive JSON round-trips intact.
type DocumentFields struct {
	TaxID             string `json:"tax_id"`
	IssuerName        string `json:"issuer_name"`
	CertificateNumber string `json:"certificate_number,omitempty"`
	CertifiedCode     string `json:"certified_code,omitempty"` // unique code stamped by the authority
	IssueDate         string `json:"issue_date"`               // YYYY-MM-DD
	TotalAmount       string `json:"total_amount"`
	WithheldAmount    string `json:"withheld_amount,omitempty"`
	Category          string `json:"category,omitempty"`
	CurrencyCode      string `json:"currency_code,omitempty"`
	Description       string `json:"description,omitempty"`
}

// TaxRecord is a persisted, admitted document for data transfer between layers.
type TaxRecord struct {
	ID                uuid.UUID              `json:"id"`
	OwnerID           uuid.UUID              `json:"owner_id"`
	SourceItemID      *uuid.UUID             `json:"source_item_id,omitempty"`
	TaxID             string                 `json:"tax_id"`
	IssuerName        string                 `json:"issuer_name"`
	CertificateNumber string                 `json:"certificate_number,omitempty"`
	CertifiedCode     string                 `json:"certified_code,omitempty"`
	IssueDate         time.Time              `json:"issue_date"`
	TotalAmount       float64                `json:"total_amount"`
	WithheldAmount    float64                `json:"withheld_amount"`
	Category          string                 `json:"category,omitempty"`
	CurrencyCode      string                 `json:"currency_code,omitempty"`
	Description       string                 `json:"description,omitempty"`
	Status            constants.RecordStatus `json:"status"`
	AssetPath         string                 `json:"asset_path,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
}

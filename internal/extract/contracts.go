package extract

import (
	"context"

	"github.com/agustin-herrera/taxdocs-tracker/internal/entity"
)

// ExtractRequest carries one raw document to the classifier.
type ExtractRequest struct {
	Payload      []byte
	MediaType    string
	FileNameHint string
}

// FieldExtractor is the interface the batch pipeline depends on.
// The raw JSON is returned alongside the parsed fields for audit trails.
type FieldExtractor interface {
	ExtractFields(ctx context.Context, req ExtractRequest) (entity.DocumentFields, []byte /*rawJSON*/, error)
}

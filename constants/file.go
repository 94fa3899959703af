package constants

import "strings"

// AllowedMediaTypes holds the document payload types accepted by ingestion.
var AllowedMediaTypes = map[string]struct{}{
	"application/pdf": {},
	"image/jpeg":      {},
	"image/png":       {},
	"text/plain":      {},
}

const (
	// MaxDocumentBytes caps a single document payload.
	MaxDocumentBytes = 10 << 20 // 10 MiB

	// MaxDocumentsPerCall caps how many documents one ingestion call may carry.
	MaxDocumentsPerCall = 50
)

// NormalizeMediaType lowercases and strips any parameters (e.g. "; charset=utf-8").
func NormalizeMediaType(mt string) string {
	mt = strings.ToLower(strings.TrimSpace(mt))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt
}

// AllowedMediaType reports whether ingestion accepts the given media type.
func AllowedMediaType(mt string) bool {
	_, ok := AllowedMediaTypes[NormalizeMediaType(mt)]
	return ok
}

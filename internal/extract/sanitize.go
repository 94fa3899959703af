package extract

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"strings"
)

// NormalizeAndSanitizeJSON
// - Renames known synonyms (cuit -> tax_id, retention_amount -> withheld_amount)
// - Drops null/empty optionals
// - Coerces numeric -> string for money-ish fields
// - Removes unknown keys (strict additionalProperties = false friendliness)
func NormalizeAndSanitizeJSON(raw []byte, logger *slog.Logger) ([]byte, []string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, fmt.Errorf("sanitize: decode: %w", err)
	}

	dropped := make([]string, 0, 8)
	renamed := func(from, to string) {
		if v, ok := m[from]; ok {
			// don't overwrite existing value if already present
			if _, exists := m[to]; !exists {
				m[to] = v
			}
			delete(m, from)
			dropped = append(dropped, from+"->"+to)
		}
	}

	// 1) rename synonyms to our schema
	renamed("cuit", "tax_id")
	renamed("taxpayer_id", "tax_id")
	renamed("retention_amount", "withheld_amount")
	renamed("withholding", "withheld_amount")
	renamed("total", "total_amount")
	renamed("cae", "certified_code")

	// 2) drop null / "" for optionals; coerce money fields to strings
	moneyFields := []string{"total_amount", "withheld_amount"}
	coerceMoney := func(k string) {
		if v, ok := m[k]; ok {
			switch t := v.(type) {
			case float64:
				m[k] = fmt.Sprintf("%.2f", t)
			case int:
				m[k] = fmt.Sprintf("%d", t)
			case string:
				s := strings.TrimSpace(t)
				if s == "" {
					delete(m, k)
					dropped = append(dropped, k+"(empty)")
				} else {
					m[k] = s
				}
			case nil:
				delete(m, k)
				dropped = append(dropped, k+"(null)")
			default:
				// unexpected type -> drop
				delete(m, k)
				dropped = append(dropped, k+"(type)")
			}
		}
	}
	for _, k := range moneyFields {
		coerceMoney(k)
	}

	// 3) normalize currency casing
	if v, ok := m["currency_code"].(string); ok {
		cc := strings.ToUpper(strings.TrimSpace(v))
		if cc != "" {
			m["currency_code"] = cc
		} else {
			delete(m, "currency_code")
			dropped = append(dropped, "currency_code(empty)")
		}
	}

	// 4) remove unknown keys (everything not in the schema set below)
	allowed := map[string]struct{}{
		"tax_id": {}, "issuer_name": {}, "certificate_number": {}, "certified_code": {},
		"issue_date": {}, "total_amount": {}, "withheld_amount": {}, "category": {},
		"currency_code": {}, "description": {},
	}
	for k := range maps.Clone(m) {
		if _, ok := allowed[k]; !ok {
			delete(m, k)
			dropped = append(dropped, k+"(unknown)")
		}
	}

	// 5) trim obvious strings
	trimKeys := []string{"tax_id", "issuer_name", "certificate_number", "certified_code", "issue_date", "category", "description"}
	for _, k := range trimKeys {
		if v, ok := m[k].(string); ok {
			s := strings.TrimSpace(v)
			if s == "" {
				delete(m, k)
				dropped = append(dropped, k+"(empty)")
			} else {
				m[k] = s
			}
		}
	}

	out, err := json.Marshal(m)
	if err != nil {
		return nil, dropped, fmt.Errorf("sanitize: encode: %w", err)
	}
	if len(dropped) > 0 {
		logger.Warn("extract.normalize_sanitize", "dropped", dropped)
	}
	return out, dropped, nil
}

package extract

// BuildDocumentJSONSchema returns a JSON-Schema (draft 2020-12 subset) as a generic map.
// We pass this to the classifier as a structured output constraint and also use it
// locally to validate what comes back.
func BuildDocumentJSONSchema(allowedCategories []string) map[string]any {
	props := map[string]any{
		"tax_id":             map[string]any{"type": "string", "minLength": 1},
		"issuer_name":        map[string]any{"type": "string"},
		"certificate_number": map[string]any{"type": "string"},
		"certified_code":     map[string]any{"type": "string"},
		"issue_date":         map[string]any{"type": "string", "pattern": `^\d{4}-\d{2}-\d{2}$`},
		"total_amount":       decimalProp(),
		"withheld_amount":    decimalProp(),
		"category":           map[string]any{"type": "string"},
		"currency_code":      map[string]any{"type": "string", "minLength": 3, "maxLength": 3},
		"description":        map[string]any{"type": "string"},
	}
	required := []string{"tax_id", "issuer_name", "issue_date", "total_amount"}

	// Constrain category if a taxonomy is provided.
	if len(allowedCategories) > 0 {
		props["category"] = map[string]any{
			"type": "string",
			"enum": allowedCategories,
		}
	}

	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           props,
		"required":             required,
	}
}

func decimalProp() map[string]any {
	return map[string]any{
		"type":    "string",
		"pattern": `^-?\d+(\.\d{1,2})?$`,
	}
}

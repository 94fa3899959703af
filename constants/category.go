package constants

import (
	"strings"
)

// Category is the withholding regime a document belongs to.
type Category string

const (
	Goods            Category = "Goods"
	Services         Category = "Services"
	ProfessionalFees Category = "ProfessionalFees"
	Rent             Category = "Rent"
	Freight          Category = "Freight"
	Construction     Category = "Construction"
	Commissions      Category = "Commissions"
	Royalties        Category = "Royalties"
	InterestPayments Category = "InterestPayments"
	ExemptOperations Category = "ExemptOperations"
	Other            Category = "Other"
)

var allCategories = []Category{
	Goods,
	Services,
	ProfessionalFees,
	Rent,
	Freight,
	Construction,
	Commissions,
	Royalties,
	InterestPayments,
	ExemptOperations,
	Other,
}

func AsStringSlice() []string {
	result := make([]string, len(allCategories))
	for i, cat := range allCategories {
		result[i] = string(cat)
	}
	return result
}

// Canonicalize maps free-form classifier labels onto the regime enumeration.
func Canonicalize(input string) (Category, bool) {
	if input == "" {
		return Other, false
	}

	normalized := strings.ToLower(strings.TrimSpace(input))

	// synonyms map
	synonyms := map[string]Category{
		"goods purchase":   Goods,
		"merchandise":      Goods,
		"service":          Services,
		"professional fee": ProfessionalFees,
		"honorarium":       ProfessionalFees,
		"lease":            Rent,
		"rental":           Rent,
		"transport":        Freight,
		"shipping":         Freight,
		"commission":       Commissions,
		"interest":         InterestPayments,
		"exempt":           ExemptOperations,
	}

	if cat, ok := synonyms[normalized]; ok {
		return cat, true
	}

	for _, cat := range allCategories {
		if normalized == strings.ToLower(string(cat)) {
			return cat, true
		}
	}

	return Other, false
}

// Package confidence scores extracted document fields before they are
// admitted downstream. Critical rules force a zero score and block
// publication; informative rules only shave the score multiplicatively.
package confidence

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agustin-herrera/taxdocs-tracker/constants"
	"github.com/agustin-herrera/taxdocs-tracker/internal/entity"
)

// Penalty factors for informative checks.
const (
	penaltyIssuerName  = 0.95
	penaltyDateMissing = 0.85
	penaltyDateWindow  = 0.90
	penaltyCategory    = 0.88
	penaltyRate        = 0.95
)

// Bounds for the issue date sanity window.
const (
	maxFutureDate = 366 * 24 * time.Hour     // ~1 year ahead
	maxPastDate   = 5 * 366 * 24 * time.Hour // several years back
)

const minIssuerNameLen = 3

// Result carries the gate outcome.
type Result struct {
	Confidence float64 // 0..100; exactly 0 on any critical failure
	Warnings   []string
}

// CriticalFailure reports whether the record must not be published.
func (r Result) CriticalFailure() bool {
	return r.Confidence == 0
}

// Evaluate scores fields against the critical and informative rules.
// Critical failures short-circuit: the first one encountered zeroes the
// score and no further checks run. Informative failures accumulate
// multiplicatively, in check order, and never block.
func Evaluate(fields entity.DocumentFields, now time.Time) Result {
	// Critical: primary identifier present and checksum-valid.
	taxID := strings.TrimSpace(fields.TaxID)
	if taxID == "" {
		return Result{Confidence: 0, Warnings: []string{"tax ID is missing"}}
	}
	if !ValidTaxID(taxID) {
		return Result{Confidence: 0, Warnings: []string{fmt.Sprintf("tax ID %q fails checksum", taxID)}}
	}

	// Critical: principal amount present and positive.
	total, err := parseAmount(fields.TotalAmount)
	if err != nil || total <= 0 {
		return Result{Confidence: 0, Warnings: []string{"total amount is missing or not positive"}}
	}

	// Critical: withheld amount must stay within [0, total].
	withheld := 0.0
	if fields.WithheldAmount != "" {
		withheld, err = parseAmount(fields.WithheldAmount)
		if err != nil {
			return Result{Confidence: 0, Warnings: []string{"withheld amount is not a valid number"}}
		}
		if withheld < 0 {
			return Result{Confidence: 0, Warnings: []string{
				fmt.Sprintf("withheld amount %.2f is negative", withheld),
			}}
		}
		if withheld > total {
			return Result{Confidence: 0, Warnings: []string{
				fmt.Sprintf("withheld amount %.2f exceeds total %.2f", withheld, total),
			}}
		}
	}

	res := Result{Confidence: 100}

	if len(strings.TrimSpace(fields.IssuerName)) < minIssuerNameLen {
		res.Confidence *= penaltyIssuerName
		res.Warnings = append(res.Warnings, "issuer name is missing or implausibly short")
	}

	if fields.IssueDate == "" {
		res.Confidence *= penaltyDateMissing
		res.Warnings = append(res.Warnings, "issue date is missing")
	} else if date, err := time.ParseInLocation("2006-01-02", fields.IssueDate, time.UTC); err != nil {
		res.Confidence *= penaltyDateMissing
		res.Warnings = append(res.Warnings, fmt.Sprintf("issue date %q is not YYYY-MM-DD", fields.IssueDate))
	} else if date.After(now.Add(maxFutureDate)) || date.Before(now.Add(-maxPastDate)) {
		res.Confidence *= penaltyDateWindow
		res.Warnings = append(res.Warnings, fmt.Sprintf("issue date %s is outside the expected window", fields.IssueDate))
	}

	if _, ok := constants.Canonicalize(fields.Category); !ok {
		res.Confidence *= penaltyCategory
		res.Warnings = append(res.Warnings, fmt.Sprintf("category %q is not a known regime", fields.Category))
	}

	// Derived rate check. Near-zero rates are the exempt case, not a defect.
	rate := withheld / total
	if !constants.NearOfficialRate(rate) {
		res.Confidence *= penaltyRate
		res.Warnings = append(res.Warnings, fmt.Sprintf("derived rate %.4f matches no official rate", rate))
	}

	return res
}

func parseAmount(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// taxIDWeights is the mod-11 weight sequence applied to the first ten digits.
var taxIDWeights = [10]int{5, 4, 3, 2, 7, 6, 5, 4, 3, 2}

// ValidTaxID checks an 11-digit tax identifier (separators tolerated)
// against its mod-11 check digit.
func ValidTaxID(id string) bool {
	digits := make([]int, 0, 11)
	for _, r := range id {
		switch {
		case r >= '0' && r <= '9':
			digits = append(digits, int(r-'0'))
		case r == '-' || r == ' ' || r == '.':
			// separator noise from OCR, ignore
		default:
			return false
		}
	}
	if len(digits) != 11 {
		return false
	}

	sum := 0
	for i, w := range taxIDWeights {
		sum += digits[i] * w
	}
	check := 11 - sum%11
	switch check {
	case 11:
		check = 0
	case 10:
		// no identifier carries a check digit of 10
		return false
	}
	return digits[10] == check
}

package fetch

import (
	"fbextract/internal/graph"
)

// Known structured error identifiers. The graph API reuses code 100 for many
// conditions; the subcode disambiguates.
const (
	errCodeCommon                = 100
	errSubcodeBusinessConversion = 2108006
	errSubcodeObjectNotFound     = 33
)

// Recoverable conditions convert to an empty result at the fetch boundary
// instead of failing the unit of work.
const (
	reasonBusinessConversion = "Media Posted Before Business Account Conversion"
	reason30DayLimit         = "30-day limit exceeded. The date range must be 30 days or less."
	reasonObjectNotFound     = "Account no longer exists or is inaccessible. Remove it or re-run Add Account."
)

// classifyRecoverable inspects an API error for the known recoverable
// conditions. Matching is layered: structured code+subcode when the body
// parses, otherwise case-insensitive phrase search through the error body and
// message.
func classifyRecoverable(ae *graph.APIError) (reason string, ok bool) {
	if ae == nil {
		return "", false
	}

	// Insights requested for media that predates the business-account
	// conversion. The API rejects this, but it simply means "no data".
	if ae.MatchesCode(errCodeCommon, errSubcodeBusinessConversion) ||
		ae.ContainsPhrase("media posted before business account conversion") {
		return reasonBusinessConversion, true
	}

	// Date-range violation on IG insights.
	if ae.ContainsPhrase("there cannot be more than 30 days") {
		return reason30DayLimit, true
	}

	// The account was deleted or the token lost access; old configs keep
	// referencing such accounts.
	if ae.MatchesCode(errCodeCommon, errSubcodeObjectNotFound) ||
		ae.ContainsPhrase("does not exist, cannot be loaded due to missing permissions") {
		return reasonObjectNotFound, true
	}

	return "", false
}

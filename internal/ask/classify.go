package ask

import "strings"

// questionType is the coarse question shape spec.md §4.8 asks the Ask flow
// to detect and treat specially.
type questionType int

const (
	questionPlain questionType = iota
	questionAggregation
	questionRecency
	questionUpdate
	questionAnalytical
)

var aggregationMarkers = []string{"how many", "list all", "count of", "number of"}
var recencyMarkers = []string{"current", "latest", "most recent", "now", "today"}
var updateBeforeMarkers = []string{"before", "previously", "used to"}
var updateNowMarkers = []string{"now", "currently", "these days"}
var analyticalMarkers = []string{"changed", "reverted", "compare", "difference between", "why did"}

// classify detects which special handling, if any, a question needs.
// Update questions require both a "before" marker and a "now" marker, per
// spec.md ("both 'before' and 'now' markers").
func classify(question string) questionType {
	q := strings.ToLower(question)

	hasBefore := containsAny(q, updateBeforeMarkers)
	hasNow := containsAny(q, updateNowMarkers)
	if hasBefore && hasNow {
		return questionUpdate
	}
	if containsAny(q, analyticalMarkers) {
		return questionAnalytical
	}
	if containsAny(q, aggregationMarkers) {
		return questionAggregation
	}
	if containsAny(q, recencyMarkers) {
		return questionRecency
	}
	return questionPlain
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "of": {}, "in": {}, "on": {}, "to": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "and": {}, "or": {}, "for": {},
	"with": {}, "what": {}, "who": {}, "when": {}, "where": {}, "how": {},
	"did": {}, "does": {}, "do": {}, "it": {}, "that": {}, "this": {},
}

// longestNonStopwordToken returns the longest token in query that is not a
// stopword, used as the Ask flow's zero-hit fallback (spec.md §4.8: "first
// proper-noun / long non-stopword token").
func longestNonStopwordToken(query string) string {
	best := ""
	for _, tok := range strings.Fields(query) {
		clean := strings.Trim(strings.ToLower(tok), ".,!?;:\"'")
		if clean == "" {
			continue
		}
		if _, stop := stopwords[clean]; stop {
			continue
		}
		if len(clean) > len(best) {
			best = clean
		}
	}
	return best
}

// singularPluralVariant returns an alternate form of token: strips a
// trailing "s" if present, otherwise appends one. Used as a zero-hit
// fallback step.
func singularPluralVariant(token string) string {
	if token == "" {
		return token
	}
	if strings.HasSuffix(token, "s") && len(token) > 1 {
		return strings.TrimSuffix(token, "s")
	}
	return token + "s"
}

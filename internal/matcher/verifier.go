package matcher

import (
	"context"
	"math"
	"regexp"
	"strings"

	"predictarb/pkg/types"
)

// HeuristicVerifier scores candidate pairs deterministically from lexical
// overlap plus a handful of question-shape patterns. It never returns more
// than 0.95; full confidence is reserved for out-of-process verifiers.
type HeuristicVerifier struct{}

func NewHeuristicVerifier() *HeuristicVerifier { return &HeuristicVerifier{} }

const verifierCap = 0.95

var (
	willWinRe = regexp.MustCompile(`\bwill\b.*\bwin\b`)
	byYearRe  = regexp.MustCompile(`\bby\b.*\b20\d{2}\b`)
	priceOfRe = regexp.MustCompile(`\bprice of\b`)
)

// Verify scores the pair. Base score is the Jaccard similarity of the full
// text; shared question shapes and close end dates add bonuses.
func (v *HeuristicVerifier) Verify(_ context.Context, poly, kalshi types.Market) (float64, error) {
	pw := wordSet(poly.Title + " " + poly.Description)
	kw := wordSet(kalshi.Title + " " + kalshi.Description)
	score := jaccard(pw, kw)

	pt := strings.ToLower(poly.Title)
	kt := strings.ToLower(kalshi.Title)
	for _, re := range []*regexp.Regexp{willWinRe, byYearRe, priceOfRe} {
		if re.MatchString(pt) && re.MatchString(kt) {
			score += 0.10
		}
	}

	// End dates landing within a day of each other are strong evidence the
	// markets resolve on the same event.
	gap := math.Abs(poly.EndDate.Sub(kalshi.EndDate).Hours())
	switch {
	case gap <= 24:
		score += 0.10
	case gap <= 72:
		score += 0.05
	}

	return math.Min(score, verifierCap), nil
}

// Package matcher pairs equivalent binary markets across venues. Matching
// runs in two stages: a cheap lexical filter produces candidates, then a
// Verifier scores each candidate and only high-confidence pairs survive.
// The detector consumes the resulting pairs for cross-venue arbitrage.
package matcher

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"predictarb/internal/config"
	"predictarb/pkg/types"
)

// Pair is an accepted cross-venue market equivalence.
type Pair struct {
	Key        string // polymarketExternalID:kalshiExternalID
	Polymarket types.Market
	Kalshi     types.Market
	Jaccard    float64
	Confidence float64
	MatchedAt  time.Time
	Active     bool
}

// Verifier scores a candidate pair in [0,1]. Implementations may be a local
// heuristic or an out-of-process judge.
type Verifier interface {
	Verify(ctx context.Context, poly, kalshi types.Market) (float64, error)
}

// Matcher maintains the set of active cross-venue pairs.
type Matcher struct {
	cfg      config.MatcherConfig
	verifier Verifier
	logger   *slog.Logger

	mu    sync.RWMutex
	pairs map[string]*Pair
}

// New builds a matcher. A nil verifier falls back to the built-in heuristic.
func New(cfg config.MatcherConfig, verifier Verifier, logger *slog.Logger) *Matcher {
	if verifier == nil {
		verifier = NewHeuristicVerifier()
	}
	return &Matcher{
		cfg:      cfg,
		verifier: verifier,
		logger:   logger.With("component", "matcher"),
		pairs:    make(map[string]*Pair),
	}
}

type candidate struct {
	poly    types.Market
	kalshi  types.Market
	jaccard float64
}

// Match scans the given market universes and returns the pairs accepted in
// this pass. Markets may arrive in either argument; they are bucketed by
// venue, so Match(a, b) and Match(b, a) produce identical pairs.
func (m *Matcher) Match(ctx context.Context, a, b []types.Market) ([]Pair, error) {
	var polys, kalshis []types.Market
	for _, mk := range a {
		m.bucket(mk, &polys, &kalshis)
	}
	for _, mk := range b {
		m.bucket(mk, &polys, &kalshis)
	}

	maxGap := time.Duration(m.cfg.MaxEndDateGapDays) * 24 * time.Hour
	polyWords := make([]map[string]struct{}, len(polys))
	for i, p := range polys {
		polyWords[i] = wordSet(p.Title + " " + p.Description)
	}

	var candidates []candidate
	for _, k := range kalshis {
		if !k.IsActive {
			continue
		}
		kw := wordSet(k.Title + " " + k.Description)
		for i, p := range polys {
			if !p.IsActive {
				continue
			}
			if gap := p.EndDate.Sub(k.EndDate); gap > maxGap || gap < -maxGap {
				continue
			}
			j := jaccard(polyWords[i], kw)
			if j < m.cfg.MinJaccard {
				continue
			}
			candidates = append(candidates, candidate{poly: p, kalshi: k, jaccard: j})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].jaccard != candidates[j].jaccard {
			return candidates[i].jaccard > candidates[j].jaccard
		}
		return pairKey(candidates[i].poly, candidates[i].kalshi) <
			pairKey(candidates[j].poly, candidates[j].kalshi)
	})
	if m.cfg.MaxCandidates > 0 && len(candidates) > m.cfg.MaxCandidates {
		candidates = candidates[:m.cfg.MaxCandidates]
	}

	var accepted []Pair
	for _, c := range candidates {
		if ctx.Err() != nil {
			return accepted, ctx.Err()
		}
		conf, err := m.verifier.Verify(ctx, c.poly, c.kalshi)
		if err != nil {
			m.logger.Warn("verification failed",
				"poly", c.poly.ID, "kalshi", c.kalshi.ID, "error", err)
			continue
		}
		if conf < m.cfg.MinConfidence {
			continue
		}
		p := m.upsert(c, conf)
		accepted = append(accepted, p)
		m.logger.Info("matched markets",
			"pair", p.Key, "jaccard", p.Jaccard, "confidence", p.Confidence)
	}
	return accepted, nil
}

func (m *Matcher) bucket(mk types.Market, polys, kalshis *[]types.Market) {
	switch mk.Venue {
	case types.VenuePolymarket:
		*polys = append(*polys, mk)
	case types.VenueKalshi:
		*kalshis = append(*kalshis, mk)
	}
}

func (m *Matcher) upsert(c candidate, conf float64) Pair {
	key := pairKey(c.poly, c.kalshi)
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pairs[key]
	if !ok {
		p = &Pair{Key: key, MatchedAt: time.Now()}
		m.pairs[key] = p
	}
	p.Polymarket = c.poly
	p.Kalshi = c.kalshi
	p.Jaccard = c.jaccard
	p.Confidence = conf
	p.Active = true
	return *p
}

// Pairs returns a snapshot of the currently active pairs.
func (m *Matcher) Pairs() []Pair {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Pair, 0, len(m.pairs))
	for _, p := range m.pairs {
		if p.Active {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Deactivate retires every pair involving the given market. Fires when a
// market resolves, suspends, or leaves the tracked universe.
func (m *Matcher) Deactivate(marketID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pairs {
		if p.Polymarket.ID == marketID || p.Kalshi.ID == marketID {
			p.Active = false
		}
	}
}

func pairKey(poly, kalshi types.Market) string {
	return poly.ExternalID + ":" + kalshi.ExternalID
}

// ————————————————————————————————————————————————————————————————————————
// Lexical similarity
// ————————————————————————————————————————————————————————————————————————

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "at": {}, "be": {}, "by": {}, "for": {},
	"in": {}, "is": {}, "of": {}, "on": {}, "or": {}, "the": {}, "to": {},
	"will": {},
}

// wordSet lowercases, strips punctuation and stopwords, and returns the
// remaining unique words.
func wordSet(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, w := range fields {
		if _, skip := stopwords[w]; skip {
			continue
		}
		set[w] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

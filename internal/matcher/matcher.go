// Package matcher detects spoken anchor phrases in the trailing window of a
// noisy, continuously updated transcript and turns them into debounced,
// confirmed fire decisions.
package matcher

import (
	"math"
	"time"

	"github.com/cuelinelabs/cueline-core/internal/config"
	"github.com/cuelinelabs/cueline-core/internal/script"
	"github.com/cuelinelabs/cueline-core/internal/textnorm"
)

const (
	minOrderedCoverage = 0.80
	orderedWeight      = 0.70
	consecutiveWeight  = 0.30
	fuzzyScoreCap      = 0.95
)

// Fire is an authoritative "jump now" decision: confirmed twice and past
// all cooldowns.
type Fire struct {
	Anchor     script.Anchor
	Confidence float64
	At         time.Time
}

type pendingMatch struct {
	anchorID string
	at       time.Time
}

// Matcher scans transcript tails for anchor phrases. It is owned by a single
// goroutine (the engine's result loop) and is not safe for concurrent use.
type Matcher struct {
	cfg     config.MatcherConfig
	eq      textnorm.WordEq
	anchors []script.Anchor

	pending      *pendingMatch
	lastFired    map[string]time.Time
	lastAnyFired time.Time
}

// New builds a Matcher over a snapshot of anchor candidates.
func New(cfg config.MatcherConfig, anchors []script.Anchor) *Matcher {
	return &Matcher{
		cfg:       cfg,
		eq:        textnorm.NearEqual(cfg.FuzzyWordMinLen),
		anchors:   anchors,
		lastFired: make(map[string]time.Time),
	}
}

// SetAnchors replaces the candidate snapshot; configuration changes rebuild
// it wholesale. Pending state is dropped since it may reference a removed
// anchor.
func (m *Matcher) SetAnchors(anchors []script.Anchor) {
	m.anchors = anchors
	m.pending = nil
}

// Reset clears all transient state: pending candidate and the cooldown
// registry. Called between rehearsal/performance sessions.
func (m *Matcher) Reset() {
	m.pending = nil
	m.lastFired = make(map[string]time.Time)
	m.lastAnyFired = time.Time{}
}

// Ingest scans the full transcript as currently known by the recognizer and
// returns a Fire when an anchor clears scoring, cooldowns and two-hit
// confirmation. The search is restricted to the last TailWindowWords words.
func (m *Matcher) Ingest(transcript string, now time.Time) (Fire, bool) {
	tail := textnorm.Tail(textnorm.Words(transcript), m.cfg.TailWindowWords)

	var (
		best      script.Anchor
		bestScore float64
		found     bool
	)
	for _, a := range m.anchors {
		if !a.Enabled || !a.Valid() {
			continue
		}
		score := m.score(a, tail)
		if score < a.Threshold() {
			continue
		}
		if !found || score > bestScore {
			best = a
			bestScore = score
			found = true
		}
	}

	if found && m.coolingDown(best.ID, now) {
		found = false
	}

	if !found {
		// A pending candidate that aged out without reconfirmation is
		// discarded on the next winnerless call.
		if m.pending != nil && now.Sub(m.pending.at) > m.confirmWindow() {
			m.pending = nil
		}
		return Fire{}, false
	}

	if m.pending == nil || m.pending.anchorID != best.ID || now.Sub(m.pending.at) > m.confirmWindow() {
		// First observation, a superseding candidate, or a stale pending
		// entry: (re)start the confirmation clock.
		m.pending = &pendingMatch{anchorID: best.ID, at: now}
		return Fire{}, false
	}

	m.pending = nil
	m.lastFired[best.ID] = now
	m.lastAnyFired = now
	return Fire{Anchor: best, Confidence: bestScore, At: now}, true
}

func (m *Matcher) confirmWindow() time.Duration {
	return time.Duration(m.cfg.ConfirmWindowMS) * time.Millisecond
}

func (m *Matcher) coolingDown(anchorID string, now time.Time) bool {
	perAnchor := time.Duration(m.cfg.PerAnchorCooldown) * time.Millisecond
	global := time.Duration(m.cfg.GlobalCooldown) * time.Millisecond
	if t, ok := m.lastFired[anchorID]; ok && now.Sub(t) < perAnchor {
		return true
	}
	if !m.lastAnyFired.IsZero() && now.Sub(m.lastAnyFired) < global {
		return true
	}
	return false
}

// score rates anchor a against the normalized tail. An exact whole-word
// phrase hit scores 1.0. Longer anchors fall back to an ordered-subsequence
// blend; short anchors never match fuzzily.
func (m *Matcher) score(a script.Anchor, tail []string) float64 {
	phrase := a.Words()
	if textnorm.ContainsPhrase(tail, phrase) {
		return 1.0
	}
	if a.Short() {
		return 0
	}

	matched, run := textnorm.OrderedMatch(phrase, tail, m.eq)
	n := len(phrase)
	coverage := float64(matched) / float64(n)
	if coverage < minOrderedCoverage {
		return 0
	}
	minRun := int(math.Max(2, math.Ceil(float64(n)*0.45)))
	if run < minRun {
		return 0
	}
	score := orderedWeight*coverage + consecutiveWeight*(float64(run)/float64(n))
	return math.Min(score, fuzzyScoreCap)
}

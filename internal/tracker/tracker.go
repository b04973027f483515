// Package tracker advances a monotonic "current line" position through the
// script as the transcript catches up with it. The search window only looks
// forward so ASR backtracking can never rewind the position.
package tracker

import (
	"math"
	"time"

	"github.com/cuelinelabs/cueline-core/internal/config"
	"github.com/cuelinelabs/cueline-core/internal/script"
	"github.com/cuelinelabs/cueline-core/internal/textnorm"
)

const (
	orderedWeight     = 0.75
	consecutiveWeight = 0.25
	scoreCap          = 0.95
)

type pendingLine struct {
	index int
	at    time.Time
}

// Tracker follows the performer through the ordered script lines. Like the
// matcher it is owned by a single goroutine and not safe for concurrent use.
type Tracker struct {
	cfg    config.TrackerConfig
	eq     textnorm.WordEq
	script *script.Script

	current int
	pending *pendingLine
}

// New builds a Tracker positioned at line 0.
func New(cfg config.TrackerConfig, s *script.Script) *Tracker {
	return &Tracker{
		cfg:    cfg,
		eq:     textnorm.NearEqual(cfg.FuzzyWordMinLen),
		script: s,
	}
}

// Current returns the current line index.
func (t *Tracker) Current() int { return t.current }

// Line returns the script line at index i.
func (t *Tracker) Line(i int) script.Line { return t.script.Line(i) }

// Reset repositions the tracker, clamping to the script bounds. This is the
// only way the position moves backward.
func (t *Tracker) Reset(to int) {
	if to < 0 {
		to = 0
	}
	if n := t.script.Len(); n > 0 && to >= n {
		to = n - 1
	}
	t.current = to
	t.pending = nil
}

// JumpToBlock repositions to the first line of the named block. It reports
// whether the block exists.
func (t *Tracker) JumpToBlock(blockID string) (int, bool) {
	idx, ok := t.script.BlockStart(blockID)
	if !ok {
		return t.current, false
	}
	t.current = idx
	t.pending = nil
	return idx, true
}

// ClearPending drops any in-flight candidate. Called on anchor fires so a
// big jump is not immediately contradicted by a stale line match.
func (t *Tracker) ClearPending() {
	t.pending = nil
}

// IngestTranscript scores the upcoming window of lines against the
// transcript and returns the new line index once a forward candidate has
// been confirmed twice. The returned index is non-decreasing for the life
// of a session.
func (t *Tracker) IngestTranscript(transcript string, now time.Time) (int, bool) {
	if t.script.Len() == 0 {
		return t.current, false
	}
	words := textnorm.Words(transcript)

	bestIdx := -1
	bestScore := 0.0
	end := t.current + t.cfg.WindowForward
	if last := t.script.Len() - 1; end > last {
		end = last
	}
	for idx := t.current; idx <= end; idx++ {
		score := t.score(t.script.Line(idx), words)
		if score < t.cfg.MinScore {
			continue
		}
		if score > bestScore {
			bestIdx = idx
			bestScore = score
		}
	}

	if bestIdx < 0 {
		if t.pending != nil && now.Sub(t.pending.at) > t.confirmWindow() {
			t.pending = nil
		}
		return t.current, false
	}

	if t.pending == nil || t.pending.index != bestIdx || now.Sub(t.pending.at) > t.confirmWindow() {
		t.pending = &pendingLine{index: bestIdx, at: now}
		return t.current, false
	}

	t.pending = nil
	if bestIdx == t.current {
		// Confirmed where we already are.
		return t.current, false
	}
	t.current = bestIdx
	return t.current, true
}

func (t *Tracker) confirmWindow() time.Duration {
	return time.Duration(t.cfg.ConfirmWindowMS) * time.Millisecond
}

func (t *Tracker) score(line script.Line, words []string) float64 {
	phrase := line.Words()
	if len(phrase) == 0 {
		return 0
	}
	matched, run := textnorm.OrderedMatch(phrase, words, t.eq)
	coverage := float64(matched) / float64(len(phrase))
	if coverage < t.cfg.MinCoverage {
		return 0
	}
	score := orderedWeight*coverage + consecutiveWeight*(float64(run)/float64(len(phrase)))
	return math.Min(score, scoreCap)
}

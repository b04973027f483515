// Package textnorm provides the shared text normalization and word-sequence
// scoring primitives used by the anchor matcher and the line tracker.
//
// Normalization casefolds, strips diacritics, converts punctuation to spaces
// and collapses whitespace. Normalizing already-normalized text is a no-op.
package textnorm

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// WordEq compares two normalized words.
type WordEq func(a, b string) bool

// Exact is the default word comparator.
func Exact(a, b string) bool { return a == b }

// NearEqual returns a comparator that tolerates a single edit between words
// of at least minLen runes. Shorter words must match exactly. With minLen <= 0
// the comparator degrades to Exact.
func NearEqual(minLen int) WordEq {
	if minLen <= 0 {
		return Exact
	}
	return func(a, b string) bool {
		if a == b {
			return true
		}
		if utf8.RuneCountInString(a) < minLen || utf8.RuneCountInString(b) < minLen {
			return false
		}
		return matchr.Levenshtein(a, b) <= 1
	}
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize lowercases s, folds diacritics, maps punctuation to spaces and
// collapses runs of whitespace to single spaces.
func Normalize(s string) string {
	folded, _, err := transform.String(stripMarks, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Words normalizes s and splits it into words.
func Words(s string) []string {
	n := Normalize(s)
	if n == "" {
		return nil
	}
	return strings.Split(n, " ")
}

// Tail returns the last k words of words.
func Tail(words []string, k int) []string {
	if k <= 0 || len(words) <= k {
		return words
	}
	return words[len(words)-k:]
}

// ContainsPhrase reports whether phrase occurs as a contiguous, word-bounded
// run inside words. Both slices must already be normalized.
func ContainsPhrase(words, phrase []string) bool {
	if len(phrase) == 0 || len(phrase) > len(words) {
		return false
	}
	for i := 0; i+len(phrase) <= len(words); i++ {
		hit := true
		for k := range phrase {
			if words[i+k] != phrase[k] {
				hit = false
				break
			}
		}
		if hit {
			return true
		}
	}
	return false
}

// OrderedMatch greedily aligns phrase against words in order, gaps allowed.
// It returns the number of phrase words matched and the longest run of
// consecutive phrase words that landed on consecutive word positions.
func OrderedMatch(phrase, words []string, eq WordEq) (matched, longestRun int) {
	if eq == nil {
		eq = Exact
	}
	cursor := 0
	run := 0
	prevPos := -2
	for _, pw := range phrase {
		pos := -1
		for k := cursor; k < len(words); k++ {
			if eq(pw, words[k]) {
				pos = k
				break
			}
		}
		if pos < 0 {
			prevPos = -2
			run = 0
			continue
		}
		matched++
		if pos == prevPos+1 {
			run++
		} else {
			run = 1
		}
		if run > longestRun {
			longestRun = run
		}
		prevPos = pos
		cursor = pos + 1
	}
	return matched, longestRun
}

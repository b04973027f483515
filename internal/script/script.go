// Package script holds the immutable configuration the engine tracks
// against: anchor phrases and the ordered list of script lines.
package script

import (
	"fmt"
	"os"

	"github.com/cuelinelabs/cueline-core/internal/textnorm"
	"gopkg.in/yaml.v3"
)

// Anchor is a configured jump phrase. It is immutable after construction;
// the matcher holds a snapshot rebuilt whenever configuration changes.
type Anchor struct {
	ID      string
	Phrase  string
	Enabled bool

	words     []string
	charCount int
}

// NewAnchor precomputes the normalized word list for phrase.
func NewAnchor(id, phrase string, enabled bool) Anchor {
	normalized := textnorm.Normalize(phrase)
	a := Anchor{
		ID:        id,
		Phrase:    phrase,
		Enabled:   enabled,
		words:     textnorm.Words(phrase),
		charCount: len(normalized),
	}
	return a
}

// Words returns the normalized word list.
func (a Anchor) Words() []string { return a.words }

// WordCount returns the number of normalized words.
func (a Anchor) WordCount() int { return len(a.words) }

// Valid reports whether the phrase survives normalization.
func (a Anchor) Valid() bool { return len(a.words) > 0 }

// Short reports whether the anchor is too brief for fuzzy scoring:
// three words or fewer, or under ten normalized characters.
func (a Anchor) Short() bool {
	return len(a.words) <= 3 || a.charCount < 10
}

// Threshold is the dynamic confidence floor: the shorter the phrase, the
// closer to exact a match has to be.
func (a Anchor) Threshold() float64 {
	switch n := len(a.words); {
	case n <= 3:
		return 0.92
	case n <= 5:
		return 0.84
	case n <= 8:
		return 0.78
	default:
		return 0.72
	}
}

// Line is one normalized script line.
type Line struct {
	ID      string
	Text    string
	BlockID string
	Index   int

	words []string
}

// Words returns the normalized word list.
func (l Line) Words() []string { return l.words }

// Script is the full ordered line sequence for one script version.
// It is read-only after construction.
type Script struct {
	lines      []Line
	blockStart map[string]int
}

// AnchorConfig and LineConfig mirror the shape supplied by the
// script-authoring collaborator.
type AnchorConfig struct {
	ID      string `yaml:"id" json:"id"`
	Phrase  string `yaml:"phrase" json:"phrase"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

type LineConfig struct {
	ID      string `yaml:"id" json:"id"`
	Text    string `yaml:"text" json:"text"`
	BlockID string `yaml:"block" json:"block"`
}

// Document is the on-disk script file: anchors plus ordered lines.
type Document struct {
	Anchors []AnchorConfig `yaml:"anchors"`
	Lines   []LineConfig   `yaml:"lines"`
}

// BuildAnchors converts anchor configuration into matcher candidates,
// preserving order.
func BuildAnchors(cfgs []AnchorConfig) []Anchor {
	anchors := make([]Anchor, 0, len(cfgs))
	for _, c := range cfgs {
		anchors = append(anchors, NewAnchor(c.ID, c.Phrase, c.Enabled))
	}
	return anchors
}

// New builds a Script from ordered line configuration. Ordinal indices are
// assigned in input order; the first line of each block is remembered for
// block jumps.
func New(cfgs []LineConfig) *Script {
	s := &Script{
		lines:      make([]Line, 0, len(cfgs)),
		blockStart: make(map[string]int),
	}
	for i, c := range cfgs {
		s.lines = append(s.lines, Line{
			ID:      c.ID,
			Text:    c.Text,
			BlockID: c.BlockID,
			Index:   i,
			words:   textnorm.Words(c.Text),
		})
		if _, seen := s.blockStart[c.BlockID]; !seen && c.BlockID != "" {
			s.blockStart[c.BlockID] = i
		}
	}
	return s
}

// Len returns the number of lines.
func (s *Script) Len() int { return len(s.lines) }

// Line returns the line at index i.
func (s *Script) Line(i int) Line { return s.lines[i] }

// BlockStart returns the ordinal index of the first line of block id.
func (s *Script) BlockStart(id string) (int, bool) {
	i, ok := s.blockStart[id]
	return i, ok
}

// LoadFile reads a script document from a YAML file.
func LoadFile(path string) (Document, error) {
	var doc Document
	data, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read script file: %w", err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parse script file: %w", err)
	}
	return doc, nil
}

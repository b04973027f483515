// Package stt streams captured audio into a speech recognizer and yields
// partial and final transcripts. Recognizer sessions are cheap to open; the
// engine's watchdog replaces a stalled session without touching capture.
package stt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuelinelabs/cueline-core/internal/config"
)

// Result is one recognizer hypothesis. Partial results may be revised by
// later partials; a final result closes out the current utterance.
type Result struct {
	Text       string
	Final      bool
	Confidence float64
}

// Session is one live recognition stream.
type Session interface {
	// Feed pushes raw s16le PCM into the recognizer.
	Feed(pcm []byte) error
	// Results yields hypotheses until the session ends, then closes.
	Results() <-chan Result
	// Close tears down the session. Safe to call multiple times.
	Close() error
}

// Recognizer opens recognition sessions. The vocabulary biases recognition
// toward expected phrases when the backend supports it.
type Recognizer interface {
	NewSession(ctx context.Context, vocabulary []string) (Session, error)
}

// New builds a Recognizer for the configured mode.
func New(cfg config.RecognizerConfig, log *slog.Logger) (Recognizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockRecognizer(cfg), nil
	case "exec":
		return NewExecRecognizer(cfg, log)
	default:
		return nil, fmt.Errorf("unknown recognizer mode %q", cfg.Mode)
	}
}

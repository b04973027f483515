// Package capture owns the single microphone tap. One Source instance feeds
// the recognizer, the disk recorder and the level meter; it is opened once
// per session and never restarted by the watchdog.
package capture

import (
	"context"
	"math"
	"time"

	"github.com/cuelinelabs/cueline-core/internal/config"
)

// Frame is one fixed-size chunk of little-endian 16-bit PCM.
type Frame struct {
	PCM       []byte
	Timestamp time.Time
}

// Source abstracts the microphone tap.
type Source interface {
	// Start begins capture and returns the frame and error channels. Both
	// are closed when capture ends.
	Start(ctx context.Context) (<-chan Frame, <-chan error, error)
	// Stop ends capture. Safe to call multiple times and before Start.
	Stop() error
}

// NewSource builds a Source for the configured mode.
func NewSource(cfg config.CaptureConfig) Source {
	if cfg.Mode == "mock" {
		return NewMockSource(cfg)
	}
	return NewExecSource(cfg)
}

// RMS computes the root-mean-square level of 16-bit PCM, normalized to
// [0, 1]. Trailing odd bytes are ignored.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8))
		sum += s * s
	}
	return math.Sqrt(sum/float64(n)) / 32768.0
}

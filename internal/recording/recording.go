// Package recording archives session audio to disk as 16-bit WAV, written
// incrementally so a crash mid-session still leaves playable audio behind.
package recording

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Writer appends PCM frames to a session WAV file. Write errors are reported
// to the caller but never corrupt already-written audio.
type Writer struct {
	file     *os.File
	enc      *wav.Encoder
	path     string
	rate     int
	channels int
	written  int64
	log      *slog.Logger
	closed   bool
}

// NewWriter creates the recording file for a session. The directory is
// created if missing.
func NewWriter(dir, sessionID string, rate, channels int, log *slog.Logger) (*Writer, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording directory: %w", err)
	}
	path := filepath.Join(dir, sessionID+".wav")
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording file: %w", err)
	}
	return &Writer{
		file:     file,
		enc:      wav.NewEncoder(file, rate, 16, channels, 1),
		path:     path,
		rate:     rate,
		channels: channels,
		log:      log,
	}, nil
}

// Write appends one PCM frame. Trailing odd bytes are dropped.
func (w *Writer) Write(pcm []byte) error {
	if w.closed {
		return fmt.Errorf("recording already finalized")
	}
	n := len(pcm) / 2
	if n == 0 {
		return nil
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: w.channels, SampleRate: w.rate}}
	samples := make([]int, n)
	for i := 0; i < n; i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples
	if err := w.enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	w.written += int64(n * 2)
	return nil
}

// Duration reports the audio written so far.
func (w *Writer) Duration() time.Duration {
	bytesPerSecond := int64(w.rate * 2 * w.channels)
	if bytesPerSecond == 0 {
		return 0
	}
	return time.Duration(w.written) * time.Second / time.Duration(bytesPerSecond)
}

// Path reports where the recording lives on disk.
func (w *Writer) Path() string {
	return w.path
}

// Finalize closes the WAV header and the file, returning the path and the
// on-disk size. Safe to call once.
func (w *Writer) Finalize() (string, int64, error) {
	if w.closed {
		return w.path, 0, fmt.Errorf("recording already finalized")
	}
	w.closed = true
	if err := w.enc.Close(); err != nil {
		_ = w.file.Close()
		return w.path, 0, fmt.Errorf("close wav encoder: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return w.path, 0, fmt.Errorf("close recording file: %w", err)
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return w.path, 0, fmt.Errorf("stat recording file: %w", err)
	}
	w.log.Info("recording finalized", "path", w.path, "bytes", info.Size(), "duration", w.Duration())
	return w.path, info.Size(), nil
}

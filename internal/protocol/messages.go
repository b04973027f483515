// Package protocol defines the messages the engine publishes for external
// collaborators (script display, teleprompter, show-notes tooling) and the
// bus subjects they travel on.
package protocol

import "time"

// Transcript is the continuously updated partial (or finalized) transcript.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// AnchorFired is a confirmed, cooled-down anchor detection.
type AnchorFired struct {
	SessionID  string    `json:"session_id"`
	AnchorID   string    `json:"anchor_id"`
	Phrase     string    `json:"phrase"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// LineAdvanced reports a confirmed forward move of the current line.
type LineAdvanced struct {
	SessionID string    `json:"session_id"`
	LineIndex int       `json:"line_index"`
	LineID    string    `json:"line_id"`
	BlockID   string    `json:"block_id"`
	Timestamp time.Time `json:"timestamp"`
}

// AudioLevel is the throttled microphone level meter.
type AudioLevel struct {
	SessionID string    `json:"session_id"`
	RMS       float64   `json:"rms"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionStatus is the periodically published engine state.
type SessionStatus struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	ElapsedMS int64     `json:"elapsed_ms"`
	LineIndex int       `json:"line_index"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionSummary is returned by stop-and-finalize for show-notes tooling.
type SessionSummary struct {
	SessionID          string `json:"session_id"`
	Label              string `json:"label"`
	RecordingPath      string `json:"recording_path,omitempty"`
	DurationMS         int64  `json:"duration_ms"`
	FileSizeBytes      int64  `json:"file_size_bytes"`
	AnchorFires        int    `json:"anchor_fires"`
	LineAdvances       int    `json:"line_advances"`
	RecognizerRestarts int    `json:"recognizer_restarts"`
	LastLineIndex      int    `json:"last_line_index"`
	FramesDropped      int64  `json:"frames_dropped"`
}

const (
	SubjectTranscriptPartial = "sync.transcript.partial"
	SubjectTranscriptFinal   = "sync.transcript.final"
	SubjectAnchorFired       = "sync.anchor.fired"
	SubjectLineAdvanced      = "sync.line.advanced"
	SubjectAudioLevel        = "sync.audio.level"
	SubjectSessionStatus     = "sync.session.status"
)

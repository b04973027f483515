// Package engine orchestrates one live session: it fans captured audio out
// to the recognizer, the disk recorder and the level meter, runs recognizer
// output through the anchor matcher and the line tracker, and publishes the
// resulting events. A watchdog replaces a stalled recognizer session without
// ever touching the microphone tap.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cuelinelabs/cueline-core/internal/capture"
	"github.com/cuelinelabs/cueline-core/internal/config"
	"github.com/cuelinelabs/cueline-core/internal/eventstore"
	"github.com/cuelinelabs/cueline-core/internal/matcher"
	"github.com/cuelinelabs/cueline-core/internal/protocol"
	"github.com/cuelinelabs/cueline-core/internal/recording"
	"github.com/cuelinelabs/cueline-core/internal/script"
	"github.com/cuelinelabs/cueline-core/internal/stt"
	"github.com/cuelinelabs/cueline-core/internal/tracker"
)

var (
	// ErrPermissionDenied means the microphone tap was refused by the OS.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrRecognizerUnavailable means no recognizer session could be opened.
	ErrRecognizerUnavailable = errors.New("recognizer unavailable")
	// ErrSessionActive rejects operations that require a stopped engine.
	ErrSessionActive = errors.New("session already active")
	// ErrNoSession rejects operations that require a running session.
	ErrNoSession = errors.New("no active session")
)

// Session states as published on the status subject.
const (
	StateIdle      = "idle"
	StateStarting  = "starting"
	StateListening = "listening"
	StateStalled   = "stalled"
	StateStopped   = "stopped"
)

// Sink receives everything the engine emits. Implementations must not block.
type Sink interface {
	PublishTranscript(protocol.Transcript)
	PublishAnchorFired(protocol.AnchorFired)
	PublishLineAdvanced(protocol.LineAdvanced)
	PublishAudioLevel(protocol.AudioLevel)
	PublishStatus(protocol.SessionStatus)
	RecognizerRestarted(sessionID, reason string)
}

// FrameAnalyzer observes every captured frame alongside its RMS level.
// It runs on the capture path and must return quickly.
type FrameAnalyzer func(pcm []byte, level float64)

// NopSink discards everything. Embed it to implement part of Sink.
type NopSink struct{}

func (NopSink) PublishTranscript(protocol.Transcript)   {}
func (NopSink) PublishAnchorFired(protocol.AnchorFired) {}
func (NopSink) PublishLineAdvanced(protocol.LineAdvanced) {
}
func (NopSink) PublishAudioLevel(protocol.AudioLevel)  {}
func (NopSink) PublishStatus(protocol.SessionStatus)   {}
func (NopSink) RecognizerRestarted(sessionID, reason string) {
}

// Engine drives capture, recognition, matching and tracking for one session
// at a time.
type Engine struct {
	cfg   config.Config
	log   *slog.Logger
	src   capture.Source
	rec   stt.Recognizer
	store *eventstore.Store
	sink  Sink

	mu         sync.Mutex
	state      string
	sessionID  string
	label      string
	startedAt  time.Time
	lastResult time.Time
	lastLevel  float64
	lastErr    string

	anchors  []script.Anchor
	vocab    []string
	match    *matcher.Matcher
	track    *tracker.Tracker
	analyzer FrameAnalyzer

	writer          *recording.Writer
	writeFailWarned bool

	anchorFires  int
	lineAdvances int
	restarts     int

	recMu sync.Mutex
	sess  stt.Session

	cancel  context.CancelFunc
	group   *errgroup.Group
	results chan stt.Result
}

// New wires an Engine over its collaborators. The store may be nil when the
// timeline is not persisted.
func New(cfg config.Config, doc script.Document, src capture.Source, rec stt.Recognizer, store *eventstore.Store, sink Sink, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if sink == nil {
		sink = NopSink{}
	}
	anchors := script.BuildAnchors(doc.Anchors)
	e := &Engine{
		cfg:     cfg,
		log:     log,
		src:     src,
		rec:     rec,
		store:   store,
		sink:    sink,
		state:   StateIdle,
		anchors: anchors,
		vocab:   vocabulary(anchors),
		match:   matcher.New(cfg.Matcher, anchors),
		track:   tracker.New(cfg.Tracker, script.New(doc.Lines)),
	}
	return e
}

func vocabulary(anchors []script.Anchor) []string {
	vocab := make([]string, 0, len(anchors))
	for _, a := range anchors {
		if a.Enabled && a.Valid() {
			vocab = append(vocab, a.Phrase)
		}
	}
	return vocab
}

// Start opens capture, the recognizer and the recording, then launches the
// session loops. It returns the new session ID.
func (e *Engine) Start(ctx context.Context, label string) (string, error) {
	e.mu.Lock()
	if e.state == StateStarting || e.state == StateListening || e.state == StateStalled {
		e.mu.Unlock()
		return "", ErrSessionActive
	}
	e.state = StateStarting
	sessionID := uuid.NewString()
	e.sessionID = sessionID
	e.label = label
	e.startedAt = time.Now()
	e.lastResult = e.startedAt
	e.lastLevel = 0
	e.lastErr = ""
	e.anchorFires = 0
	e.lineAdvances = 0
	e.restarts = 0
	e.writeFailWarned = false
	e.mu.Unlock()

	e.match.Reset()
	e.track.ClearPending()

	// Capture and recognition live for the whole session, not for the
	// control request that started it: they get their own context. The
	// caller's ctx only covers the synchronous setup below.
	runCtx, cancel := context.WithCancel(context.Background())

	frames, errCh, err := e.src.Start(runCtx)
	if err != nil {
		cancel()
		e.setIdle(err)
		if isPermission(err) {
			return "", fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return "", fmt.Errorf("start capture: %w", err)
	}

	sess, err := e.rec.NewSession(runCtx, e.vocab)
	if err != nil {
		cancel()
		_ = e.src.Stop()
		e.setIdle(err)
		return "", fmt.Errorf("%w: %v", ErrRecognizerUnavailable, err)
	}

	var writer *recording.Writer
	if e.cfg.Recording.Enabled {
		writer, err = recording.NewWriter(e.cfg.Recording.Directory, sessionID, e.cfg.Capture.SampleRate, e.cfg.Capture.Channels, e.log)
		if err != nil {
			e.log.Warn("recording disabled for this session", "error", err)
			writer = nil
		}
	}

	group, loopCtx := errgroup.WithContext(runCtx)
	results := make(chan stt.Result, 64)

	e.mu.Lock()
	if e.state != StateStarting {
		// A concurrent stop won the race while we were opening backends.
		e.mu.Unlock()
		cancel()
		_ = sess.Close()
		_ = e.src.Stop()
		if writer != nil {
			if _, _, ferr := writer.Finalize(); ferr != nil {
				e.log.Warn("finalize recording", "error", ferr)
			}
		}
		return "", errors.New("session stopped during startup")
	}
	e.recMu.Lock()
	e.sess = sess
	e.recMu.Unlock()
	e.state = StateListening
	e.writer = writer
	e.cancel = cancel
	e.group = group
	e.results = results
	group.Go(func() error { return e.captureLoop(loopCtx, frames, errCh) })
	group.Go(func() error { return e.resultLoop(loopCtx) })
	group.Go(func() error { return e.tickLoop(loopCtx) })
	go e.forwardResults(loopCtx, sess, results)
	e.mu.Unlock()

	e.appendSession(ctx, sessionID, label)
	e.appendEvent(ctx, eventstore.TypeSessionStarted, map[string]any{"label": label})
	e.log.Info("session started", "session_id", sessionID, "label", label)
	return sessionID, nil
}

func (e *Engine) setIdle(err error) {
	e.mu.Lock()
	e.state = StateIdle
	if err != nil {
		e.lastErr = err.Error()
	}
	e.mu.Unlock()
}

func isPermission(err error) bool {
	if errors.Is(err, os.ErrPermission) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "permission denied")
}

// Stop tears the session down: loops, recognizer, capture, recording.
func (e *Engine) Stop(ctx context.Context) error {
	_, err := e.StopAndFinalize(ctx)
	return err
}

// StopAndFinalize stops the session and returns its summary.
func (e *Engine) StopAndFinalize(ctx context.Context) (protocol.SessionSummary, error) {
	e.mu.Lock()
	if e.state != StateListening && e.state != StateStalled && e.state != StateStarting {
		e.mu.Unlock()
		return protocol.SessionSummary{}, ErrNoSession
	}
	cancel := e.cancel
	group := e.group
	writer := e.writer
	e.writer = nil
	e.cancel = nil
	e.group = nil
	sessionID := e.sessionID
	label := e.label
	startedAt := e.startedAt
	e.state = StateStopped
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	e.recMu.Lock()
	if e.sess != nil {
		_ = e.sess.Close()
		e.sess = nil
	}
	e.recMu.Unlock()

	_ = e.src.Stop()
	if group != nil {
		_ = group.Wait()
	}

	summary := protocol.SessionSummary{
		SessionID:  sessionID,
		Label:      label,
		DurationMS: time.Since(startedAt).Milliseconds(),
	}
	if writer != nil {
		path, size, err := writer.Finalize()
		if err != nil {
			e.log.Warn("finalize recording", "error", err)
		} else {
			summary.RecordingPath = path
			summary.FileSizeBytes = size
		}
	}

	e.mu.Lock()
	summary.AnchorFires = e.anchorFires
	summary.LineAdvances = e.lineAdvances
	summary.RecognizerRestarts = e.restarts
	summary.LastLineIndex = e.track.Current()
	e.mu.Unlock()

	if counter, ok := e.src.(interface{ Dropped() int64 }); ok {
		summary.FramesDropped = counter.Dropped()
	}

	e.appendEvent(ctx, eventstore.TypeSessionStopped, summary)
	e.log.Info("session stopped",
		"session_id", sessionID,
		"anchor_fires", summary.AnchorFires,
		"line_advances", summary.LineAdvances,
		"recognizer_restarts", summary.RecognizerRestarts)
	return summary, nil
}

// SetFrameAnalyzer installs an observer for captured frames. Pass nil to
// remove it.
func (e *Engine) SetFrameAnalyzer(fn FrameAnalyzer) {
	e.mu.Lock()
	e.analyzer = fn
	e.mu.Unlock()
}

// ResetAnchorState clears matcher cooldowns and any pending confirmations,
// without moving the tracked line.
func (e *Engine) ResetAnchorState() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.match.Reset()
	e.track.ClearPending()
}

// JumpToBlock moves the tracked line to the first line of the named block.
func (e *Engine) JumpToBlock(ctx context.Context, blockID string) (int, error) {
	e.mu.Lock()
	idx, ok := e.track.JumpToBlock(blockID)
	sessionID := e.sessionID
	e.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("unknown block %q", blockID)
	}
	e.appendEvent(ctx, eventstore.TypeManualJump, map[string]any{"block_id": blockID, "line_index": idx})
	e.publishLine(sessionID, idx)
	return idx, nil
}

// ConfigureAnchors replaces the anchor set. Rejected while a session runs:
// swapping candidates mid-show would invalidate pending confirmations and
// cooldowns in surprising ways.
func (e *Engine) ConfigureAnchors(cfgs []script.AnchorConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateStarting || e.state == StateListening || e.state == StateStalled {
		return ErrSessionActive
	}
	e.anchors = script.BuildAnchors(cfgs)
	e.vocab = vocabulary(e.anchors)
	e.match.SetAnchors(e.anchors)
	return nil
}

// Status snapshots the current session state.
func (e *Engine) Status() protocol.SessionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := protocol.SessionStatus{
		SessionID: e.sessionID,
		State:     e.state,
		LineIndex: e.track.Current(),
		Error:     e.lastErr,
		Timestamp: time.Now(),
	}
	if !e.startedAt.IsZero() && (e.state == StateListening || e.state == StateStalled) {
		st.ElapsedMS = time.Since(e.startedAt).Milliseconds()
	}
	return st
}

// captureLoop fans frames out to the recognizer, the recorder and the level
// meter. Capture is never restarted here; a dead frame channel ends the loop.
func (e *Engine) captureLoop(ctx context.Context, frames <-chan capture.Frame, errCh <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			e.log.Error("capture error", "error", err)
			e.mu.Lock()
			e.lastErr = err.Error()
			e.mu.Unlock()
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			e.handleFrame(frame)
		}
	}
}

func (e *Engine) handleFrame(frame capture.Frame) {
	e.recMu.Lock()
	sess := e.sess
	e.recMu.Unlock()
	if sess != nil {
		if err := sess.Feed(frame.PCM); err != nil {
			// The watchdog owns recovery; a failed feed just means the
			// session is on its way out.
			e.log.Debug("feed recognizer", "error", err)
		}
	}

	level := capture.RMS(frame.PCM)

	e.mu.Lock()
	e.lastLevel = level
	writer := e.writer
	warned := e.writeFailWarned
	analyzer := e.analyzer
	e.mu.Unlock()

	if analyzer != nil {
		analyzer(frame.PCM, level)
	}

	if writer != nil {
		if err := writer.Write(frame.PCM); err != nil && !warned {
			e.log.Warn("recording write failed, audio archiving degraded", "error", err)
			e.mu.Lock()
			e.writeFailWarned = true
			e.mu.Unlock()
		}
	}
}

// forwardResults copies one recognizer session's output into the engine's
// result stream, so watchdog restarts swap sessions transparently.
func (e *Engine) forwardResults(ctx context.Context, sess stt.Session, out chan<- stt.Result) {
	for res := range sess.Results() {
		select {
		case out <- res:
		case <-ctx.Done():
			return
		}
	}
}

// resultLoop turns recognizer hypotheses into transcript, anchor and line
// events. Matcher and tracker are only ever touched from this goroutine.
func (e *Engine) resultLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case res := <-e.results:
			e.handleResult(ctx, res)
		}
	}
}

func (e *Engine) handleResult(ctx context.Context, res stt.Result) {
	now := time.Now()

	e.mu.Lock()
	e.lastResult = now
	if e.state == StateStalled {
		e.state = StateListening
	}
	sessionID := e.sessionID
	e.mu.Unlock()

	e.sink.PublishTranscript(protocol.Transcript{
		SessionID:  sessionID,
		Text:       res.Text,
		Partial:    !res.Final,
		Confidence: res.Confidence,
		Timestamp:  now,
	})

	e.mu.Lock()
	fire, fired := e.match.Ingest(res.Text, now)
	if fired {
		e.anchorFires++
		// An anchor fire is authoritative; a half-confirmed line advance
		// from the same words must not race it.
		e.track.ClearPending()
	}
	e.mu.Unlock()

	if fired {
		evt := protocol.AnchorFired{
			SessionID:  sessionID,
			AnchorID:   fire.Anchor.ID,
			Phrase:     fire.Anchor.Phrase,
			Confidence: fire.Confidence,
			Timestamp:  fire.At,
		}
		e.sink.PublishAnchorFired(evt)
		e.appendEvent(ctx, eventstore.TypeAnchorFired, evt)
		e.log.Info("anchor fired", "session_id", sessionID, "anchor_id", fire.Anchor.ID, "confidence", fire.Confidence)
		return
	}

	e.mu.Lock()
	idx, advanced := e.track.IngestTranscript(res.Text, now)
	if advanced {
		e.lineAdvances++
	}
	e.mu.Unlock()

	if advanced {
		e.publishLine(sessionID, idx)
		e.appendEvent(ctx, eventstore.TypeLineAdvanced, map[string]any{"line_index": idx})
	}
}

func (e *Engine) publishLine(sessionID string, idx int) {
	line := e.track.Line(idx)
	evt := protocol.LineAdvanced{
		SessionID: sessionID,
		LineIndex: idx,
		LineID:    line.ID,
		BlockID:   line.BlockID,
		Timestamp: time.Now(),
	}
	e.sink.PublishLineAdvanced(evt)
}

// tickLoop multiplexes the engine's periodic duties: the audio level meter,
// the recognizer watchdog and the status heartbeat.
func (e *Engine) tickLoop(ctx context.Context) error {
	level := time.NewTicker(msOrDefault(e.cfg.Engine.LevelRefreshMS, 100))
	watchdog := time.NewTicker(msOrDefault(e.cfg.Engine.WatchdogIntervalMS, 1000))
	status := time.NewTicker(msOrDefault(e.cfg.Engine.StatusEveryMS, 1000))
	defer level.Stop()
	defer watchdog.Stop()
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-level.C:
			e.mu.Lock()
			evt := protocol.AudioLevel{SessionID: e.sessionID, RMS: e.lastLevel, Timestamp: time.Now()}
			e.mu.Unlock()
			e.sink.PublishAudioLevel(evt)
		case <-status.C:
			e.sink.PublishStatus(e.Status())
		case <-watchdog.C:
			e.checkStall(ctx)
		}
	}
}

func msOrDefault(ms, fallback int) time.Duration {
	if ms <= 0 {
		ms = fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// checkStall restarts the recognizer session when audio is flowing above the
// level floor but no hypothesis has arrived for the stall threshold. Silence
// is not a stall: nobody is speaking.
func (e *Engine) checkStall(ctx context.Context) {
	stallAfter := msOrDefault(e.cfg.Engine.StallAfterMS, 2000)

	e.mu.Lock()
	silent := e.lastLevel < e.cfg.Engine.LevelFloor
	stalled := time.Since(e.lastResult) > stallAfter
	running := e.state == StateListening || e.state == StateStalled
	e.mu.Unlock()

	if !running || silent || !stalled {
		return
	}

	e.mu.Lock()
	e.state = StateStalled
	e.lastResult = time.Now()
	e.restarts++
	sessionID := e.sessionID
	e.mu.Unlock()

	e.log.Warn("recognizer stalled, restarting session", "session_id", sessionID)

	e.recMu.Lock()
	if e.sess != nil {
		_ = e.sess.Close()
		e.sess = nil
	}
	sess, err := e.rec.NewSession(ctx, e.vocab)
	if err == nil {
		e.sess = sess
	}
	e.recMu.Unlock()

	if err != nil {
		e.log.Error("recognizer restart failed", "session_id", sessionID, "error", err)
		e.mu.Lock()
		e.lastErr = err.Error()
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	results := e.results
	e.mu.Unlock()
	go e.forwardResults(ctx, sess, results)

	e.sink.RecognizerRestarted(sessionID, "no results while audio above level floor")
	e.appendEvent(ctx, eventstore.TypeRecognizerRestarted, map[string]any{"reason": "stall"})
}

func (e *Engine) appendSession(ctx context.Context, sessionID, label string) {
	if e.store == nil {
		return
	}
	if err := e.store.AppendSession(ctx, sessionID, label); err != nil {
		e.log.Warn("record session", "error", err)
	}
}

func (e *Engine) appendEvent(ctx context.Context, typ string, payload any) {
	if e.store == nil {
		return
	}
	e.mu.Lock()
	sessionID := e.sessionID
	e.mu.Unlock()
	if sessionID == "" {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		e.log.Warn("encode event payload", "type", typ, "error", err)
		return
	}
	if err := e.store.AppendEvent(ctx, eventstore.Event{SessionID: sessionID, Type: typ, Payload: data}); err != nil {
		e.log.Warn("record event", "type", typ, "error", err)
	}
}

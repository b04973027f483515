package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Matcher.TailWindowWords != 16 {
		t.Fatalf("expected default tail window 16, got %d", cfg.Matcher.TailWindowWords)
	}
	if cfg.Matcher.ConfirmWindowMS != 500 || cfg.Matcher.PerAnchorCooldown != 1200 || cfg.Matcher.GlobalCooldown != 400 {
		t.Fatalf("unexpected matcher defaults: %+v", cfg.Matcher)
	}
	if cfg.Tracker.WindowForward != 18 || cfg.Tracker.MinScore != 0.70 || cfg.Tracker.ConfirmWindowMS != 450 {
		t.Fatalf("unexpected tracker defaults: %+v", cfg.Tracker)
	}
	if cfg.Engine.WatchdogIntervalMS != 1000 || cfg.Engine.StallAfterMS != 2000 {
		t.Fatalf("unexpected engine defaults: %+v", cfg.Engine)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default bus server, got %v", cfg.Bus.Servers)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CUELINE_MATCHER_TAIL_WINDOW_WORDS", "24")
	t.Setenv("CUELINE_MATCHER_CONFIRM_WINDOW_MS", "600")
	t.Setenv("CUELINE_MATCHER_FUZZY_WORD_MIN_LEN", "6")
	t.Setenv("CUELINE_TRACKER_WINDOW_FORWARD", "10")
	t.Setenv("CUELINE_TRACKER_MIN_SCORE", "0.8")
	t.Setenv("CUELINE_CAPTURE_MODE", "mock")
	t.Setenv("CUELINE_RECOGNIZER_MODE", "mock")
	t.Setenv("CUELINE_RECORDING_DIRECTORY", "/tmp/rec")
	t.Setenv("CUELINE_ENGINE_STALL_AFTER_MS", "3000")
	t.Setenv("CUELINE_EVENT_STORE_RETENTION_MODE", "ephemeral")
	t.Setenv("CUELINE_BUS_SERVERS", "nats://one:4222, nats://two:4222")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Matcher.TailWindowWords != 24 {
		t.Fatalf("expected tail window override, got %d", cfg.Matcher.TailWindowWords)
	}
	if cfg.Matcher.ConfirmWindowMS != 600 {
		t.Fatalf("expected confirm window override, got %d", cfg.Matcher.ConfirmWindowMS)
	}
	if cfg.Matcher.FuzzyWordMinLen != 6 {
		t.Fatalf("expected fuzzy min len override, got %d", cfg.Matcher.FuzzyWordMinLen)
	}
	if cfg.Tracker.WindowForward != 10 || cfg.Tracker.MinScore != 0.8 {
		t.Fatalf("expected tracker overrides, got %+v", cfg.Tracker)
	}
	if cfg.Capture.Mode != "mock" {
		t.Fatalf("expected capture mode override, got %s", cfg.Capture.Mode)
	}
	if cfg.Recording.Directory != "/tmp/rec" {
		t.Fatalf("expected recording dir override, got %s", cfg.Recording.Directory)
	}
	if cfg.Engine.StallAfterMS != 3000 {
		t.Fatalf("expected stall override, got %d", cfg.Engine.StallAfterMS)
	}
	if cfg.EventStore.RetentionMode != "ephemeral" {
		t.Fatalf("expected retention override, got %s", cfg.EventStore.RetentionMode)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 bus servers, got %v", cfg.Bus.Servers)
	}
}

func TestLoadFile(t *testing.T) {
	doc := `
runtime_name: test-runtime
matcher:
  tail_window_words: 20
tracker:
  min_score: 0.75
recognizer:
  mode: exec
  command: whisper-stream
`
	path := filepath.Join(t.TempDir(), "cueline.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "test-runtime" {
		t.Fatalf("expected runtime name from file, got %s", cfg.RuntimeName)
	}
	if cfg.Matcher.TailWindowWords != 20 {
		t.Fatalf("expected tail window from file, got %d", cfg.Matcher.TailWindowWords)
	}
	if cfg.Tracker.MinScore != 0.75 {
		t.Fatalf("expected min score from file, got %v", cfg.Tracker.MinScore)
	}
	// Untouched sections keep defaults.
	if cfg.Matcher.PerAnchorCooldown != 1200 {
		t.Fatalf("expected default cooldown, got %d", cfg.Matcher.PerAnchorCooldown)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("CUELINE_TRACKER_MIN_SCORE", "1.5")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for min_score > 1")
	}
}

func TestValidateExecRequiresCommand(t *testing.T) {
	t.Setenv("CUELINE_RECOGNIZER_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for exec mode without command")
	}
}

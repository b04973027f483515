package recording

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteAndFinalize(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "session-abc", 16000, 1, nil)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}

	pcm := make([]byte, 3200)
	for i := 0; i < len(pcm); i += 2 {
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(1000)))
	}
	for i := 0; i < 10; i++ {
		if err := w.Write(pcm); err != nil {
			t.Fatalf("write frame %d: %v", i, err)
		}
	}

	path, size, err := w.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if filepath.Base(path) != "session-abc.wav" {
		t.Fatalf("unexpected recording path %q", path)
	}
	if size <= 44 {
		t.Fatalf("expected payload past the wav header, got %d bytes", size)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat recording: %v", err)
	}
	if info.Size() != size {
		t.Fatalf("reported size %d does not match disk %d", size, info.Size())
	}
}

func TestDuration(t *testing.T) {
	w, err := NewWriter(t.TempDir(), "session-dur", 16000, 1, nil)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	// One second of 16 kHz mono s16le audio.
	if err := w.Write(make([]byte, 32000)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := w.Duration(); got != time.Second {
		t.Fatalf("expected 1s, got %v", got)
	}
	if _, _, err := w.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
}

func TestWriteAfterFinalizeFails(t *testing.T) {
	w, err := NewWriter(t.TempDir(), "session-closed", 16000, 1, nil)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	if _, _, err := w.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := w.Write(make([]byte, 64)); err == nil {
		t.Fatal("write after finalize must fail")
	}
	if _, _, err := w.Finalize(); err == nil {
		t.Fatal("double finalize must fail")
	}
}

func TestCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "recordings")
	w, err := NewWriter(dir, "session-mkdir", 16000, 1, nil)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	if _, _, err := w.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "session-mkdir.wav")); err != nil {
		t.Fatalf("recording missing: %v", err)
	}
}

package capture

import (
	"context"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/cuelinelabs/cueline-core/internal/config"
)

func TestRMSSilence(t *testing.T) {
	if got := RMS(make([]byte, 512)); got != 0 {
		t.Fatalf("silence must measure 0, got %v", got)
	}
	if got := RMS(nil); got != 0 {
		t.Fatalf("empty buffer must measure 0, got %v", got)
	}
}

func TestRMSFullScale(t *testing.T) {
	pcm := make([]byte, 512)
	for i := 0; i < len(pcm); i += 2 {
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(math.MaxInt16)))
	}
	got := RMS(pcm)
	if got < 0.99 || got > 1.0 {
		t.Fatalf("full-scale signal must measure near 1.0, got %v", got)
	}
}

func TestRMSMidScale(t *testing.T) {
	pcm := make([]byte, 512)
	for i := 0; i < len(pcm); i += 2 {
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(16384)))
	}
	got := RMS(pcm)
	if math.Abs(got-0.5) > 0.01 {
		t.Fatalf("half-scale signal must measure near 0.5, got %v", got)
	}
}

func TestMockSourceFeed(t *testing.T) {
	src := NewMockSource(config.CaptureConfig{SampleRate: 16000, Channels: 1, BufferFrames: 256, ChannelDepth: 4})
	src.Silence = true
	frames, _, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("start mock source: %v", err)
	}
	t.Cleanup(func() { _ = src.Stop() })

	src.Feed([]byte{1, 2, 3, 4})
	select {
	case f := <-frames:
		if len(f.PCM) != 4 {
			t.Fatalf("unexpected frame size %d", len(f.PCM))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fed frame")
	}
}

func TestMockSourceStopIdempotent(t *testing.T) {
	src := NewMockSource(config.CaptureConfig{SampleRate: 16000, Channels: 1, BufferFrames: 256})
	if err := src.Stop(); err != nil {
		t.Fatalf("stop before start must be safe: %v", err)
	}
	frames, _, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("start mock source: %v", err)
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("double stop must be safe: %v", err)
	}
	// Frame channel closes on stop.
	select {
	case _, open := <-drain(frames):
		if open {
			t.Fatal("expected closed frame channel")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func drain(ch <-chan Frame) <-chan Frame {
	out := make(chan Frame)
	go func() {
		defer close(out)
		for range ch {
		}
	}()
	return out
}

func TestExecSourceRejectsEmptyCommand(t *testing.T) {
	src := NewExecSource(config.CaptureConfig{Command: "", SampleRate: 16000, Channels: 1, BufferFrames: 256})
	if _, _, err := src.Start(context.Background()); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestExecSourceMissingBinary(t *testing.T) {
	src := NewExecSource(config.CaptureConfig{Command: "definitely-not-a-real-recorder", SampleRate: 16000, Channels: 1, BufferFrames: 256})
	if _, _, err := src.Start(context.Background()); err == nil {
		t.Fatal("expected error for missing binary")
	}
}

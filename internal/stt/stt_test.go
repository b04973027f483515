package stt

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cuelinelabs/cueline-core/internal/config"
)

func TestNewUnknownMode(t *testing.T) {
	if _, err := New(config.RecognizerConfig{Mode: "telepathy"}, nil); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestExecRecognizerRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecRecognizer(config.RecognizerConfig{Command: ""}, nil); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestExecSessionArgs(t *testing.T) {
	r, err := NewExecRecognizer(config.RecognizerConfig{
		Command:        "whisper-stream --threads 4",
		ModelPath:      "/models/base.en.bin",
		Language:       "en",
		VocabularyBias: true,
		PartialEveryMS: 250,
	}, nil)
	if err != nil {
		t.Fatalf("build recognizer: %v", err)
	}
	args := r.sessionArgs([]string{"break a leg", "curtain call"})
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"whisper-stream --threads 4",
		"--model /models/base.en.bin",
		"--language en",
		"--step 250",
		"--prompt break a leg, curtain call",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args %q missing %q", joined, want)
		}
	}
}

func TestExecSessionArgsWithoutBias(t *testing.T) {
	r, err := NewExecRecognizer(config.RecognizerConfig{Command: "whisper-stream"}, nil)
	if err != nil {
		t.Fatalf("build recognizer: %v", err)
	}
	args := r.sessionArgs([]string{"break a leg"})
	if strings.Contains(strings.Join(args, " "), "--prompt") {
		t.Fatal("bias disabled but prompt flag present")
	}
}

func TestExecSessionStreamsResults(t *testing.T) {
	// cat echoes stdin, so feeding JSON lines plays back as results.
	r, err := NewExecRecognizer(config.RecognizerConfig{Command: "cat"}, nil)
	if err != nil {
		t.Fatalf("build recognizer: %v", err)
	}
	sess, err := r.NewSession(context.Background(), nil)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	defer sess.Close()

	lines := "garbage that is not json\n" +
		`{"text":"ladies and gentlemen","final":false,"confidence":0.8}` + "\n" +
		`{"text":"ladies and gentlemen welcome","final":true,"confidence":0.93}` + "\n"
	if err := sess.Feed([]byte(lines)); err != nil {
		t.Fatalf("feed: %v", err)
	}

	var got []Result
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case res, ok := <-sess.Results():
			if !ok {
				t.Fatalf("results closed early, got %v", got)
			}
			got = append(got, res)
		case <-timeout:
			t.Fatalf("timed out, got %v", got)
		}
	}
	if got[0].Text != "ladies and gentlemen" || got[0].Final {
		t.Fatalf("unexpected first result %+v", got[0])
	}
	if !got[1].Final || got[1].Confidence != 0.93 {
		t.Fatalf("unexpected second result %+v", got[1])
	}
}

func TestExecSessionCloseIdempotent(t *testing.T) {
	r, err := NewExecRecognizer(config.RecognizerConfig{Command: "cat"}, nil)
	if err != nil {
		t.Fatalf("build recognizer: %v", err)
	}
	sess, err := r.NewSession(context.Background(), nil)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("double close: %v", err)
	}
	if err := sess.Feed([]byte("x")); err == nil {
		t.Fatal("feed after close must fail")
	}
}

func TestMockSessionEmitsPerFedAudio(t *testing.T) {
	r := NewMockRecognizer(config.RecognizerConfig{Mode: "mock"})
	sess, err := r.NewSession(context.Background(), nil)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	defer sess.Close()

	if err := sess.Feed(make([]byte, 40000)); err != nil {
		t.Fatalf("feed: %v", err)
	}
	select {
	case res := <-sess.Results():
		if res.Text == "" {
			t.Fatal("expected non-empty placeholder transcript")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for placeholder result")
	}
}

func TestMockSessionEmitCadence(t *testing.T) {
	// 500 ms of 16 kHz mono s16le audio is 16000 bytes.
	r := NewMockRecognizer(config.RecognizerConfig{Mode: "mock", PartialEveryMS: 500})
	sess, err := r.NewSession(context.Background(), nil)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	defer sess.Close()

	if err := sess.Feed(make([]byte, 15000)); err != nil {
		t.Fatalf("feed: %v", err)
	}
	select {
	case res := <-sess.Results():
		t.Fatalf("result before the configured interval: %+v", res)
	default:
	}

	if err := sess.Feed(make([]byte, 2000)); err != nil {
		t.Fatalf("feed: %v", err)
	}
	select {
	case <-sess.Results():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result after the configured interval")
	}
}

func TestMockRecognizerTracksSessions(t *testing.T) {
	r := NewMockRecognizer(config.RecognizerConfig{Mode: "mock"})
	for i := 0; i < 3; i++ {
		if _, err := r.NewSession(context.Background(), nil); err != nil {
			t.Fatalf("open session %d: %v", i, err)
		}
	}
	if n := len(r.Sessions()); n != 3 {
		t.Fatalf("expected 3 sessions, got %d", n)
	}
}

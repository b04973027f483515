package stt

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuelinelabs/cueline-core/internal/config"
)

// MockRecognizer emits a placeholder partial for every chunk of fed audio.
// Tests that need real text push results through Emit instead.
type MockRecognizer struct {
	cfg config.RecognizerConfig

	mu       sync.Mutex
	sessions []*MockSession
}

func NewMockRecognizer(cfg config.RecognizerConfig) *MockRecognizer {
	return &MockRecognizer{cfg: cfg}
}

func (r *MockRecognizer) NewSession(ctx context.Context, vocabulary []string) (Session, error) {
	every := r.cfg.PartialEveryMS
	if every <= 0 {
		every = 1000
	}
	s := &MockSession{
		results: make(chan Result, 16),
		// 16 kHz mono s16le audio is 32 bytes per millisecond.
		emitEvery: every * 32,
	}
	r.mu.Lock()
	r.sessions = append(r.sessions, s)
	r.mu.Unlock()
	return s, nil
}

// Sessions returns every session opened so far, in order.
func (r *MockRecognizer) Sessions() []*MockSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*MockSession(nil), r.sessions...)
}

type MockSession struct {
	mu        sync.Mutex
	closed    bool
	fedBytes  int
	emitted   int
	emitEvery int

	results chan Result
}

func (s *MockSession) Feed(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("mock session closed")
	}
	s.fedBytes += len(pcm)
	for s.fedBytes/s.emitEvery > s.emitted {
		s.emitted++
		select {
		case s.results <- Result{Text: fmt.Sprintf("[mock transcript %d]", s.emitted), Final: false, Confidence: 1}:
		default:
		}
	}
	return nil
}

// Emit injects a hypothesis, as if the recognizer produced it.
func (s *MockSession) Emit(res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.results <- res
}

// FedBytes reports the total audio pushed into the session.
func (s *MockSession) FedBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fedBytes
}

func (s *MockSession) Results() <-chan Result {
	return s.results
}

func (s *MockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.results)
	return nil
}

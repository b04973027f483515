package capture

import (
	"context"
	"sync"
	"time"

	"github.com/cuelinelabs/cueline-core/internal/config"
)

// MockSource emits silence frames at roughly real-time cadence. Tests push
// their own frames through Feed.
type MockSource struct {
	cfg config.CaptureConfig

	mu      sync.Mutex
	frameCh chan Frame
	errCh   chan error
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Silence disables the background silence generator.
	Silence bool
}

func NewMockSource(cfg config.CaptureConfig) *MockSource {
	return &MockSource{cfg: cfg}
}

func (s *MockSource) Start(ctx context.Context) (<-chan Frame, <-chan error, error) {
	runCtx, cancel := context.WithCancel(ctx)

	depth := s.cfg.ChannelDepth
	if depth <= 0 {
		depth = 32
	}
	frameCh := make(chan Frame, depth)
	errCh := make(chan error, 1)

	s.mu.Lock()
	s.frameCh = frameCh
	s.errCh = errCh
	s.cancel = cancel
	s.mu.Unlock()

	if !s.Silence {
		interval := time.Duration(s.cfg.BufferFrames) * time.Second / time.Duration(s.cfg.SampleRate)
		if interval <= 0 {
			interval = 16 * time.Millisecond
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			zero := make([]byte, s.cfg.BufferFrames*2*s.cfg.Channels)
			for {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.C:
					pcm := make([]byte, len(zero))
					select {
					case frameCh <- Frame{PCM: pcm, Timestamp: time.Now()}:
					default:
					}
				}
			}
		}()
	}

	return frameCh, errCh, nil
}

// Feed injects a frame, as if the microphone produced it.
func (s *MockSource) Feed(pcm []byte) {
	s.mu.Lock()
	ch := s.frameCh
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- Frame{PCM: pcm, Timestamp: time.Now()}:
	default:
	}
}

func (s *MockSource) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	ch := s.frameCh
	s.frameCh = nil
	errCh := s.errCh
	s.errCh = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	s.wg.Wait()
	if ch != nil {
		close(ch)
	}
	if errCh != nil {
		close(errCh)
	}
	return nil
}

package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuelinelabs/cueline-core/internal/config"
	shellwords "github.com/mattn/go-shellwords"
)

// ExecSource captures microphone audio through a pw-record style subprocess
// that writes raw s16le PCM to stdout.
type ExecSource struct {
	cfg     config.CaptureConfig
	running atomic.Bool
	dropped atomic.Int64

	mu     sync.Mutex // guards cmd and cancel
	cmd    *exec.Cmd
	cancel context.CancelFunc

	wg sync.WaitGroup
}

func NewExecSource(cfg config.CaptureConfig) *ExecSource {
	return &ExecSource{cfg: cfg}
}

func (s *ExecSource) Start(ctx context.Context) (<-chan Frame, <-chan error, error) {
	if s.running.Load() {
		return nil, nil, errors.New("capture already running")
	}

	parser := shellwords.NewParser()
	args, err := parser.Parse(s.cfg.Command)
	if err != nil {
		return nil, nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, nil, errors.New("capture command is empty")
	}
	args = append(args,
		"--format", "s16le",
		"--rate", strconv.Itoa(s.cfg.SampleRate),
		"--channels", strconv.Itoa(s.cfg.Channels),
	)
	if s.cfg.Device != "" {
		args = append(args, "--target", s.cfg.Device)
	}
	args = append(args, "-")

	captureCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(captureCtx, args[0], args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("create capture stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("start capture command: %w", err)
	}

	depth := s.cfg.ChannelDepth
	if depth <= 0 {
		depth = 32
	}
	frameCh := make(chan Frame, depth)
	errCh := make(chan error, 1)

	s.mu.Lock()
	s.cmd = cmd
	s.cancel = cancel
	s.mu.Unlock()
	s.running.Store(true)

	s.wg.Add(1)
	go s.readLoop(captureCtx, stdout, frameCh, errCh)

	return frameCh, errCh, nil
}

func (s *ExecSource) readLoop(ctx context.Context, stdout io.Reader, frameCh chan<- Frame, errCh chan<- error) {
	defer func() {
		close(frameCh)
		close(errCh)
		s.running.Store(false)

		s.mu.Lock()
		if s.cmd != nil {
			_ = s.cmd.Wait()
			s.cmd = nil
		}
		s.cancel = nil
		s.mu.Unlock()

		s.wg.Done()
	}()

	frameBytes := s.cfg.BufferFrames * 2 * s.cfg.Channels
	buf := make([]byte, frameBytes)
	for {
		n, readErr := io.ReadFull(stdout, buf)
		if n > 0 {
			pcm := make([]byte, n)
			copy(pcm, buf[:n])
			select {
			case frameCh <- Frame{PCM: pcm, Timestamp: time.Now()}:
			case <-ctx.Done():
				return
			default:
				// Drop on backpressure rather than stall the pipe.
				s.dropped.Add(1)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				return
			}
			select {
			case errCh <- fmt.Errorf("read capture audio: %w", readErr):
			default:
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// Dropped reports how many frames were discarded under backpressure.
func (s *ExecSource) Dropped() int64 {
	return s.dropped.Load()
}

func (s *ExecSource) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return nil
}

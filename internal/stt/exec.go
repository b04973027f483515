package stt

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/cuelinelabs/cueline-core/internal/config"
	shellwords "github.com/mattn/go-shellwords"
)

// ExecRecognizer spawns a streaming transcriber subprocess per session. The
// child reads s16le PCM on stdin and writes one JSON object per hypothesis
// on stdout.
type ExecRecognizer struct {
	cfg  config.RecognizerConfig
	args []string
	log  *slog.Logger
}

func NewExecRecognizer(cfg config.RecognizerConfig, log *slog.Logger) (*ExecRecognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("recognizer command is empty")
	}
	if log == nil {
		log = slog.Default()
	}
	return &ExecRecognizer{cfg: cfg, args: args, log: log}, nil
}

// sessionArgs builds the full child argv for one session.
func (r *ExecRecognizer) sessionArgs(vocabulary []string) []string {
	args := append([]string(nil), r.args...)
	if r.cfg.ModelPath != "" {
		args = append(args, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		args = append(args, "--language", r.cfg.Language)
	}
	if r.cfg.PartialEveryMS > 0 {
		args = append(args, "--step", strconv.Itoa(r.cfg.PartialEveryMS))
	}
	if r.cfg.VocabularyBias && len(vocabulary) > 0 {
		args = append(args, "--prompt", strings.Join(vocabulary, ", "))
	}
	return args
}

func (r *ExecRecognizer) NewSession(ctx context.Context, vocabulary []string) (Session, error) {
	args := r.sessionArgs(vocabulary)

	sessCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(sessCtx, args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create recognizer stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create recognizer stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start recognizer command: %w", err)
	}

	s := &execSession{
		cmd:     cmd,
		stdin:   stdin,
		cancel:  cancel,
		results: make(chan Result, 16),
		log:     r.log,
	}
	go s.readLoop(stdout)
	return s, nil
}

type execSession struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	log    *slog.Logger

	mu     sync.Mutex // guards stdin writes and closed
	stdin  io.WriteCloser
	closed bool

	results chan Result
}

// execResult is the child's wire format, one object per line.
type execResult struct {
	Text       string  `json:"text"`
	Final      bool    `json:"final"`
	Confidence float64 `json:"confidence"`
}

func (s *execSession) readLoop(stdout io.Reader) {
	defer func() {
		close(s.results)
		_ = s.cmd.Wait()
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var res execResult
		if err := json.Unmarshal([]byte(line), &res); err != nil {
			s.log.Debug("skipping non-JSON recognizer output", "line", line)
			continue
		}
		if res.Text == "" {
			continue
		}
		s.results <- Result{Text: res.Text, Final: res.Final, Confidence: res.Confidence}
	}
}

func (s *execSession) Feed(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("recognizer session closed")
	}
	if _, err := s.stdin.Write(pcm); err != nil {
		return fmt.Errorf("feed recognizer: %w", err)
	}
	return nil
}

func (s *execSession) Results() <-chan Result {
	return s.results
}

func (s *execSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	_ = s.stdin.Close()
	s.mu.Unlock()

	s.cancel()
	for range s.results {
	}
	return nil
}

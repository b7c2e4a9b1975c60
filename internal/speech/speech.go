// Package speech voices finalized assistant replies through an external
// text-to-speech command.
package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultQueueSize = 8
)

// Runner executes argv with text on stdin.
type Runner interface {
	Run(ctx context.Context, argv []string, text string) error
}

// ExecRunner runs commands on the host.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, argv []string, text string) error {
	if len(argv) == 0 {
		return errors.New("speech: empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(text)
	var errBuf bytes.Buffer
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(errBuf.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", argv[0], err, msg)
		}
		return fmt.Errorf("%s: %w", argv[0], err)
	}
	return nil
}

type utterance struct {
	runID string
	text  string
}

// CommandSpeaker queues final texts and speaks them one at a time. Speak
// never blocks the caller; a full queue drops the utterance.
type CommandSpeaker struct {
	argv    []string
	timeout time.Duration
	runner  Runner
	logger  *slog.Logger
	queue   chan utterance
	dropped atomic.Int64
	spoken  atomic.Int64
}

// Options configures a CommandSpeaker.
type Options struct {
	Timeout   time.Duration
	QueueSize int
	Runner    Runner
	Logger    *slog.Logger
}

func NewCommandSpeaker(argv []string, opts Options) *CommandSpeaker {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &CommandSpeaker{
		argv:    append([]string(nil), argv...),
		timeout: opts.Timeout,
		runner:  opts.Runner,
		logger:  opts.Logger,
		queue:   make(chan utterance, opts.QueueSize),
	}
}

// Speak enqueues text. It matches chat.FinalFunc.
func (s *CommandSpeaker) Speak(runID, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	select {
	case s.queue <- utterance{runID: runID, text: text}:
	default:
		s.dropped.Add(1)
		s.logger.Warn("speech queue full, dropping utterance", "run_id", runID)
	}
}

// Run speaks queued texts until ctx is done.
func (s *CommandSpeaker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-s.queue:
			runCtx, cancel := context.WithTimeout(ctx, s.timeout)
			err := s.runner.Run(runCtx, s.argv, u.text)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Warn("speech command failed", "run_id", u.runID, "error", err)
				continue
			}
			s.spoken.Add(1)
			s.logger.Debug("spoke final reply", "run_id", u.runID, "chars", len(u.text))
		}
	}
}

// Spoken returns how many utterances completed successfully.
func (s *CommandSpeaker) Spoken() int64 { return s.spoken.Load() }

// Dropped returns how many utterances were discarded on a full queue.
func (s *CommandSpeaker) Dropped() int64 { return s.dropped.Load() }

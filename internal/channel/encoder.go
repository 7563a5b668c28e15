/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrEncoderLaunch means the encoder never reported ready within the
	// launch timeout.
	ErrEncoderLaunch = errors.New("channel: encoder launch failed")

	// ErrNotStreaming is returned for operations that require a live
	// encoder.
	ErrNotStreaming = errors.New("channel: channel is not streaming")
)

// EncoderEventKind classifies messages from the encoder process.
type EncoderEventKind string

const (
	EncoderReady  EncoderEventKind = "ready"
	EncoderHealth EncoderEventKind = "health"
	EncoderExited EncoderEventKind = "exited"
)

// EncoderEvent is one control-channel message from the encoder.
type EncoderEvent struct {
	Kind     EncoderEventKind
	ExitCode int
	Detail   string
}

// Encoder is an opaque playout process: it takes a plan, emits a byte stream
// on Output, and reports ready/health/exited on Events. Implementations must
// close Events after emitting the exited event.
type Encoder interface {
	Start(ctx context.Context, plan PlayoutPlan) error
	Events() <-chan EncoderEvent
	Output() io.Reader
	Stop()
}

// EncoderFactory builds a fresh encoder for a channel. Each launch gets a
// new instance; an encoder is never restarted in place.
type EncoderFactory func(channelID string) Encoder

// execEncoder runs the external encoder binary. The plan is handed over as
// JSON on stdin, the media stream arrives on stdout, and the control channel
// is line-oriented on stderr ("ready", "health ...", anything else logged).
type execEncoder struct {
	bin       string
	channelID string
	logger    zerolog.Logger

	events chan EncoderEvent
	output io.Reader

	mu     sync.Mutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

// NewExecEncoderFactory returns a factory launching bin for each stream.
func NewExecEncoderFactory(bin string, logger zerolog.Logger) EncoderFactory {
	return func(channelID string) Encoder {
		return &execEncoder{
			bin:       bin,
			channelID: channelID,
			logger:    logger.With().Str("component", "encoder").Str("channel_id", channelID).Logger(),
			events:    make(chan EncoderEvent, 8),
		}
	}
}

func (e *execEncoder) Start(ctx context.Context, plan PlayoutPlan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd != nil {
		return fmt.Errorf("encoder already started for channel %s", e.channelID)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, e.bin, "--channel", e.channelID)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return err
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("%w: %v", ErrEncoderLaunch, err)
	}

	e.cmd = cmd
	e.cancel = cancel
	e.output = stdout

	go func() {
		defer stdin.Close()
		if err := json.NewEncoder(stdin).Encode(plan); err != nil {
			e.logger.Error().Err(err).Msg("failed to write plan to encoder")
		}
	}()

	go e.controlLoop(stderr)
	go func() {
		err := cmd.Wait()
		code := 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}
		e.events <- EncoderEvent{Kind: EncoderExited, ExitCode: code}
		close(e.events)
	}()

	return nil
}

// controlLoop parses the encoder's stderr line protocol.
func (e *execEncoder) controlLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "ready":
			select {
			case e.events <- EncoderEvent{Kind: EncoderReady}:
			default:
			}
		case strings.HasPrefix(line, "health"):
			select {
			case e.events <- EncoderEvent{Kind: EncoderHealth, Detail: strings.TrimSpace(strings.TrimPrefix(line, "health"))}:
			default:
			}
		default:
			e.logger.Debug().Str("line", line).Msg("encoder output")
		}
	}
}

func (e *execEncoder) Events() <-chan EncoderEvent { return e.events }

func (e *execEncoder) Output() io.Reader {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.output
}

func (e *execEncoder) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

var _ Encoder = (*execEncoder)(nil)

// launchTimeoutErr builds the error used when ready never arrives.
func launchTimeoutErr(timeout time.Duration) error {
	return fmt.Errorf("%w: no ready within %s", ErrEncoderLaunch, timeout)
}

// Package control turns operator stop requests from several sources into
// cancellation of the scheduler.
package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
)

// StopCommand is the operator line that requests shutdown.
const StopCommand = "exit"

// Prompt is written before every line read from the terminal.
const Prompt = "Type 'exit' to stop the pipeline: "

// ErrSourceClosed is returned by a source that can no longer deliver a stop request.
var ErrSourceClosed = errors.New("command source closed")

// Source delivers a single stop request. Wait blocks until the request
// arrives (nil), ctx ends (ctx.Err()) or the source closes (ErrSourceClosed).
type Source interface {
	Name() string
	Wait(ctx context.Context) error
}

// IsStopCommand reports whether line is the stop command, ignoring case and
// surrounding whitespace.
func IsStopCommand(line string) bool {
	return strings.EqualFold(strings.TrimSpace(line), StopCommand)
}

// LineSource reads operator lines, repeating the prompt until the stop command arrives.
type LineSource struct {
	in     io.Reader
	prompt io.Writer
	logger *slog.Logger
}

// NewLineSource reads lines from in. The prompt is written to prompt, if not nil.
func NewLineSource(in io.Reader, prompt io.Writer, logger *slog.Logger) *LineSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &LineSource{in: in, prompt: prompt, logger: logger}
}

func (s *LineSource) Name() string { return "stdin" }

// Wait returns when a stop line is read. The read itself cannot be
// interrupted; on ctx cancellation Wait returns and the reader goroutine ends
// with the next line or end of input.
func (s *LineSource) Wait(ctx context.Context) error {
	found := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(s.in)
		for {
			if s.prompt != nil {
				fmt.Fprint(s.prompt, Prompt)
			}
			if !sc.Scan() {
				if err := sc.Err(); err != nil {
					found <- fmt.Errorf("%w: %v", ErrSourceClosed, err)
					return
				}
				found <- ErrSourceClosed
				return
			}
			line := sc.Text()
			if IsStopCommand(line) {
				found <- nil
				return
			}
			if strings.TrimSpace(line) != "" {
				s.logger.Debug("ignoring operator input", "input", line)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	select {
	case err := <-found:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SignalSource delivers a stop request on one of the given OS signals.
type SignalSource struct {
	signals []os.Signal
}

func NewSignalSource(signals ...os.Signal) *SignalSource {
	return &SignalSource{signals: signals}
}

func (s *SignalSource) Name() string { return "signal" }

func (s *SignalSource) Wait(ctx context.Context) error {
	sctx, stop := signal.NotifyContext(ctx, s.signals...)
	defer stop()
	<-sctx.Done()
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// Trigger is a programmatic source, used by the HTTP stop endpoint.
type Trigger struct {
	once sync.Once
	ch   chan struct{}
}

func NewTrigger() *Trigger {
	return &Trigger{ch: make(chan struct{})}
}

func (t *Trigger) Name() string { return "rpc" }

// Stop requests shutdown. It reports whether this call was the first request.
func (t *Trigger) Stop() bool {
	first := false
	t.once.Do(func() {
		close(t.ch)
		first = true
	})
	return first
}

func (t *Trigger) Wait(ctx context.Context) error {
	select {
	case <-t.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Task is the long-running work a Controller supervises, normally the scheduler.
type Task interface {
	Run(ctx context.Context) error
}

// Controller cancels its task on the first stop request from any source and
// waits for the task to return.
type Controller struct {
	sources []Source
	logger  *slog.Logger
}

func NewController(logger *slog.Logger, sources ...Source) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{sources: sources, logger: logger}
}

// Run blocks until task returns. A closed source is logged and ignored; the
// other sources keep listening.
func (c *Controller) Run(ctx context.Context, task Task) error {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, src := range c.sources {
		go func(src Source) {
			err := src.Wait(taskCtx)
			switch {
			case err == nil:
				c.logger.Info("stop requested", "source", src.Name())
				cancel()
			case errors.Is(err, ErrSourceClosed):
				c.logger.Info("command source closed", "source", src.Name(), "error", err)
			}
		}(src)
	}

	return task.Run(taskCtx)
}

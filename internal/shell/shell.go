// Package shell reads command lines from an input stream and hands each one
// to the execution engine.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/seantiz/jobrunner/internal/command"
	"github.com/seantiz/jobrunner/internal/model"
)

// Dispatcher is the part of the engine the shell needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, spec model.CommandSpec) (string, error)
}

// LineWriter receives error lines and prompts. The engine's sink satisfies it.
type LineWriter interface {
	io.Writer
	WriteLine(line string) error
}

// Stats counts what the shell has processed.
type Stats struct {
	Lines      int `json:"lines"`
	Dispatched int `json:"dispatched"`
	Rejected   int `json:"rejected"`
}

// Shell is a line-oriented command loop.
type Shell struct {
	dispatcher Dispatcher
	out        LineWriter
	logger     *slog.Logger
	prompt     string
	stats      Stats
}

// Option configures a Shell.
type Option func(*Shell)

// WithPrompt prints prompt before reading each line.
func WithPrompt(prompt string) Option {
	return func(s *Shell) { s.prompt = prompt }
}

// New creates a shell that dispatches to d and reports errors on out.
func New(d Dispatcher, out LineWriter, logger *slog.Logger, opts ...Option) *Shell {
	s := &Shell{
		dispatcher: d,
		out:        out,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run reads r line by line until EOF or ctx is cancelled. Foreground
// commands finish before the next line is read; background commands keep
// running after Run returns.
func (s *Shell) Run(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.showPrompt()
		if !scanner.Scan() {
			break
		}
		s.stats.Lines++
		s.handle(ctx, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read commands: %w", err)
	}
	return nil
}

// Stats returns the counters accumulated by Run.
func (s *Shell) Stats() Stats {
	return s.stats
}

func (s *Shell) handle(ctx context.Context, line string) {
	spec, err := command.Parse(line)
	if errors.Is(err, command.ErrEmptyLine) {
		return
	}
	if err != nil {
		s.reject(line, err)
		return
	}

	id, err := s.dispatcher.Dispatch(ctx, spec)
	if err != nil {
		s.reject(line, err)
		return
	}
	s.stats.Dispatched++
	s.logger.Debug("command dispatched", "dispatch_id", id, "line", spec.Line)
}

func (s *Shell) reject(line string, err error) {
	s.stats.Rejected++
	s.logger.Warn("command rejected", "line", line, "error", err)
	if werr := s.out.WriteLine("Error: " + err.Error()); werr != nil {
		s.logger.Error("failed to write error line", "error", werr)
	}
}

func (s *Shell) showPrompt() {
	if s.prompt == "" {
		return
	}
	if _, err := io.WriteString(s.out, s.prompt); err != nil {
		s.logger.Error("failed to write prompt", "error", err)
	}
}

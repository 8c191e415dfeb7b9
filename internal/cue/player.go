// Package cue plays short audio cues around a listen window.
package cue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

const asyncTimeout = 30 * time.Second

// Player plays a cue file. Play blocks until playback ends; PlayAsync returns
// immediately and only logs failures.
type Player interface {
	Play(ctx context.Context, path string) error
	PlayAsync(path string)
}

// Nop discards every cue.
type Nop struct{}

func (Nop) Play(context.Context, string) error { return nil }
func (Nop) PlayAsync(string)                   {}

// ExecPlayer runs an external player (aplay, afplay, ffplay...) with the cue
// path appended as the last argument.
type ExecPlayer struct {
	cmd []string
	log *slog.Logger
	wg  sync.WaitGroup
}

func NewExecPlayer(command string, logger *slog.Logger) (*ExecPlayer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse cue command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("cue command is empty")
	}
	return &ExecPlayer{cmd: args, log: logger.With(slog.String("component", "cue"))}, nil
}

func (p *ExecPlayer) Play(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	args := append(append([]string{}, p.cmd[1:]...), path)
	command := exec.CommandContext(ctx, p.cmd[0], args...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return fmt.Errorf("play cue %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (p *ExecPlayer) PlayAsync(path string) {
	if path == "" {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()
		if err := p.Play(ctx, path); err != nil {
			p.log.Warn("cue playback failed", slog.String("error", err.Error()))
		}
	}()
}

// Close waits for background playback to finish.
func (p *ExecPlayer) Close() {
	p.wg.Wait()
}

// Check reports whether a configured cue file is usable. An empty path is fine.
func Check(path string) error {
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cue %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("cue %s is a directory", path)
	}
	return nil
}

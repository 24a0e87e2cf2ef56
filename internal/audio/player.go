/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-listen/internal/logging"
)

// ErrPlayback marks missing files, unsupported formats and player failures
var ErrPlayback = errors.New("playback failed")

// Player plays an audio file to completion
type Player interface {
	Play(ctx context.Context, path string) error
}

// CommandPlayer plays files with ffplay (or a compatible command) and waits
// for the process to exit.
type CommandPlayer struct {
	command string
	args    []string
}

// NewCommandPlayer creates a player; an empty command means ffplay
func NewCommandPlayer(command string) *CommandPlayer {
	if command == "" {
		command = "ffplay"
	}
	return &CommandPlayer{
		command: command,
		args:    []string{"-nodisp", "-autoexit", "-loglevel", "error"},
	}
}

// Play blocks until playback finishes. The player process is always
// reaped, including when ctx is cancelled mid-playback.
func (p *CommandPlayer) Play(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPlayback, err)
	}
	if info.IsDir() || info.Size() == 0 {
		return fmt.Errorf("%w: %s is not a playable file", ErrPlayback, path)
	}

	args := append(append([]string(nil), p.args...), path)
	cmd := exec.CommandContext(ctx, p.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: interrupted: %v", ErrPlayback, ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("%w: %s", ErrPlayback, msg)
	}

	logging.Component("playback").Debug("Playback finished",
		zap.String("path", path),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// Cue plays a short acknowledgment sound without blocking the caller
type Cue struct {
	player Player
	path   string
	logger *zap.Logger
}

// NewCue creates a cue; an empty path disables it
func NewCue(player Player, path string) *Cue {
	return &Cue{player: player, path: path, logger: logging.Component("playback")}
}

// Acknowledge starts the cue in the background and returns a channel that
// is closed when it has finished.
func (c *Cue) Acknowledge(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if c == nil || c.path == "" {
		close(done)
		return done
	}

	go func() {
		defer close(done)
		if err := c.player.Play(ctx, c.path); err != nil {
			c.logger.Warn("Acknowledgment sound failed", zap.String("path", c.path), zap.Error(err))
		}
	}()
	return done
}

package variant

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Installer prepares a working tree for running, typically by installing
// dependencies.
type Installer func(ctx context.Context, dir string) error

// NoInstall is an Installer that does nothing.
func NoInstall(context.Context, string) error { return nil }

// CommandInstaller runs argv inside the target directory. An empty argv
// yields NoInstall.
func CommandInstaller(argv []string, timeout time.Duration, logger zerolog.Logger) Installer {
	if len(argv) == 0 {
		return NoInstall
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	log := logger.With().Str("component", "install").Logger()
	return func(ctx context.Context, dir string) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = dir
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out

		start := time.Now()
		if err := cmd.Run(); err != nil {
			tail := out.String()
			if len(tail) > 2048 {
				tail = tail[len(tail)-2048:]
			}
			return fmt.Errorf("%s: %w: %s", strings.Join(argv, " "), err, strings.TrimSpace(tail))
		}
		log.Info().Str("dir", dir).Dur("took", time.Since(start)).Msg("dependencies installed")
		return nil
	}
}

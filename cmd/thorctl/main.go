// Command thorctl resolves, fetches and drives engine builds.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thorctl/thorctl/cmd/thorctl/commands"
	"github.com/thorctl/thorctl/pkg/controller"
)

// Set via -ldflags at release time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Exit codes. An action the engine rejected is distinguished from
// resolution, config and transport failures so scripts can branch on it.
const (
	exitError        = 1
	exitActionFailed = 2
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	zerolog.SetGlobalLevel(levelFromEnv())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := commands.Execute(ctx, Version, Commit, BuildDate)
	stop()
	if err == nil {
		return
	}

	log.Error().Err(err).Msg("thorctl failed")
	var failed *controller.ActionFailedError
	if errors.As(err, &failed) {
		os.Exit(exitActionFailed)
	}
	os.Exit(exitError)
}

// levelFromEnv reads THOR_LOG_LEVEL, falling back to LOG_LEVEL and then info.
func levelFromEnv() zerolog.Level {
	for _, key := range []string{"THOR_LOG_LEVEL", "LOG_LEVEL"} {
		if v := os.Getenv(key); v != "" {
			if lvl, err := zerolog.ParseLevel(v); err == nil {
				return lvl
			}
		}
	}
	return zerolog.InfoLevel
}

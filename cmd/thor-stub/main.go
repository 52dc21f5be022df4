// Package main implements thor-stub, a stand-in engine binary that speaks
// the controller protocol over stdio. It accepts the same command line as
// a real build so it can be dropped into a releases directory.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/thorctl/thorctl/pkg/stub"
)

// ttl bounds how long an abandoned stub stays alive.
const ttl = 30 * time.Minute

func main() {
	// Engine flags are single-dash words taking a value, which the standard
	// flag package parses as given.
	fs := flag.NewFlagSet("thor-stub", flag.ContinueOnError)
	width := fs.Int("screen-width", 300, "screen width")
	height := fs.Int("screen-height", 300, "screen height")
	fs.Int("screen-quality", 7, "quality level")
	fs.Int("screen-fullscreen", 0, "fullscreen (0 or 1)")
	batch := fs.Bool("batchmode", false, "run without a display")

	// Logs go to stderr; stdout carries the protocol.
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if os.Getenv("LOG_LEVEL") != "debug" {
		logger = logger.Level(zerolog.InfoLevel)
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Error().Err(err).Msg("invalid arguments")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ttl)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := stub.New(*width, *height, *batch, logger)
	if err := engine.Serve(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Error().Err(err).Msg("engine stopped")
		os.Exit(1)
	}
}

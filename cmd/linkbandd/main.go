// Command linkbandd is the local biosignal acquisition daemon: it owns
// the Bluetooth link to one headband, decodes and processes the sensor
// streams, fans them out over WebSocket, records sessions and serves
// the HTTP control plane.
//
// Exit codes: 0 clean shutdown, 1 fatal startup error, 2 unusable
// device stack.
package main

import (
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/lxbio/linkbandd/internal/ble"
	"github.com/lxbio/linkbandd/internal/config"
	"github.com/lxbio/linkbandd/internal/engine"
	"github.com/lxbio/linkbandd/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	sim := flag.Bool("sim", false, "use the synthetic device transport instead of Bluetooth")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		logger := logging.New(logging.Config{Level: "info", Format: logging.FormatJSON})
		logger.Error().Err(err).Msg("Failed to load configuration")
		return 1
	}
	if *sim {
		cfg.Simulate = true
	}

	logger := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: logging.Format(cfg.LogFormat),
	})
	cfg.LogConfig(logger)

	eng, err := engine.New(logger, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to build engine")
		if errors.Is(err, ble.ErrAdapter) {
			return 2
		}
		return 1
	}

	if err := eng.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start engine")
		return 1
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info().Str("signal", s.String()).Msg("Shutting down")

	eng.Stop()
	return 0
}

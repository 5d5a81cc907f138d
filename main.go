// Pulse watches devices attached through the adb diagnostic bridge:
// connection state, package inventory, memory usage and crash/ANR
// events, delivered as an ordered event stream.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"Pulse/pkg/config"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to JSON config file")
		bridgePath = flag.String("adb", "", "path to the adb binary (overrides config)")
		logLevel   = flag.String("log-level", "", "debug|info|warn|error (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log := newLogger("info", "console")
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if *bridgePath != "" {
		cfg.BridgePath = *bridgePath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := newLogger(cfg.LogLevel, cfg.LogFormat)

	app, err := NewApp(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *configPath != "" {
		go func() {
			_ = config.Watch(ctx, *configPath, log, app.ApplyConfig)
		}()
	}

	if err := app.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("runtime failure")
	}
}

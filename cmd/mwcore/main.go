// Command mwcore is the core subprocess: it is spawned by a component's API
// library with the fixed argv `-f <fd> -a <app_name> -k <session_key> -c
// <cfg_path>`, reads endpoint/mapping/transport commands off the inherited
// file descriptor, and drives whichever transport plug-ins its config
// declares.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/basket/mwcore/internal/config"
	"github.com/basket/mwcore/internal/telemetry"
)

func main() {
	var (
		fdFlag      = flag.Int("f", -1, "inherited component-channel file descriptor")
		appName     = flag.String("a", "", "application name advertised in the manifest")
		sessionKey  = flag.String("k", "", "session key presented as the first bytes on the component channel")
		cfgPath     = flag.String("c", "", "path to the core's yaml config file")
		healthAddr  = flag.String("debug-listen", "", "override the debug/control channel listen address")
	)
	flag.Parse()

	bootLogger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if *fdFlag < 0 {
		bootLogger.Error("missing required -f <fd> argument")
		os.Exit(2)
	}
	if *appName == "" {
		bootLogger.Error("missing required -a <app_name> argument")
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath, *appName)
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *healthAddr != "" {
		cfg.Debug.Listen = *healthAddr
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.LogDir, cfg.LogLevel, false)
	if err != nil {
		bootLogger.Error("failed to init logger", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	core, err := newCore(ctx, coreParams{
		AppName:    *appName,
		SessionKey: []byte(*sessionKey),
		Fd:         uintptr(*fdFlag),
		Config:     cfg,
		Logger:     logger,
		Shutdown:   stop,
	})
	if err != nil {
		logger.Error("failed to construct core", "error", err)
		os.Exit(1)
	}

	if err := core.Run(ctx); err != nil {
		logger.Error("core exited with error", "error", err)
		os.Exit(1)
	}
}

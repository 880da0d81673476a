// SPDX-License-Identifier: MIT

// Command aoid runs the automated optical inspection daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prodvision/aoid/internal/api"
	"github.com/prodvision/aoid/internal/barcode"
	"github.com/prodvision/aoid/internal/config"
	"github.com/prodvision/aoid/internal/feature"
	"github.com/prodvision/aoid/internal/golden"
	"github.com/prodvision/aoid/internal/health"
	"github.com/prodvision/aoid/internal/inspect"
	"github.com/prodvision/aoid/internal/linker"
	"github.com/prodvision/aoid/internal/log"
	"github.com/prodvision/aoid/internal/ocr"
	"github.com/prodvision/aoid/internal/pathmap"
	"github.com/prodvision/aoid/internal/roiconfig"
	"github.com/prodvision/aoid/internal/session"
	"github.com/prodvision/aoid/internal/version"
)

// Exit codes: 1 for configuration problems, 2 when the listen socket
// cannot be bound.
const (
	exitConfig = 1
	exitBind   = 2
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")

	host := flag.String("host", "", "listen host")
	port := flag.Int("port", 0, "listen port")
	root := flag.String("root", "", "data root directory")
	devicePrefix := flag.String("device-prefix", "", "device-visible path prefix")
	localPrefix := flag.String("local-prefix", "", "service-local path prefix")
	linkerURL := flag.String("linker-url", "", "barcode linker endpoint")
	workerCount := flag.Int("worker-count", 0, "roi worker pool size")
	sessionTTL := flag.Int("session-ttl-seconds", 0, "idle session expiry")
	inspectTimeout := flag.Int("inspect-timeout-seconds", 0, "inspect soft deadline")
	autoPromote := flag.Bool("auto-promote-golden", true, "enable golden auto-promotion")
	modelPath := flag.String("model-path", "", "mobilenet onnx model path")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	flag.Parse()

	if *showVersion {
		info := version.Get()
		fmt.Printf("aoid %s (commit: %s, built: %s)\n", info.Version, info.Commit, info.BuildDate)
		os.Exit(0)
	}

	log.Configure(log.Config{
		Level:   "info",
		Service: "aoid",
		Version: version.Version,
	})
	logger := log.WithComponent("daemon")

	cfg := config.Default()
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			logger.Error().Err(err).
				Str("event", "config.load_failed").
				Str("path", *configPath).
				Msg("failed to load configuration file")
			os.Exit(exitConfig)
		}
	}
	cfg.ApplyEnv()

	// flags beat env and file; only explicitly set flags apply
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = *host
		case "port":
			cfg.Port = *port
		case "root":
			cfg.Root = *root
		case "device-prefix":
			cfg.DevicePrefix = *devicePrefix
		case "local-prefix":
			cfg.LocalPrefix = *localPrefix
		case "linker-url":
			cfg.LinkerURL = *linkerURL
		case "worker-count":
			cfg.WorkerCount = *workerCount
		case "session-ttl-seconds":
			cfg.SessionTTLSeconds = *sessionTTL
		case "inspect-timeout-seconds":
			cfg.InspectTimeoutSec = *inspectTimeout
		case "auto-promote-golden":
			cfg.AutoPromoteGolden = *autoPromote
		case "model-path":
			cfg.ModelPath = *modelPath
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	log.Configure(log.Config{Level: cfg.LogLevel})

	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).
			Str("event", "config.invalid").
			Msg("configuration is invalid")
		os.Exit(exitConfig)
	}
	if err := cfg.EnsureRoot(); err != nil {
		logger.Error().Err(err).
			Str("event", "config.root_failed").
			Msg("could not provision data root")
		os.Exit(exitConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := health.PerformStartupChecks(ctx, &cfg); err != nil {
		logger.Error().Err(err).
			Str("event", "startup.check_failed").
			Msg("startup checks failed")
		os.Exit(exitConfig)
	}

	// backends
	registry := feature.NewRegistry(cfg.WorkerCount)
	registry.Register(feature.NewMobileNet(cfg.ModelPath))
	registry.Register(feature.NewORB())
	defer func() { _ = registry.Close() }()

	ocrEngine := ocr.New(ocr.Options{
		Languages: cfg.OCRLanguages,
		PoolSize:  cfg.WorkerCount,
	})
	defer func() { _ = ocrEngine.Close() }()

	paths := pathmap.New(cfg.DevicePrefix, cfg.LocalPrefix)
	products := roiconfig.NewStore(cfg.ProductsDir())
	goldens := golden.NewStore(cfg.ProductsDir())
	sessions := session.NewManager(cfg.SessionsDir(), cfg.SessionTTL())
	linkClient := linker.New(cfg.LinkerURL)

	engine := inspect.New(inspect.Options{
		Golden:      goldens,
		Features:    registry,
		Barcode:     barcode.NewDecoder(),
		OCR:         ocrEngine,
		Linker:      linkClient,
		Paths:       paths,
		WorkerCount: cfg.WorkerCount,
		Timeout:     cfg.InspectTimeout(),
		AutoPromote: cfg.AutoPromoteGolden,
	})

	healthMgr := health.NewManager(version.Version)
	healthMgr.RegisterChecker(health.NewDirWritableChecker("data_root", cfg.Root))
	healthMgr.RegisterChecker(health.NewFuncChecker("features", registry.Ready, "no feature extractor available", false))
	healthMgr.RegisterChecker(health.NewFuncChecker("ocr", ocrEngine.Ready, "tesseract unavailable", true))

	server := api.New(api.Options{
		Config:         &cfg,
		Sessions:       sessions,
		Products:       products,
		Golden:         goldens,
		Engine:         engine,
		Health:         healthMgr,
		Paths:          paths,
		FeatureMethods: registry.Methods,
		OCRReady:       ocrEngine.Ready,
	})

	// background workers
	go sessions.Run(ctx)
	go func() {
		if err := products.Watch(ctx); err != nil {
			logger.Warn().Err(err).
				Str("event", "config.watch_failed").
				Msg("config file watcher stopped, cache invalidation is save-only")
		}
	}()

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error().Err(err).
			Str("event", "server.bind_failed").
			Str("addr", addr).
			Msg("could not bind listen address")
		os.Exit(exitBind)
	}

	httpServer := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// inspect calls can legitimately run up to the soft deadline
		WriteTimeout: cfg.InspectTimeout() + 30*time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		logger.Info().Str("event", "server.shutdown").Msg("shutting down, draining requests")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info().
		Str("event", "server.started").
		Str("addr", addr).
		Str("root", cfg.Root).
		Str("version", version.Version).
		Msg("aoid listening")

	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).
			Str("event", "server.failed").
			Msg("http server stopped unexpectedly")
		os.Exit(exitBind)
	}
	logger.Info().Str("event", "server.stopped").Msg("shutdown complete")
}

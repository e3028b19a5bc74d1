// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command concordd starts the Concordance pipeline API server.
//
// The server exposes the capability registry, transformation path
// queries, chain validation, plan execution and uncertainty traces over
// HTTP, with Prometheus metrics on /metrics.
//
// Usage:
//
//	go run ./cmd/concordd
//	go run ./cmd/concordd -port 9090 -trace-dir /var/lib/concordance
//	go run ./cmd/concordd -capabilities ./capabilities.yaml -watch
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8080/v1/pipeline/health
//
//	# List registered tools
//	curl http://localhost:8080/v1/pipeline/capabilities | jq
//
//	# Find transformation paths
//	curl -X POST http://localhost:8080/v1/pipeline/paths \
//	  -H "Content-Type: application/json" \
//	  -d '{"start": "file_in", "goal": "graph_structure"}'
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/concordance-ai/concordance/pkg/logging"
	"github.com/concordance-ai/concordance/services/pipeline"
	"github.com/concordance-ai/concordance/services/pipeline/config"
	"github.com/concordance-ai/concordance/services/pipeline/tools"
	"github.com/concordance-ai/concordance/services/pipeline/trace"
)

func main() {
	port := flag.Int("port", 8080, "Port to listen on")
	debug := flag.Bool("debug", false, "Enable debug mode")
	capabilitiesPath := flag.String("capabilities", os.Getenv("CAPABILITIES_PATH"),
		"Capability YAML file (empty: embedded default)")
	watch := flag.Bool("watch", false, "Hot-reload the capability file on change")
	traceDir := flag.String("trace-dir", "", "Trace store directory (empty: in-memory)")
	logDir := flag.String("log-dir", "", "Log directory (empty: stderr only)")
	flag.Parse()

	logLevel := logging.LevelInfo
	if *debug {
		logLevel = logging.LevelDebug
	}
	appLogger := logging.New(logging.Config{
		Level:   logLevel,
		LogDir:  *logDir,
		Service: "concordd",
		JSON:    true,
	})
	defer appLogger.Close()
	logger := appLogger.Slog()
	slog.SetDefault(logger)

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager := config.NewManager(*capabilitiesPath, tools.Builders(), logger)
	if _, err := manager.Load(ctx); err != nil {
		logger.Error("failed to load capability registry", "error", err)
		os.Exit(1)
	}
	if *watch && *capabilitiesPath != "" {
		go func() {
			if err := manager.Watch(ctx); err != nil {
				logger.Error("capability watch stopped", "error", err)
			}
		}()
	}

	traceCfg := trace.InMemoryConfig()
	if *traceDir != "" {
		traceCfg = trace.DefaultConfig(*traceDir)
	}
	traceStore, err := trace.NewStore(traceCfg)
	if err != nil {
		logger.Error("failed to open trace store", "error", err, "dir", *traceDir)
		os.Exit(1)
	}
	defer func() {
		if err := traceStore.Close(); err != nil {
			logger.Error("failed to close trace store", "error", err)
		}
	}()

	handlers := pipeline.NewHandlers(manager).
		WithTraceStore(traceStore).
		WithLogger(logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("pipeline-service"))
	if *debug {
		router.Use(gin.Logger())
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	pipeline.RegisterRoutes(v1, handlers)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting pipeline server",
			slog.String("address", srv.Addr),
			slog.Int("tools", manager.Registry().Len()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down pipeline server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

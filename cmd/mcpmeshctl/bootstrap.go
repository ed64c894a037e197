package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mcpmesh/mcpmesh/internal/telemetry"
	"github.com/mcpmesh/mcpmesh/pkg/logging"
	"github.com/mcpmesh/mcpmesh/pkg/mcp"
	"github.com/mcpmesh/mcpmesh/pkg/output"
	"github.com/mcpmesh/mcpmesh/pkg/store"
)

// app bundles one CLI invocation's wiring: the descriptor store backing
// persistence, the connection manager, its governance ring, and the
// printer/logger pair every command writes through.
type app struct {
	printer    *output.Printer
	logger     *slog.Logger
	store      *store.Store
	cache      *mcp.MetadataCache
	governance *logging.GovernanceLog
	manager    *mcp.Manager
	telemetry  *telemetry.Telemetry
}

// newApp wires one process's worth of dependencies following spec §10.1/
// §10.2/§10.4: the store is both the metadata cache persister and the
// descriptor source, the governance ring is the manager's audit sink, and
// tracing installs only if MCPMESH_OTLP_ENDPOINT names an exporter.
func newApp() *app {
	printer := output.New()
	printer.SetDebug(debug)

	logger := newAppLogger()

	st := store.New(descriptorPath)
	cache := mcp.NewMetadataCache(st)
	governance := logging.NewGovernanceLog(0)

	dispatcher := mcp.NewDispatcher()
	manager := mcp.NewManager(mcp.ClientInfo{Name: "mcpmeshctl", Version: version}, dispatcher, cache, logger)
	manager.SetGovernanceRecorder(governance)

	tel := telemetry.New(context.Background(), telemetryConfigFromEnv())

	return &app{
		printer:    printer,
		logger:     logger,
		store:      st,
		cache:      cache,
		governance: governance,
		manager:    manager,
		telemetry:  tel,
	}
}

func newAppLogger() *slog.Logger {
	cfg := logging.DefaultConfig()
	cfg.Component = "mcpmeshctl"
	if debug {
		cfg.Level = slog.LevelDebug
	}
	if logPath != "" {
		cfg.Format = logging.FormatJSON
		cfg.Output = newRotatingWriter(logPath)
	} else {
		cfg.Format = logging.FormatText
		cfg.Output = os.Stderr
	}
	return logging.NewStructuredLogger(cfg)
}

// newRotatingWriter backs file-based logging with lumberjack so long-running
// invocations (log tail) don't grow one file unbounded.
func newRotatingWriter(path string) io.Writer {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
}

func telemetryConfigFromEnv() telemetry.Config {
	endpoint := envOr("MCPMESH_OTLP_ENDPOINT", "")
	return telemetry.Config{
		Enabled:     endpoint != "",
		Endpoint:    endpoint,
		Insecure:    envOr("MCPMESH_OTLP_INSECURE", "") == "true",
		SampleRatio: 1,
	}
}

// close stops the tracer provider, flushing any buffered spans.
func (a *app) close(ctx context.Context) {
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", "error", err)
	}
}

// loadAndReload reads the descriptor store and reconciles it into the
// manager, returning the descriptors for callers that also need the list
// (servers list, tools list warm-up).
func (a *app) loadAndReload(ctx context.Context) ([]*mcp.ServerDescriptor, error) {
	descriptors, err := a.store.Load()
	if err != nil {
		return nil, err
	}
	a.manager.ReloadDescriptors(ctx, descriptors)
	return descriptors, nil
}

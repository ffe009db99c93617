// Polymarket OHLCV Collector — a daemon that records candlestick history
// for Polymarket prediction markets.
//
// Architecture:
//
//	main.go               — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go      — orchestrator: wires discovery → transport → aggregator → storage
//	discovery/discovery.go — resolves search queries to outcome tokens via the Gamma API
//	transport/ws.go       — market-channel WebSocket with keepalive and auto-reconnect
//	aggregator/aggregator.go — builds fixed-interval OHLCV candles from the event stream
//	storage/writer.go     — buffered parquet writer, one file per market
//	storage/archive.go    — zip snapshots of the data directory with backup rotation
//
// The collector subscribes to every outcome token matching the configured
// queries, folds trades and quote updates into per-asset candles, and
// periodically flushes finalized candles to per-market parquet files. The
// whole data directory is snapshotted into a zip archive after each flush.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"polymarket-ohlcv/internal/config"
	"polymarket-ohlcv/internal/engine"
	"polymarket-ohlcv/internal/metrics"
)

func main() {
	// Load config
	cfgPath := "config.yaml"
	if p := os.Getenv("OHLCV_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Optional Prometheus endpoint
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(cfg.MetricsAddr); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("metrics endpoint started", "addr", cfg.MetricsAddr)
	}

	// Create and start engine
	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}
	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("polymarket ohlcv collector started",
		"queries", cfg.MarketQueries,
		"candle_interval", cfg.CandleInterval().String(),
		"flush_interval", cfg.FlushInterval().String(),
		"data_dir", cfg.DataDir,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

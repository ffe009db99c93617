// Package engine is the central orchestrator of the collector.
//
// It wires together all subsystems:
//
//  1. Discovery resolves the configured queries into tracked assets.
//  2. Transport subscribes to those assets on the market WebSocket and
//     feeds each event into the aggregator.
//  3. The engine loop periodically finalizes stale candles, drains the
//     aggregator into the writer, flushes the writer to parquet, refreshes
//     the archive snapshot, and re-runs discovery to pick up new markets.
//
// Lifecycle: New() → Start() → [runs until SIGINT/SIGTERM] → Stop().
// Stop performs a final drain and flush so in-flight candles survive
// shutdown.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"polymarket-ohlcv/internal/aggregator"
	"polymarket-ohlcv/internal/config"
	"polymarket-ohlcv/internal/discovery"
	"polymarket-ohlcv/internal/storage"
	"polymarket-ohlcv/internal/transport"
)

const tickInterval = 5 * time.Second

// Engine owns the lifecycle of all components and background goroutines.
type Engine struct {
	cfg    config.Config
	disc   *discovery.Discovery
	agg    *aggregator.Aggregator
	writer *storage.Writer
	stream *transport.Stream
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components. The writer and the
// aggregator share the discovery registry as their read-only market view.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	disc := discovery.New(cfg.GammaBaseURL, logger)
	agg := aggregator.New(cfg.CandleInterval(), logger)

	writer, err := storage.NewWriter(cfg.DataDir, disc, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:    cfg,
		disc:   disc,
		agg:    agg,
		writer: writer,
		logger: logger.With("component", "engine"),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start performs the initial discovery, opens the market stream, and
// launches the periodic loop. Fails if no markets match the configured
// queries.
func (e *Engine) Start() error {
	e.logger.Info("running initial market discovery", "queries", e.cfg.MarketQueries)
	initial := e.disc.Discover(e.ctx, e.cfg.MarketQueries)
	if len(initial) == 0 {
		return fmt.Errorf("no markets found for queries %v", e.cfg.MarketQueries)
	}

	ids := make([]string, 0, len(initial))
	events := make(map[string]bool)
	for _, info := range initial {
		ids = append(ids, info.AssetID)
		events[info.EventSlug] = true
	}
	e.logger.Info("discovery complete", "assets", len(ids), "events", len(events))

	e.stream = transport.New(e.cfg.WSBaseURL, ids, e.agg.OnEvent, e.cfg.Verbose, e.logger)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.stream.Run()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.loop()
	}()

	return nil
}

// Stop shuts down: stops the stream, waits for goroutines, then runs the
// final drain and flush so no finalized candle is lost.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()
	if e.stream != nil {
		e.stream.Stop()
	}
	e.wg.Wait()

	e.finalFlush()
	e.logger.Info("shutdown complete")
}

// loop drives the periodic work: stale-candle finalization every tick,
// disk flush and archive on the flush interval, rediscovery on the
// discovery interval.
func (e *Engine) loop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	lastFlush := time.Now()
	lastDiscovery := time.Now()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}

		e.collectCompleted()

		if time.Since(lastFlush) >= e.cfg.FlushInterval() {
			e.flushAndArchive()
			lastFlush = time.Now()
		}

		if time.Since(lastDiscovery) >= e.cfg.DiscoveryInterval() {
			e.rediscover()
			lastDiscovery = time.Now()
		}
	}
}

// collectCompleted finalizes stale candles and moves everything finished
// into the write buffer.
func (e *Engine) collectCompleted() {
	e.agg.FlushStale()
	completed := e.agg.Drain()
	if len(completed) == 0 {
		return
	}
	n := e.writer.AppendCandles(completed)
	e.logger.Info("buffered candles", "count", n, "buffer_size", e.writer.BufferSize())
}

func (e *Engine) flushAndArchive() {
	if err := e.writer.FlushToDisk(); err != nil {
		// Buffer retained; next interval retries.
		return
	}
	e.writer.Archive(e.cfg.ArchivePath)
}

// rediscover re-runs the configured queries and subscribes the stream to
// any newly listed assets.
func (e *Engine) rediscover() {
	added := e.disc.Discover(e.ctx, e.cfg.MarketQueries)
	if len(added) == 0 {
		return
	}
	ids := make([]string, 0, len(added))
	for _, info := range added {
		ids = append(ids, info.AssetID)
	}
	e.logger.Info("subscribing to new assets", "count", len(ids))
	if err := e.stream.Subscribe(ids); err != nil {
		e.logger.Warn("dynamic subscribe failed, will resubscribe on reconnect", "error", err)
	}
}

// finalFlush drains whatever is still in flight and commits it to disk.
func (e *Engine) finalFlush() {
	e.agg.FlushStaleAt(time.Now().UnixMilli() + e.cfg.CandleInterval().Milliseconds())
	if completed := e.agg.Drain(); len(completed) > 0 {
		e.writer.AppendCandles(completed)
	}
	e.flushAndArchive()
}

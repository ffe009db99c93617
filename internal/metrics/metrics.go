// Package metrics exposes Prometheus instrumentation for the collector.
// The registry is the default global one; Serve starts an optional
// /metrics listener when an address is configured.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsReceived counts dispatched market-channel events by type.
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ohlcv_events_received_total",
		Help: "Market stream events dispatched to the aggregator, by event type.",
	}, []string{"type"})

	// EventsDropped counts malformed or out-of-domain events the
	// aggregator discarded.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ohlcv_events_dropped_total",
		Help: "Events dropped by the aggregator (missing asset, bad price).",
	})

	// CandlesFinalized counts candles emitted by the aggregator.
	CandlesFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ohlcv_candles_finalized_total",
		Help: "Finalized OHLCV candles.",
	})

	// RowsWritten counts candle rows committed to parquet files.
	RowsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ohlcv_rows_written_total",
		Help: "Candle rows successfully written to the columnar store.",
	})

	// FlushErrors counts failed flush attempts (buffer retained).
	FlushErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ohlcv_flush_errors_total",
		Help: "Flush attempts that failed and left the buffer for retry.",
	})

	// ArchiveErrors counts failed archive snapshots.
	ArchiveErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ohlcv_archive_errors_total",
		Help: "Archive snapshot attempts that failed.",
	})

	// Reconnects counts websocket reconnect attempts.
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ohlcv_ws_reconnects_total",
		Help: "WebSocket reconnect attempts.",
	})

	// BufferSize tracks rows currently buffered in the writer.
	BufferSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ohlcv_write_buffer_rows",
		Help: "Candle rows buffered in memory awaiting flush.",
	})

	// TrackedAssets tracks the size of the discovery registry.
	TrackedAssets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ohlcv_tracked_assets",
		Help: "Assets currently tracked by market discovery.",
	})
)

// Serve blocks serving /metrics on addr. Returns the http.Server error.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}

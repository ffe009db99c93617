// Package aggregator turns the raw market-channel event stream into
// fixed-interval OHLCV candles, one in-progress candle per asset.
//
// Trades move price, volume, trade count, and the VWAP numerator; quote
// events (best_bid_ask, price_change, book) move price only, using the
// bid/ask midpoint. Trade volume is credited to the buy or sell side by
// comparing the fill price against the last-known BBO midpoint; with no
// BBO seen yet the fill stays unsided.
//
// All mutable state sits behind one mutex. The transport calls OnEvent
// synchronously from its read loop; the orchestrator calls FlushStale and
// Drain from its own goroutine. Critical sections do no I/O.
package aggregator

import (
	"log/slog"
	"sync"
	"time"

	"polymarket-ohlcv/internal/metrics"
	"polymarket-ohlcv/pkg/types"
)

// candleState is the in-progress candle for a single asset.
type candleState struct {
	assetID    string
	startTime  int64 // unix seconds, multiple of the interval
	open       float64
	high       float64
	low        float64
	close      float64
	volume     float64
	tradeCount int64
	vwapNum    float64 // Σ price·size
	buyVolume  float64
	sellVolume float64
}

type bbo struct {
	bid float64
	ask float64
}

// Aggregator maintains per-asset candle state and a queue of finalized
// candles awaiting drain.
type Aggregator struct {
	interval int64 // candle width in seconds
	logger   *slog.Logger

	mu        sync.Mutex
	current   map[string]*candleState
	completed []types.OHLCVCandle
	lastBBO   map[string]bbo
}

// New creates an aggregator with the given candle interval.
func New(interval time.Duration, logger *slog.Logger) *Aggregator {
	secs := int64(interval / time.Second)
	if secs <= 0 {
		secs = 60
	}
	return &Aggregator{
		interval: secs,
		logger:   logger.With("component", "aggregator"),
		current:  make(map[string]*candleState),
		lastBBO:  make(map[string]bbo),
	}
}

// OnEvent consumes one decoded market-channel event. Safe for concurrent
// use; called synchronously by the transport read loop.
func (a *Aggregator) OnEvent(evt *types.MarketEvent) {
	switch evt.Type() {
	case "last_trade_price":
		a.handleTrade(evt)
	case "best_bid_ask":
		a.handleBBO(evt)
	case "price_change":
		a.handlePriceChange(evt)
	case "book":
		a.handleBook(evt)
	default:
		// tick_size_change and anything unrecognized carries no price
	}
}

func (a *Aggregator) handleTrade(evt *types.MarketEvent) {
	if evt.AssetID == "" {
		metrics.EventsDropped.Inc()
		return
	}
	price, ok := types.ParsePrice(evt.Price)
	if !ok || price <= 0 {
		metrics.EventsDropped.Inc()
		return
	}
	size, _ := types.ParsePrice(evt.Size)
	if size < 0 {
		size = 0
	}
	tsMS := a.eventMillis(evt.Timestamp)
	metrics.EventsReceived.WithLabelValues("last_trade_price").Inc()

	a.mu.Lock()
	a.updateCandle(evt.AssetID, tsMS, price, size, true)
	a.mu.Unlock()
}

func (a *Aggregator) handleBBO(evt *types.MarketEvent) {
	if evt.AssetID == "" {
		metrics.EventsDropped.Inc()
		return
	}
	bid, _ := types.ParsePrice(evt.BestBid)
	ask, _ := types.ParsePrice(evt.BestAsk)
	if bid <= 0 || ask <= 0 {
		metrics.EventsDropped.Inc()
		return
	}
	tsMS := a.eventMillis(evt.Timestamp)
	metrics.EventsReceived.WithLabelValues("best_bid_ask").Inc()

	a.mu.Lock()
	a.lastBBO[evt.AssetID] = bbo{bid: bid, ask: ask}
	a.updateCandle(evt.AssetID, tsMS, (bid+ask)/2, 0, false)
	a.mu.Unlock()
}

func (a *Aggregator) handlePriceChange(evt *types.MarketEvent) {
	tsMS := a.eventMillis(evt.Timestamp)
	metrics.EventsReceived.WithLabelValues("price_change").Inc()

	for i := range evt.PriceChanges {
		change := &evt.PriceChanges[i]
		if change.AssetID == "" {
			continue
		}
		bid, _ := types.ParsePrice(change.BestBid)
		ask, _ := types.ParsePrice(change.BestAsk)
		if bid <= 0 || ask <= 0 {
			continue
		}
		a.mu.Lock()
		a.lastBBO[change.AssetID] = bbo{bid: bid, ask: ask}
		a.updateCandle(change.AssetID, tsMS, (bid+ask)/2, 0, false)
		a.mu.Unlock()
	}
}

func (a *Aggregator) handleBook(evt *types.MarketEvent) {
	if evt.AssetID == "" {
		metrics.EventsDropped.Inc()
		return
	}
	var bestBid, bestAsk float64
	for _, lvl := range evt.Buys {
		if p, ok := types.ParsePrice(lvl.Price); ok && p > bestBid {
			bestBid = p
		}
	}
	for _, lvl := range evt.Sells {
		if p, ok := types.ParsePrice(lvl.Price); ok && p > 0 && (bestAsk == 0 || p < bestAsk) {
			bestAsk = p
		}
	}
	if bestBid <= 0 || bestAsk <= 0 {
		metrics.EventsDropped.Inc()
		return
	}
	tsMS := a.eventMillis(evt.Timestamp)
	metrics.EventsReceived.WithLabelValues("book").Inc()

	a.mu.Lock()
	a.lastBBO[evt.AssetID] = bbo{bid: bestBid, ask: bestAsk}
	a.updateCandle(evt.AssetID, tsMS, (bestBid+bestAsk)/2, 0, false)
	a.mu.Unlock()
}

// eventMillis substitutes wall-clock time for events without a timestamp.
func (a *Aggregator) eventMillis(ts types.FlexMillis) int64 {
	if ts > 0 {
		return int64(ts)
	}
	return time.Now().UnixMilli()
}

func (a *Aggregator) boundary(tsMS int64) int64 {
	return (tsMS / 1000 / a.interval) * a.interval
}

// updateCandle applies one price observation. Caller holds a.mu.
func (a *Aggregator) updateCandle(assetID string, tsMS int64, price, tradeSize float64, isTrade bool) {
	start := a.boundary(tsMS)

	c, ok := a.current[assetID]
	if !ok {
		c = a.newState(assetID, start, price)
		a.current[assetID] = c
	} else if c.startTime != start {
		a.finalizeLocked(c)
		c = a.newState(assetID, start, price)
		a.current[assetID] = c
	}

	if price > c.high {
		c.high = price
	}
	if price < c.low {
		c.low = price
	}
	c.close = price

	if isTrade && tradeSize > 0 {
		c.volume += tradeSize
		c.tradeCount++
		c.vwapNum += price * tradeSize

		if q, ok := a.lastBBO[assetID]; ok {
			mid := (q.bid + q.ask) / 2
			if price >= mid {
				c.buyVolume += tradeSize
			} else {
				c.sellVolume += tradeSize
			}
		}
		// No BBO seen yet: side is indeterminate, credit neither.
	}
}

func (a *Aggregator) newState(assetID string, start int64, price float64) *candleState {
	return &candleState{
		assetID:   assetID,
		startTime: start,
		open:      price,
		high:      price,
		low:       price,
		close:     price,
	}
}

// finalizeLocked converts a state into an immutable candle and queues it.
// Caller holds a.mu.
func (a *Aggregator) finalizeLocked(c *candleState) {
	vwap := c.close
	if c.volume > 0 {
		vwap = c.vwapNum / c.volume
	}
	a.completed = append(a.completed, types.OHLCVCandle{
		AssetID:    c.assetID,
		Timestamp:  c.startTime,
		Open:       c.open,
		High:       c.high,
		Low:        c.low,
		Close:      c.close,
		Volume:     c.volume,
		TradeCount: c.tradeCount,
		VWAP:       vwap,
		BuyVolume:  c.buyVolume,
		SellVolume: c.sellVolume,
	})
	metrics.CandlesFinalized.Inc()
	a.logger.Debug("candle finalized", "asset", shortID(c.assetID), "start", c.startTime)
}

// FlushStale finalizes every candle whose interval has passed, using
// wall-clock time.
func (a *Aggregator) FlushStale() {
	a.FlushStaleAt(time.Now().UnixMilli())
}

// FlushStaleAt finalizes and removes every in-progress candle whose
// start time precedes the boundary containing nowMS. This emits candles
// for assets that have gone quiet.
func (a *Aggregator) FlushStaleAt(nowMS int64) {
	current := a.boundary(nowMS)

	a.mu.Lock()
	defer a.mu.Unlock()
	for assetID, c := range a.current {
		if c.startTime < current {
			a.finalizeLocked(c)
			delete(a.current, assetID)
		}
	}
}

// Drain atomically returns and clears the finalized-candle queue.
func (a *Aggregator) Drain() []types.OHLCVCandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	candles := a.completed
	a.completed = nil
	return candles
}

func shortID(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}

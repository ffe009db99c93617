// Package transport maintains the market-channel WebSocket subscription.
//
// One Stream owns one connection to <base>/ws/market. On open it sends the
// initial subscription frame for every tracked asset, then reads frames
// until the socket drops; while not stopped it reconnects after a fixed
// 5 second wait and re-subscribes the full asset set, including any ids
// added dynamically since start. A keepalive goroutine sends the literal
// text PING every 10 seconds; the server's literal PONG is consumed
// silently.
//
// Inbound frames are JSON, either a single event object or a list of
// them. Only the market-data event types are handed to the callback;
// everything else is dropped (logged at debug when verbose).
package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-ohlcv/internal/metrics"
	"polymarket-ohlcv/pkg/types"
)

const (
	pingInterval  = 10 * time.Second // literal PING cadence expected by the server
	reconnectWait = 5 * time.Second
	writeTimeout  = 10 * time.Second
)

// desiredEvents are the inbound event types dispatched to the callback.
var desiredEvents = map[string]bool{
	"book":             true,
	"price_change":     true,
	"tick_size_change": true,
	"last_trade_price": true,
	"best_bid_ask":     true,
}

// Callback receives each dispatched event, synchronously on the read loop.
// It must not block on external work.
type Callback func(*types.MarketEvent)

// Stream manages the market-channel connection lifecycle, subscription
// tracking, message routing, and reconnection.
type Stream struct {
	url      string
	callback Callback
	verbose  bool
	logger   *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn writes and replacement

	subMu      sync.RWMutex
	subscribed map[string]bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a stream for the market channel. assetIDs seed the
// subscription set sent when the connection opens.
func New(wsBaseURL string, assetIDs []string, cb Callback, verbose bool, logger *slog.Logger) *Stream {
	subscribed := make(map[string]bool, len(assetIDs))
	for _, id := range assetIDs {
		subscribed[id] = true
	}
	return &Stream{
		url:        wsBaseURL + "/ws/market",
		callback:   cb,
		verbose:    verbose,
		logger:     logger.With("component", "ws_market"),
		subscribed: subscribed,
		stopCh:     make(chan struct{}),
	}
}

// Run connects and maintains the connection until Stop is called.
func (s *Stream) Run() {
	for {
		err := s.connectAndRead()
		if s.stopped() {
			return
		}

		s.logger.Warn("websocket disconnected, reconnecting in 5s", "error", err)
		metrics.Reconnects.Inc()

		select {
		case <-s.stopCh:
			return
		case <-time.After(reconnectWait):
		}
	}
}

// Subscribe adds asset ids to the live subscription and the local set.
func (s *Stream) Subscribe(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.subMu.Lock()
	for _, id := range ids {
		s.subscribed[id] = true
	}
	s.subMu.Unlock()

	return s.writeJSON(types.UpdateFrame{AssetIDs: ids, Operation: "subscribe"})
}

// Unsubscribe removes asset ids from the live subscription and local set.
func (s *Stream) Unsubscribe(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.subMu.Lock()
	for _, id := range ids {
		delete(s.subscribed, id)
	}
	s.subMu.Unlock()

	return s.writeJSON(types.UpdateFrame{AssetIDs: ids, Operation: "unsubscribe"})
}

// Stop signals shutdown and closes the socket. Idempotent; once called,
// no further reconnect attempts occur.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.connMu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.connMu.Unlock()
	})
}

func (s *Stream) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Stream) connectAndRead() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.logger.Info("websocket connected", "assets", s.subscribedCount())

	// Keepalive lives and dies with this connection.
	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(done)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.handleFrame(msg)
	}
}

func (s *Stream) sendInitialSubscription() error {
	s.subMu.RLock()
	ids := make([]string, 0, len(s.subscribed))
	for id := range s.subscribed {
		ids = append(ids, id)
	}
	s.subMu.RUnlock()

	return s.writeJSON(types.SubscribeFrame{AssetIDs: ids, Type: "market"})
}

func (s *Stream) subscribedCount() int {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return len(s.subscribed)
}

// handleFrame decodes one inbound frame: a JSON object, a JSON list of
// objects, or the literal PONG keepalive reply.
func (s *Stream) handleFrame(data []byte) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return
	}

	switch data[0] {
	case '[':
		var events []types.MarketEvent
		if err := json.Unmarshal(data, &events); err != nil {
			s.logger.Warn("malformed ws frame", "error", err)
			return
		}
		for i := range events {
			s.dispatch(&events[i])
		}
	case '{':
		var evt types.MarketEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.logger.Warn("malformed ws frame", "error", err)
			return
		}
		s.dispatch(&evt)
	default:
		if string(data) == "PONG" {
			if s.verbose {
				s.logger.Debug("pong received")
			}
			return
		}
		s.logger.Warn("non-json ws message", "data", string(data))
	}
}

func (s *Stream) dispatch(evt *types.MarketEvent) {
	if desiredEvents[evt.Type()] {
		s.callback(evt)
		return
	}
	if s.verbose && evt.Type() != "" {
		s.logger.Debug("ignored event", "type", evt.Type())
	}
}

// pingLoop sends the literal text PING every 10s until the connection or
// the stream goes away.
func (s *Stream) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Stream) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *Stream) writeMessage(msgType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(msgType, data)
}

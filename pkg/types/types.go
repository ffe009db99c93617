// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the collector — market metadata,
// candle types, the parquet row schema, and the WebSocket/Gamma payload
// shapes. It has no dependencies on internal packages, so it can be imported
// by any layer.
//
// Upstream payloads are messy: prices and sizes arrive as strings, token-id
// and outcome lists arrive as JSON arrays or as JSON-encoded strings of
// arrays, and timestamps arrive as strings or numbers. All of that leniency
// lives here, in custom UnmarshalJSON implementations, so the internal
// packages only ever see strictly typed values.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// MarketInfo describes one tradable outcome token. Populated by discovery
// and never mutated afterwards; other components hold read-only views.
type MarketInfo struct {
	AssetID      string // CLOB token ID, unique per outcome
	EventSlug    string // Gamma event slug, used as directory name
	MarketTitle  string // groupItemTitle or question
	EventTitle   string
	ConditionID  string // CTF condition ID
	OutcomeLabel string // normalized outcome, e.g. "yes" / "no"
	MarketSlug   string // Slugify(MarketTitle), used as file name
}

// NewMarketInfo builds a MarketInfo, deriving MarketSlug from the title.
func NewMarketInfo(assetID, eventSlug, marketTitle, eventTitle, conditionID, outcome string) MarketInfo {
	return MarketInfo{
		AssetID:      assetID,
		EventSlug:    eventSlug,
		MarketTitle:  marketTitle,
		EventTitle:   eventTitle,
		ConditionID:  conditionID,
		OutcomeLabel: outcome,
		MarketSlug:   Slugify(marketTitle),
	}
}

var (
	slugInvalid  = regexp.MustCompile(`[^a-z0-9-]+`)
	slugCollapse = regexp.MustCompile(`-+`)
)

// Slugify converts a market title into a URL/file-safe lowercase slug:
// non-[a-z0-9-] runs become "-", repeats collapse, trailing "-" trimmed.
// An empty result becomes "unknown".
func Slugify(text string) string {
	s := strings.ToLower(text)
	s = slugInvalid.ReplaceAllString(s, "-")
	s = slugCollapse.ReplaceAllString(s, "-")
	s = strings.TrimRight(s, "-")
	if s == "" {
		return "unknown"
	}
	return s
}

// NormalizeOutcome reduces a raw outcome value to its canonical label:
// stripped and lowercased. Objects, booleans, and numbers are already
// reduced to strings by FlexStrings during decode.
func NormalizeOutcome(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// ————————————————————————————————————————————————————————————————————————
// Candles
// ————————————————————————————————————————————————————————————————————————

// OHLCVCandle is a finalized fixed-interval candle for one asset.
// Timestamp is the candle open time in unix seconds, always a multiple of
// the aggregation interval.
type OHLCVCandle struct {
	AssetID    string
	Timestamp  int64
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
	TradeCount int64
	VWAP       float64 // Σ(price·size)/Σ(size), or Close when Volume == 0
	BuyVolume  float64 // trade volume at/above the prevailing BBO midpoint
	SellVolume float64 // trade volume below the midpoint
}

// CandleRow is the on-disk parquet schema. One row per finalized candle,
// unique on (asset_id, outcome, timestamp) within a file.
type CandleRow struct {
	AssetID    string  `parquet:"asset_id"`
	Timestamp  int64   `parquet:"timestamp"`
	Datetime   string  `parquet:"datetime"` // ISO-8601 UTC, derived from Timestamp
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     float64 `parquet:"volume"`
	TradeCount int64   `parquet:"trade_count"`
	VWAP       float64 `parquet:"vwap"`
	BuyVolume  float64 `parquet:"buy_volume"`
	SellVolume float64 `parquet:"sell_volume"`
	Outcome    string  `parquet:"outcome"`
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket events
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single resting level in a book snapshot. Price and Size
// are strings on the wire to preserve decimal precision.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// PriceChangeEntry is one entry of a (possibly batched) price_change event.
type PriceChangeEntry struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// MarketEvent is the decoded envelope for any market-channel message.
// The server mixes "event" and "event_type" field names; Type() accepts
// either. Fields not relevant to a given event type are simply zero.
type MarketEvent struct {
	Event     string `json:"event"`
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"` // condition ID

	Timestamp FlexMillis `json:"timestamp"` // event time in unix ms, 0 if absent

	// last_trade_price
	Price string `json:"price"`
	Size  string `json:"size"`

	// best_bid_ask
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`

	// price_change (batched)
	PriceChanges []PriceChangeEntry `json:"price_changes"`

	// book
	Buys  []PriceLevel `json:"buys"`
	Sells []PriceLevel `json:"sells"`
}

// Type returns the event type, accepting both wire field names.
func (e *MarketEvent) Type() string {
	if e.Event != "" {
		return e.Event
	}
	return e.EventType
}

// SubscribeFrame is the initial subscription sent when the market channel
// opens: {"assets_ids": [...], "type": "market"}.
type SubscribeFrame struct {
	AssetIDs []string `json:"assets_ids"`
	Type     string   `json:"type"`
}

// UpdateFrame adds or removes assets on an open connection:
// {"assets_ids": [...], "operation": "subscribe"|"unsubscribe"}.
type UpdateFrame struct {
	AssetIDs  []string `json:"assets_ids"`
	Operation string   `json:"operation"`
}

// ————————————————————————————————————————————————————————————————————————
// Lenient decoding
// ————————————————————————————————————————————————————————————————————————

// ParsePrice converts a wire price/size string to a float64. The exchange
// serializes decimals as strings; parsing via decimal avoids accepting
// garbage like "1e309" that strconv would clamp. Returns 0, false for
// empty or malformed input.
func ParsePrice(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, false
	}
	return d.InexactFloat64(), true
}

// FlexMillis is a unix-millisecond timestamp that decodes from a JSON
// number or a numeric string. Zero means "absent".
type FlexMillis int64

func (m *FlexMillis) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*m = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*m = 0
			return nil
		}
		// Some payloads carry fractional millis; truncate.
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("timestamp %q: %w", s, err)
		}
		*m = FlexMillis(d.IntPart())
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*m = FlexMillis(int64(f))
	return nil
}

// FlexStrings decodes a JSON value that may be an array, a JSON-encoded
// string containing an array, or a bare scalar, into a slice of strings.
// Non-string elements are reduced: objects to their label/name/value/id
// field, booleans to "true"/"false", numbers to their decimal form.
type FlexStrings []string

func (f *FlexStrings) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = nil
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if strings.HasPrefix(s, "[") {
			var items []any
			if err := json.Unmarshal([]byte(s), &items); err == nil {
				*f = coerceStrings(items)
				return nil
			}
		}
		if s == "" {
			*f = nil
			return nil
		}
		*f = FlexStrings{s}
		return nil
	}
	if data[0] == '[' {
		var items []any
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*f = coerceStrings(items)
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = FlexStrings{coerceString(v)}
	return nil
}

func coerceStrings(items []any) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, coerceString(item))
	}
	return out
}

func coerceString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]any:
		for _, key := range []string{"label", "name", "value", "id"} {
			if inner, ok := t[key]; ok {
				return coerceString(inner)
			}
		}
		return ""
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

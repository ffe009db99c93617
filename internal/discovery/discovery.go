// Package discovery resolves human-readable event queries into the set of
// tracked outcome tokens via the Gamma API.
//
// Discover walks the paginated public-search endpoint for each query,
// keeping events that still have at least one open market. Markets
// occasionally come back without clobTokenIds; those are recovered with a
// one-off event-detail fetch, cached per process. The known-asset registry
// only grows — a record, once inserted, is never mutated — so Lookup and
// Snapshot give other components a stable read-only view.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-ohlcv/internal/metrics"
	"polymarket-ohlcv/pkg/types"
)

const (
	searchTimeout = 15 * time.Second
	detailTimeout = 8 * time.Second
	maxPages      = 3
	limitPerType  = 50
)

// gammaEvent is the JSON shape of an event in search and detail responses.
type gammaEvent struct {
	ID      string        `json:"id"`
	Slug    string        `json:"slug"`
	Title   string        `json:"title"`
	Markets []gammaMarket `json:"markets"`
}

// gammaMarket is one market within a Gamma event. Outcomes and
// ClobTokenIds may arrive as JSON arrays or as string-encoded arrays;
// types.FlexStrings absorbs both.
type gammaMarket struct {
	Question       string            `json:"question"`
	GroupItemTitle string            `json:"groupItemTitle"`
	ConditionID    string            `json:"conditionId"`
	Closed         bool              `json:"closed"`
	Archived       bool              `json:"archived"`
	Outcomes       types.FlexStrings `json:"outcomes"`
	ClobTokenIds   types.FlexStrings `json:"clobTokenIds"`
}

type searchResponse struct {
	Events []gammaEvent `json:"events"`
}

// tokenPair is a cached detail-fetch result: token ids with their outcomes.
type tokenPair struct {
	tokens   []string
	outcomes []string
}

// Discovery maintains the asset registry and the upstream lookup cache.
// Discover is intended to be called from a single goroutine; Lookup and
// Snapshot may be called concurrently from any goroutine.
type Discovery struct {
	client  *resty.Client
	limiter *requestBucket
	logger  *slog.Logger

	mu          sync.RWMutex
	known       map[string]types.MarketInfo
	detailCache map[string]tokenPair
}

// New creates a Discovery pointed at the Gamma API base URL.
func New(gammaBaseURL string, logger *slog.Logger) *Discovery {
	client := resty.New().
		SetBaseURL(gammaBaseURL).
		SetTimeout(searchTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Discovery{
		client:      client,
		limiter:     newRequestBucket(gammaBurst, gammaPerSec),
		logger:      logger.With("component", "discovery"),
		known:       make(map[string]types.MarketInfo),
		detailCache: make(map[string]tokenPair),
	}
}

// Discover runs every query against the search endpoint and registers any
// outcome tokens not seen before. Returns only the newly added records.
// Per-query failures are logged and skipped; repeated calls against an
// unchanged upstream add nothing.
func (d *Discovery) Discover(ctx context.Context, queries []string) []types.MarketInfo {
	var added []types.MarketInfo
	for _, query := range queries {
		events, err := d.searchEvents(ctx, query)
		if err != nil {
			d.logger.Error("discovery query failed", "query", query, "error", err)
			continue
		}
		for i := range events {
			added = append(added, d.registerEvent(ctx, &events[i])...)
		}
	}

	d.mu.RLock()
	metrics.TrackedAssets.Set(float64(len(d.known)))
	d.mu.RUnlock()

	return added
}

// searchEvents pages through public-search, stopping as soon as a page
// yields at least one event with an open market.
func (d *Discovery) searchEvents(ctx context.Context, query string) ([]gammaEvent, error) {
	var open []gammaEvent
	for page := 1; page <= maxPages; page++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		var result searchResponse
		resp, err := d.client.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"q":                   query,
				"limit_per_type":      strconv.Itoa(limitPerType),
				"optimized":           "true",
				"sort":                "startTime",
				"ascending":           "false",
				"events_status":       "active",
				"keep_closed_markets": "0",
				"page":                strconv.Itoa(page),
			}).
			SetResult(&result).
			Get("/public-search")
		if err != nil {
			return nil, fmt.Errorf("search page %d: %w", page, err)
		}
		if resp.StatusCode() != 200 {
			return nil, fmt.Errorf("search page %d: status %d", page, resp.StatusCode())
		}

		for _, ev := range result.Events {
			if eventHasOpenMarket(ev) {
				open = append(open, ev)
			}
		}
		if len(open) > 0 || len(result.Events) == 0 {
			break
		}
	}
	return open, nil
}

func eventHasOpenMarket(ev gammaEvent) bool {
	for _, m := range ev.Markets {
		if !m.Closed && !m.Archived {
			return true
		}
	}
	return false
}

// registerEvent inserts MarketInfo records for every unseen (token,
// outcome) pair in the event's open markets.
func (d *Discovery) registerEvent(ctx context.Context, ev *gammaEvent) []types.MarketInfo {
	var added []types.MarketInfo
	for i := range ev.Markets {
		m := &ev.Markets[i]
		if m.Closed || m.Archived {
			continue
		}

		title := marketTitle(m)
		tokens := []string(m.ClobTokenIds)
		outcomes := []string(m.Outcomes)
		if len(tokens) == 0 {
			tokens, outcomes = d.recoverTokenIDs(ctx, ev, m)
		}

		for idx, tokenID := range tokens {
			if tokenID == "" {
				continue
			}
			outcome := ""
			if idx < len(outcomes) {
				outcome = types.NormalizeOutcome(outcomes[idx])
			}

			d.mu.Lock()
			if _, exists := d.known[tokenID]; exists {
				d.mu.Unlock()
				continue
			}
			info := types.NewMarketInfo(tokenID, ev.Slug, title, ev.Title, m.ConditionID, outcome)
			d.known[tokenID] = info
			d.mu.Unlock()

			added = append(added, info)
			d.logger.Info("discovered market",
				"event", ev.Title,
				"market", title,
				"outcome", outcome,
			)
		}
	}
	return added
}

// recoverTokenIDs fetches the event detail to fill in missing
// clobTokenIds. Results, including misses, are cached per process keyed
// by event id and market title slug.
func (d *Discovery) recoverTokenIDs(ctx context.Context, ev *gammaEvent, m *gammaMarket) ([]string, []string) {
	key := ev.ID + "/" + types.Slugify(marketTitle(m))

	d.mu.RLock()
	cached, ok := d.detailCache[key]
	d.mu.RUnlock()
	if ok {
		return cached.tokens, cached.outcomes
	}

	pair := d.fetchDetail(ctx, ev, m)

	d.mu.Lock()
	d.detailCache[key] = pair
	d.mu.Unlock()
	return pair.tokens, pair.outcomes
}

func (d *Discovery) fetchDetail(ctx context.Context, ev *gammaEvent, m *gammaMarket) tokenPair {
	ident := ev.Slug
	if ident == "" {
		ident = ev.ID
	}

	dctx, cancel := context.WithTimeout(ctx, detailTimeout)
	defer cancel()

	if err := d.limiter.Wait(dctx); err != nil {
		d.logger.Warn("event detail fetch aborted", "event", ident, "error", err)
		return tokenPair{}
	}

	var detail gammaEvent
	resp, err := d.client.R().
		SetContext(dctx).
		SetResult(&detail).
		Get("/events/" + ident)
	if err != nil {
		d.logger.Warn("event detail fetch failed", "event", ident, "error", err)
		return tokenPair{}
	}
	if resp.StatusCode() != 200 {
		d.logger.Warn("event detail fetch failed", "event", ident, "status", resp.StatusCode())
		return tokenPair{}
	}

	wantSlug := types.Slugify(marketTitle(m))
	for i := range detail.Markets {
		dm := &detail.Markets[i]
		if m.ConditionID != "" && dm.ConditionID == m.ConditionID {
			return tokenPair{tokens: []string(dm.ClobTokenIds), outcomes: []string(dm.Outcomes)}
		}
		if types.Slugify(marketTitle(dm)) == wantSlug {
			return tokenPair{tokens: []string(dm.ClobTokenIds), outcomes: []string(dm.Outcomes)}
		}
	}
	return tokenPair{}
}

func marketTitle(m *gammaMarket) string {
	if m.GroupItemTitle != "" {
		return m.GroupItemTitle
	}
	if m.Question != "" {
		return m.Question
	}
	return "Unknown"
}

// Lookup returns the MarketInfo for an asset id, if tracked.
func (d *Discovery) Lookup(assetID string) (types.MarketInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info, ok := d.known[assetID]
	return info, ok
}

// Snapshot returns a copy of the full registry.
func (d *Discovery) Snapshot() map[string]types.MarketInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]types.MarketInfo, len(d.known))
	for id, info := range d.known {
		out[id] = info
	}
	return out
}

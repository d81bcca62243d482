package esi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"context"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"mkts-backend/internal/errs"
)

// Order is one open order as returned by the upstream market endpoints.
// Structure orders omit the region-only fields; the zero values are fine
// because the market-order schema drops them anyway.
type Order struct {
	OrderID      int64   `json:"order_id"`
	Duration     int64   `json:"duration"`
	IsBuyOrder   bool    `json:"is_buy_order"`
	Issued       string  `json:"issued"`
	LocationID   int64   `json:"location_id"`
	MinVolume    int64   `json:"min_volume"`
	Price        float64 `json:"price"`
	Range        string  `json:"range"`
	SystemID     int64   `json:"system_id"`
	TypeID       int64   `json:"type_id"`
	VolumeRemain int64   `json:"volume_remain"`
	VolumeTotal  int64   `json:"volume_total"`
}

// StructureOrders fetches all open orders of a player-owned structure
// through the authenticated, paginated endpoint.
func (c *Client) StructureOrders(ctx context.Context, structureID int64) ([]Order, error) {
	path := fmt.Sprintf("/markets/structures/%d", structureID)
	return c.pagedOrders(ctx, path, nil, true)
}

// RegionOrders fetches open region orders through the public endpoint.
// orderType is one of sell, buy, all.
func (c *Client) RegionOrders(ctx context.Context, regionID int64, orderType string) ([]Order, error) {
	switch orderType {
	case "sell", "buy", "all":
	default:
		return nil, fmt.Errorf("%w: invalid order_type %q", errs.ErrData, orderType)
	}
	path := fmt.Sprintf("/markets/%d/orders", regionID)
	query := url.Values{"order_type": {orderType}}
	return c.pagedOrders(ctx, path, query, false)
}

// pagedOrders walks the X-Pages pagination. The loop bound is re-read from
// every response so a mid-run page-count change is honoured. Three
// consecutive page failures exhaust the error budget and abort with a
// permanent error.
func (c *Client) pagedOrders(ctx context.Context, path string, query url.Values, authenticated bool) ([]Order, error) {
	var orders []Order
	page, maxPages := 1, 1
	consecutiveFailures := 0

	for page <= maxPages {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		q := url.Values{}
		for k, v := range query {
			q[k] = v
		}
		q.Set("page", strconv.Itoa(page))

		result, err := c.breaker.Execute(func() (any, error) {
			body, header, err := c.do(ctx, http.MethodGet, path, q, nil, requestOpts{
				authenticated: authenticated,
				useETag:       page == 1,
			})
			if err != nil {
				return nil, err
			}
			return pageResult{body: body, header: header}, nil
		})
		if err != nil {
			if errors.Is(err, ErrNotModified) {
				// An ETag match on the first page means nothing changed.
				return nil, ErrNotModified
			}
			if errors.Is(err, gobreaker.ErrOpenState) {
				return nil, fmt.Errorf("%w: error budget exhausted fetching %s", errs.ErrPermanentFetch, path)
			}
			consecutiveFailures++
			log.Error().Err(err).Int("page", page).Int("consecutive_failures", consecutiveFailures).Msg("page fetch failed")
			if consecutiveFailures >= 3 || errors.Is(err, errs.ErrPermanentFetch) {
				return nil, fmt.Errorf("%w: fetching %s page %d: %v", errs.ErrPermanentFetch, path, page, err)
			}
			continue
		}
		consecutiveFailures = 0

		pr := result.(pageResult)
		var batch []Order
		if err := json.Unmarshal(pr.body, &batch); err != nil {
			return nil, fmt.Errorf("%w: decoding page %d: %v", errs.ErrPermanentFetch, page, err)
		}
		orders = append(orders, batch...)

		if xp := pr.header.Get("X-Pages"); xp != "" {
			if n, err := strconv.Atoi(xp); err == nil {
				maxPages = n
			}
		}
		log.Debug().Int("page", page).Int("max_pages", maxPages).Int("orders", len(batch)).Msg("orders page fetched")
		page++
	}

	log.Info().Str("path", path).Int("orders", len(orders)).Int("pages", maxPages).Msg("order fetch complete")
	return orders, nil
}

type pageResult struct {
	body   []byte
	header http.Header
}

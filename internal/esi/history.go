package esi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"mkts-backend/internal/errs"
)

// HistoryRecord is one daily candle for a type in a region.
type HistoryRecord struct {
	Date       string  `json:"date"`
	Average    float64 `json:"average"`
	Highest    float64 `json:"highest"`
	Lowest     float64 `json:"lowest"`
	OrderCount int64   `json:"order_count"`
	Volume     int64   `json:"volume"`
}

// TypeHistory pairs a watchlist type with its daily candles. The fan-out
// returns one TypeHistory per requested type ID, in input order; a type the
// upstream refuses permanently gets an empty record list, not an error.
type TypeHistory struct {
	TypeID  int64
	Records []HistoryRecord
}

// RegionHistory fans out one history request per type ID under the
// two-limiter discipline: the client's shared token bucket plus its
// in-flight semaphore. Results are assembled in input order.
func (c *Client) RegionHistory(ctx context.Context, regionID int64, typeIDs []int64) ([]TypeHistory, error) {
	results := make([]TypeHistory, len(typeIDs))
	path := fmt.Sprintf("/markets/%d/history", regionID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	start := time.Now()
	log.Info().Int("types", len(typeIDs)).Int64("region_id", regionID).Msg("history fan-out starting")

	for i, typeID := range typeIDs {
		wg.Add(1)
		go func(i int, typeID int64) {
			defer wg.Done()

			if err := c.limiter.Wait(ctx); err != nil {
				fail(err)
				return
			}

			query := url.Values{"type_id": {strconv.FormatInt(typeID, 10)}}
			body, _, err := c.do(ctx, http.MethodGet, path, query, nil, requestOpts{})
			if err != nil {
				var se *StatusError
				if errors.As(err, &se) && permanentForType(se.StatusCode) {
					// Permanent per type: record the absence and move on.
					log.Warn().Int64("type_id", typeID).Int("status", se.StatusCode).Msg("history unavailable for type")
					results[i] = TypeHistory{TypeID: typeID}
					return
				}
				if errors.Is(err, context.Canceled) && ctx.Err() != nil {
					return
				}
				fail(fmt.Errorf("history for type %d: %w", typeID, err))
				return
			}

			var records []HistoryRecord
			if err := json.Unmarshal(body, &records); err != nil {
				fail(fmt.Errorf("%w: decoding history for type %d: %v", errs.ErrPermanentFetch, typeID, err))
				return
			}
			results[i] = TypeHistory{TypeID: typeID, Records: records}
		}(i, typeID)
	}

	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}

	var total int
	for _, r := range results {
		total += len(r.Records)
	}
	log.Info().Int("types", len(typeIDs)).Int("records", total).
		Dur("elapsed", time.Since(start)).Msg("history fan-out complete")
	return results, nil
}

// permanentForType lists the statuses that permanently exclude a single
// type from history: bad request, forbidden, not found.
func permanentForType(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

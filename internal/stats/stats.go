// Package stats derives the per-item market statistics and the per-fit
// doctrine readiness view from the raw order and history tables. Both
// products are pure functions of the local replica's state; the caller is
// responsible for syncing before asking.
package stats

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"mkts-backend/internal/schema"
)

// historyWindowDays is the look-back for the rolling price/volume averages.
const historyWindowDays = 30

// Calculator computes derived products from the local replica.
type Calculator struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewCalculator builds a calculator over the local engine.
func NewCalculator(db *sqlx.DB) *Calculator {
	return &Calculator{db: db, now: time.Now}
}

// WithClock overrides the clock; tests pin it for deterministic timestamps.
func (c *Calculator) WithClock(now func() time.Time) *Calculator {
	c.now = now
	return c
}

// statsQueryRow is the raw join result before fills and rounding. The
// aggregate columns are nullable: a watchlisted type with no open sell
// orders or no recent history produces NULLs that the fill rules resolve.
type statsQueryRow struct {
	TypeID            int64           `db:"type_id"`
	TypeName          string          `db:"type_name"`
	GroupID           int64           `db:"group_id"`
	GroupName         string          `db:"group_name"`
	CategoryID        int64           `db:"category_id"`
	CategoryName      string          `db:"category_name"`
	MinPrice          sql.NullFloat64 `db:"min_price"`
	TotalVolumeRemain sql.NullInt64   `db:"total_volume_remain"`
	AvgPrice          sql.NullFloat64 `db:"avg_price"`
	AvgVolume         sql.NullFloat64 `db:"avg_volume"`
	DaysRemaining     float64         `db:"days_remaining"`
}

const marketStatsQuery = `
SELECT
    w.type_id,
    w.type_name,
    w.group_id,
    w.group_name,
    w.category_id,
    w.category_name,
    o.min_price,
    o.total_volume_remain,
    h.avg_price,
    h.avg_volume,
    ROUND(CASE
        WHEN h.avg_volume > 0 THEN COALESCE(o.total_volume_remain, 0) / h.avg_volume
        ELSE 0
    END, 1) AS days_remaining
FROM watchlist w
LEFT JOIN (
    SELECT
        type_id,
        MIN(price) AS min_price,
        SUM(volume_remain) AS total_volume_remain
    FROM marketorders
    WHERE is_buy_order = 0
    GROUP BY type_id
) AS o ON w.type_id = o.type_id
LEFT JOIN (
    SELECT
        type_id,
        AVG(average) AS avg_price,
        AVG(volume) AS avg_volume
    FROM market_history
    WHERE date >= DATE('now', ?) AND average > 0 AND volume > 0
    GROUP BY type_id
) AS h ON w.type_id = h.type_id
ORDER BY w.type_id`

// MarketStats computes one row per watchlisted type: current sell-side
// stock and prices, rolling 30-day averages, and days of stock remaining.
func (c *Calculator) MarketStats(ctx context.Context) ([]schema.MarketStatsRow, error) {
	var raw []statsQueryRow
	window := fmt.Sprintf("-%d day", historyWindowDays)
	if err := c.db.SelectContext(ctx, &raw, marketStatsQuery, window); err != nil {
		return nil, fmt.Errorf("querying market stats: %w", err)
	}
	log.Info().Int("items", len(raw)).Msg("market stats queried")

	percentiles, err := c.sellPricePercentiles(ctx)
	if err != nil {
		return nil, err
	}

	lastUpdate := schema.FormatTime(c.now())
	rows := make([]schema.MarketStatsRow, 0, len(raw))
	var needFill []int64
	for _, r := range raw {
		price, hasPrice := percentiles[r.TypeID]
		if !r.MinPrice.Valid || !hasPrice || !r.AvgPrice.Valid || !r.AvgVolume.Valid {
			needFill = append(needFill, r.TypeID)
		}
		row := schema.MarketStatsRow{
			TypeID:        r.TypeID,
			TypeName:      r.TypeName,
			GroupID:       r.GroupID,
			GroupName:     r.GroupName,
			CategoryID:    r.CategoryID,
			CategoryName:  r.CategoryName,
			DaysRemaining: r.DaysRemaining,
			LastUpdate:    lastUpdate,
		}
		if r.TotalVolumeRemain.Valid {
			row.TotalVolumeRemain = r.TotalVolumeRemain.Int64
		}
		row.MinPrice = nullOr(r.MinPrice, math.NaN())
		row.AvgPrice = nullOr(r.AvgPrice, math.NaN())
		row.AvgVolume = nullOr(r.AvgVolume, math.NaN())
		if hasPrice {
			row.Price = price
		} else {
			row.Price = math.NaN()
		}
		rows = append(rows, row)
	}

	if err := c.fillFromHistory(ctx, rows, needFill); err != nil {
		return nil, err
	}

	for i := range rows {
		rows[i].AvgPrice = roundPositive(rows[i].AvgPrice, 2)
		rows[i].AvgVolume = roundPositive(rows[i].AvgVolume, 1)
		rows[i].Price = zeroNaN(round(rows[i].Price, 2))
		rows[i].MinPrice = zeroNaN(rows[i].MinPrice)
	}

	log.Info().Int("items", len(rows)).Int("filled_from_history", len(needFill)).Msg("market stats calculated")
	return rows, nil
}

// sellPricePercentiles computes the 5th-percentile sell price per type over
// the open sell orders, with linear interpolation between ranks.
func (c *Calculator) sellPricePercentiles(ctx context.Context) (map[int64]float64, error) {
	var orders []struct {
		TypeID int64   `db:"type_id"`
		Price  float64 `db:"price"`
	}
	err := c.db.SelectContext(ctx, &orders,
		"SELECT type_id, price FROM marketorders WHERE is_buy_order = 0")
	if err != nil {
		return nil, fmt.Errorf("querying sell prices: %w", err)
	}

	prices := make(map[int64][]float64)
	for _, o := range orders {
		prices[o.TypeID] = append(prices[o.TypeID], o.Price)
	}
	out := make(map[int64]float64, len(prices))
	for typeID, p := range prices {
		out[typeID] = round(quantile(p, 0.05), 2)
	}
	return out, nil
}

// historyFill holds the per-type aggregates used by the fill rules.
type historyFill struct {
	TypeID     int64           `db:"type_id"`
	MinAverage sql.NullFloat64 `db:"min_average"`
	AvgAverage sql.NullFloat64 `db:"avg_average"`
	AvgVolume  sql.NullFloat64 `db:"avg_volume"`
}

// fillFromHistory resolves NULL aggregates for types without matching rows:
// min_price falls back to the minimum historical average, price and
// avg_price to the mean historical average, avg_volume to the mean
// historical volume. Types with no history at all fall through to zero.
func (c *Calculator) fillFromHistory(ctx context.Context, rows []schema.MarketStatsRow, typeIDs []int64) error {
	if len(typeIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`
		SELECT type_id,
		       MIN(average) AS min_average,
		       AVG(average) AS avg_average,
		       AVG(volume) AS avg_volume
		FROM market_history
		WHERE type_id IN (?)
		GROUP BY type_id`, typeIDs)
	if err != nil {
		return fmt.Errorf("building history fill query: %w", err)
	}
	var fills []historyFill
	if err := c.db.SelectContext(ctx, &fills, c.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("querying history fills: %w", err)
	}
	byType := make(map[int64]historyFill, len(fills))
	for _, f := range fills {
		byType[f.TypeID] = f
	}

	for i := range rows {
		row := &rows[i]
		fill, ok := byType[row.TypeID]
		if ok {
			if math.IsNaN(row.MinPrice) && fill.MinAverage.Valid {
				row.MinPrice = fill.MinAverage.Float64
			}
			if math.IsNaN(row.Price) && fill.AvgAverage.Valid {
				row.Price = fill.AvgAverage.Float64
			}
			if math.IsNaN(row.AvgPrice) && fill.AvgAverage.Valid {
				row.AvgPrice = fill.AvgAverage.Float64
			}
			if math.IsNaN(row.AvgVolume) && fill.AvgVolume.Valid {
				row.AvgVolume = fill.AvgVolume.Float64
			}
		}
		// Anything still unresolved fills to zero.
		row.MinPrice = zeroNaN(row.MinPrice)
		row.Price = zeroNaN(row.Price)
		row.AvgPrice = zeroNaN(row.AvgPrice)
		row.AvgVolume = zeroNaN(row.AvgVolume)
	}
	return nil
}

// quantile computes the q-quantile of values with linear interpolation.
func quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	frac := pos - float64(lower)
	if lower+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	return sorted[lower] + (sorted[lower+1]-sorted[lower])*frac
}

func nullOr(v sql.NullFloat64, fallback float64) float64 {
	if v.Valid {
		return v.Float64
	}
	return fallback
}

func round(v float64, decimals int) float64 {
	if math.IsNaN(v) {
		return v
	}
	scale := math.Pow(10, float64(decimals))
	return math.Round(v*scale) / scale
}

// roundPositive rounds positive values and collapses everything else
// (NaN, zero, negative) to zero.
func roundPositive(v float64, decimals int) float64 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	return round(v, decimals)
}

func zeroNaN(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}

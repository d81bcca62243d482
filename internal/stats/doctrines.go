package stats

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"mkts-backend/internal/schema"
)

// doctrineSource is the fit composition carried between cycles: which types
// each fit needs and in what quantity. The market-dependent columns are
// recomputed from marketstats on every pass.
type doctrineSource struct {
	FitID    int64  `db:"fit_id"`
	ShipID   int64  `db:"ship_id"`
	ShipName string `db:"ship_name"`
	TypeID   int64  `db:"type_id"`
	TypeName string `db:"type_name"`
	FitQty   int64  `db:"fit_qty"`
}

// DoctrineStats rebuilds the doctrines table from its current fit
// composition and the freshly calculated marketstats. Types absent from
// marketstats contribute zeroes rather than failing the cycle.
func (c *Calculator) DoctrineStats(ctx context.Context) ([]schema.DoctrineRow, error) {
	var sources []doctrineSource
	err := c.db.SelectContext(ctx, &sources, `
		SELECT fit_id, ship_id, ship_name, type_id, type_name, fit_qty
		FROM doctrines
		ORDER BY fit_id, id`)
	if err != nil {
		return nil, fmt.Errorf("querying doctrine composition: %w", err)
	}
	if len(sources) == 0 {
		log.Warn().Msg("doctrines table is empty, nothing to calculate")
		return nil, nil
	}

	var stats []schema.MarketStatsRow
	if err := c.db.SelectContext(ctx, &stats, "SELECT * FROM marketstats"); err != nil {
		return nil, fmt.Errorf("querying marketstats for doctrines: %w", err)
	}
	byType := make(map[int64]schema.MarketStatsRow, len(stats))
	timestamp := schema.FormatTime(c.now())
	for _, s := range stats {
		byType[s.TypeID] = s
		if s.LastUpdate != "" {
			timestamp = s.LastUpdate
		}
	}

	rows := make([]schema.DoctrineRow, 0, len(sources))
	missing := 0
	for i, src := range sources {
		row := schema.DoctrineRow{
			ID:        int64(i + 1),
			FitID:     src.FitID,
			ShipID:    src.ShipID,
			ShipName:  src.ShipName,
			TypeID:    src.TypeID,
			TypeName:  src.TypeName,
			FitQty:    src.FitQty,
			Timestamp: timestamp,
		}
		if s, ok := byType[src.TypeID]; ok {
			row.TotalStock = s.TotalVolumeRemain
			row.Price = s.Price
			row.AvgVol = math.Trunc(s.AvgVolume)
			row.Days = s.DaysRemaining
			row.GroupID = s.GroupID
			row.GroupName = s.GroupName
			row.CategoryID = s.CategoryID
			row.CategoryName = s.CategoryName
			row.FitsOnMkt = fitsOnMarket(s.TotalVolumeRemain, src.FitQty)
		} else {
			missing++
		}
		// Hulls are the ship's own market stock, looked up directly so a
		// composition that never lists the hull still reports it.
		row.Hulls = byType[src.ShipID].TotalVolumeRemain
		rows = append(rows, row)
	}

	log.Info().Int("rows", len(rows)).Int("missing_stats", missing).Msg("doctrine stats calculated")
	return rows, nil
}

// fitsOnMarket is how many complete fits the current stock covers:
// stock over per-fit quantity, rounded to one decimal, truncated to a
// whole number of fits.
func fitsOnMarket(stock, fitQty int64) float64 {
	if fitQty <= 0 {
		return 0
	}
	return math.Trunc(round(float64(stock)/float64(fitQty), 1))
}

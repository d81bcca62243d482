// Package cycle runs the update cycle: fetch orders and history from the
// upstream API, push them through the upsert engine to the write side, sync
// the local replica, and derive marketstats and doctrine readiness. The
// cycle is a linear state machine; any stage failure aborts the run.
package cycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"mkts-backend/internal/config"
	"mkts-backend/internal/errs"
	"mkts-backend/internal/esi"
	"mkts-backend/internal/schema"
	"mkts-backend/internal/sde"
	"mkts-backend/internal/stats"
	"mkts-backend/internal/store"
	"mkts-backend/internal/upsert"
)

// Stage names the cycle's states.
type Stage string

const (
	StageIdle          Stage = "IDLE"
	StageFetchOrders   Stage = "FETCH_ORDERS"
	StageFetchHistory  Stage = "FETCH_HISTORY"
	StageSync          Stage = "SYNC"
	StageCalcStats     Stage = "CALC_STATS"
	StageCalcDoctrines Stage = "CALC_DOCTRINES"
	StageDone          Stage = "DONE"
	StageFail          Stage = "FAIL"
)

// Options tune one cycle run.
type Options struct {
	// IncludeHistory also refreshes the daily history before deriving.
	IncludeHistory bool
	// CheckTables creates any missing tables on the write side first.
	CheckTables bool
}

// Runner owns the moving parts of a cycle.
type Runner struct {
	market    config.Market
	store     *store.Store
	catalogue *sde.Catalogue
	client    *esi.Client
	dataDir   string
	now       func() time.Time

	stage Stage
}

// New assembles a runner for the given market over the market store.
func New(market config.Market, st *store.Store, catalogue *sde.Catalogue, client *esi.Client) *Runner {
	return &Runner{
		market:    market,
		store:     st,
		catalogue: catalogue,
		client:    client,
		dataDir:   "data",
		now:       time.Now,
		stage:     StageIdle,
	}
}

// WithDataDir overrides where raw fetch snapshots are written.
func (r *Runner) WithDataDir(dir string) *Runner {
	r.dataDir = dir
	return r
}

// WithClock overrides the clock for deterministic timestamps in tests.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Stage reports the runner's current state.
func (r *Runner) Stage() Stage { return r.stage }

func (r *Runner) transition(to Stage) {
	log.Info().Str("from", string(r.stage)).Str("to", string(to)).Msg("cycle stage transition")
	r.stage = to
}

// Run executes one full cycle and reports what it moved. Credentials are
// validated before any network or database I/O when the market needs the
// authenticated endpoint.
func (r *Runner) Run(ctx context.Context, opts Options) (*Report, error) {
	report := &Report{CycleID: uuid.NewString(), Market: r.market.Name}
	start := r.now()

	if r.market.Authenticated() {
		if _, _, err := config.ValidateEnv(); err != nil {
			r.transition(StageFail)
			return report, err
		}
	}

	remote, err := r.store.RemoteEngine()
	if err != nil {
		r.transition(StageFail)
		return report, err
	}
	if opts.CheckTables {
		if err := ensureTables(ctx, remote, schema.MarketTables); err != nil {
			r.transition(StageFail)
			return report, err
		}
	}
	if err := r.store.VerifyDBExists(ctx); err != nil {
		r.transition(StageFail)
		return report, err
	}
	engine := upsert.New(remote)

	if err := r.fetchOrders(ctx, engine, report); err != nil {
		r.transition(StageFail)
		return report, err
	}

	if opts.IncludeHistory {
		if err := r.fetchHistory(ctx, engine, report); err != nil {
			r.transition(StageFail)
			return report, err
		}
	}

	if err := r.syncAndValidate(ctx); err != nil {
		r.transition(StageFail)
		return report, err
	}

	if err := r.calcStats(ctx, engine, report); err != nil {
		r.transition(StageFail)
		return report, err
	}

	if err := r.syncAndValidate(ctx); err != nil {
		r.transition(StageFail)
		return report, err
	}

	if err := r.calcDoctrines(ctx, engine, report); err != nil {
		r.transition(StageFail)
		return report, err
	}

	if err := r.syncAndValidate(ctx); err != nil {
		r.transition(StageFail)
		return report, err
	}

	r.transition(StageDone)
	report.Elapsed = r.now().Sub(start)
	log.Info().Str("cycle_id", report.CycleID).
		Int("orders", report.Orders).
		Int("history_records", report.HistoryRecords).
		Int("stats_rows", report.StatsRows).
		Int("doctrine_rows", report.DoctrineRows).
		Dur("elapsed", report.Elapsed).
		Msg("cycle complete")
	return report, nil
}

// fetchOrders pulls the market's open orders and lands them in the write
// side. An ETag match leaves the table untouched and the cycle proceeds on
// the existing data.
func (r *Runner) fetchOrders(ctx context.Context, engine *upsert.Engine, report *Report) error {
	r.transition(StageFetchOrders)

	var orders []esi.Order
	var err error
	if r.market.Authenticated() {
		orders, err = r.client.StructureOrders(ctx, r.market.StructureID)
	} else {
		orders, err = r.client.RegionOrders(ctx, r.market.RegionID, "all")
	}
	if err != nil {
		if errors.Is(err, esi.ErrNotModified) {
			log.Info().Msg("orders unchanged upstream, keeping current data")
			return nil
		}
		return err
	}

	rows, err := r.orderRows(ctx, orders)
	if err != nil {
		return err
	}
	if err := r.dumpJSON("market_orders_new.json", rows); err != nil {
		return err
	}
	records, err := schema.Records(rows)
	if err != nil {
		return err
	}
	if err := engine.Upsert(ctx, schema.MarketOrders, records); err != nil {
		return err
	}
	report.Orders = len(rows)
	return r.logUpdate(ctx, report.CycleID, schema.MarketOrders.Name, len(rows))
}

// orderRows converts upstream orders to storage rows, resolving type names
// through the catalogue and normalizing the issued timestamp.
func (r *Runner) orderRows(ctx context.Context, orders []esi.Order) ([]schema.MarketOrderRow, error) {
	seen := make(map[int64]bool)
	var typeIDs []int64
	for _, o := range orders {
		if !seen[o.TypeID] {
			seen[o.TypeID] = true
			typeIDs = append(typeIDs, o.TypeID)
		}
	}
	names, err := r.catalogue.TypeNames(ctx, typeIDs)
	if err != nil {
		return nil, err
	}

	rows := make([]schema.MarketOrderRow, 0, len(orders))
	for _, o := range orders {
		rows = append(rows, schema.MarketOrderRow{
			OrderID:      o.OrderID,
			IsBuyOrder:   o.IsBuyOrder,
			TypeID:       o.TypeID,
			TypeName:     names[o.TypeID],
			Duration:     o.Duration,
			Issued:       normalizeTimestamp(o.Issued),
			Price:        o.Price,
			VolumeRemain: o.VolumeRemain,
		})
	}
	return rows, nil
}

// fetchHistory fans out one history request per watchlisted type and lands
// the flattened daily records.
func (r *Runner) fetchHistory(ctx context.Context, engine *upsert.Engine, report *Report) error {
	r.transition(StageFetchHistory)

	local, err := r.store.Engine()
	if err != nil {
		return err
	}
	var watch []schema.WatchlistRow
	if err := local.SelectContext(ctx, &watch, "SELECT * FROM watchlist ORDER BY type_id"); err != nil {
		return fmt.Errorf("reading watchlist: %w", err)
	}
	if len(watch) == 0 {
		log.Warn().Msg("watchlist is empty, skipping history fetch")
		return nil
	}

	typeIDs := make([]int64, len(watch))
	names := make(map[int64]string, len(watch))
	for i, w := range watch {
		typeIDs[i] = w.TypeID
		names[w.TypeID] = w.TypeName
	}

	histories, err := r.client.RegionHistory(ctx, r.market.RegionID, typeIDs)
	if err != nil {
		return err
	}

	stamp := schema.FormatTime(r.now())
	var rows []schema.MarketHistoryRow
	var id int64
	for _, h := range histories {
		for _, rec := range h.Records {
			id++
			rows = append(rows, schema.MarketHistoryRow{
				ID:         id,
				Date:       rec.Date,
				TypeName:   names[h.TypeID],
				TypeID:     h.TypeID,
				Average:    rec.Average,
				Volume:     rec.Volume,
				Highest:    rec.Highest,
				Lowest:     rec.Lowest,
				OrderCount: rec.OrderCount,
				Timestamp:  stamp,
			})
		}
	}

	if err := r.dumpJSON("market_history_new.json", rows); err != nil {
		return err
	}
	records, err := schema.Records(rows)
	if err != nil {
		return err
	}
	if err := engine.Upsert(ctx, schema.MarketHistory, records); err != nil {
		return err
	}
	report.HistoryRecords = len(rows)
	return r.logUpdate(ctx, report.CycleID, schema.MarketHistory.Name, len(rows))
}

// syncAndValidate pulls the replica and gates on the high-watermark check,
// retrying the pull once before giving up. Fatal error kinds abort without
// the retry since a second pull cannot change them.
func (r *Runner) syncAndValidate(ctx context.Context) error {
	r.transition(StageSync)
	for attempt := 1; attempt <= 2; attempt++ {
		if _, err := r.store.Sync(ctx); err != nil {
			if errs.Fatal(err) || attempt == 2 {
				return err
			}
			log.Warn().Err(err).Int("attempt", attempt).Msg("replica pull failed, retrying")
			continue
		}
		ok, err := r.store.ValidateSync(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		log.Warn().Int("attempt", attempt).Msg("replica out of sync after pull")
	}
	return fmt.Errorf("%w: replica still out of sync after retry", errs.ErrValidation)
}

// calcStats derives marketstats on the local replica and lands the result
// on the write side.
func (r *Runner) calcStats(ctx context.Context, engine *upsert.Engine, report *Report) error {
	r.transition(StageCalcStats)
	local, err := r.store.Engine()
	if err != nil {
		return err
	}
	rows, err := stats.NewCalculator(local).WithClock(r.now).MarketStats(ctx)
	if err != nil {
		return err
	}
	records, err := schema.Records(rows)
	if err != nil {
		return err
	}
	if err := engine.Upsert(ctx, schema.MarketStats, records); err != nil {
		return err
	}
	report.StatsRows = len(rows)
	return r.logUpdate(ctx, report.CycleID, schema.MarketStats.Name, len(rows))
}

// calcDoctrines rebuilds the doctrine readiness view from the synced stats.
func (r *Runner) calcDoctrines(ctx context.Context, engine *upsert.Engine, report *Report) error {
	r.transition(StageCalcDoctrines)
	local, err := r.store.Engine()
	if err != nil {
		return err
	}
	rows, err := stats.NewCalculator(local).WithClock(r.now).DoctrineStats(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	records, err := schema.Records(rows)
	if err != nil {
		return err
	}
	if err := engine.Upsert(ctx, schema.Doctrines, records); err != nil {
		return err
	}
	report.DoctrineRows = len(rows)
	return r.logUpdate(ctx, report.CycleID, schema.Doctrines.Name, len(rows))
}

// RegionOrders refreshes the public region order snapshot for deployment
// markets, outside the main cycle.
func (r *Runner) RegionOrders(ctx context.Context, orderType string) (int, error) {
	remote, err := r.store.RemoteEngine()
	if err != nil {
		return 0, err
	}
	orders, err := r.client.RegionOrders(ctx, r.market.RegionID, orderType)
	if err != nil {
		if errors.Is(err, esi.ErrNotModified) {
			log.Info().Msg("region orders unchanged upstream")
			return 0, nil
		}
		return 0, err
	}

	rows := make([]schema.RegionOrderRow, 0, len(orders))
	for _, o := range orders {
		rows = append(rows, schema.RegionOrderRow{
			OrderID:      o.OrderID,
			Duration:     o.Duration,
			IsBuyOrder:   o.IsBuyOrder,
			Issued:       normalizeTimestamp(o.Issued),
			LocationID:   o.LocationID,
			MinVolume:    o.MinVolume,
			Price:        o.Price,
			Range:        o.Range,
			SystemID:     o.SystemID,
			TypeID:       o.TypeID,
			VolumeRemain: o.VolumeRemain,
			VolumeTotal:  o.VolumeTotal,
		})
	}
	records, err := schema.Records(rows)
	if err != nil {
		return 0, err
	}
	if err := upsert.New(remote).Upsert(ctx, schema.RegionOrders, records); err != nil {
		return 0, err
	}
	if _, err := r.store.Sync(ctx); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// logUpdate appends one update_log entry on the write side.
func (r *Runner) logUpdate(ctx context.Context, cycleID, table string, rows int) error {
	remote, err := r.store.RemoteEngine()
	if err != nil {
		return err
	}
	_, err = remote.ExecContext(ctx,
		"INSERT INTO update_log (cycle_id, table_name, updated_at, rows) VALUES (?, ?, ?, ?)",
		cycleID, table, schema.FormatTime(r.now()), rows)
	if err != nil {
		return fmt.Errorf("recording update for %s: %w", table, err)
	}
	return nil
}

// dumpJSON snapshots the raw rows of a fetch for debugging.
func (r *Runner) dumpJSON(name string, v any) error {
	if r.dataDir == "" {
		return nil
	}
	if err := os.MkdirAll(r.dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	path := filepath.Join(r.dataDir, name)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	log.Debug().Str("path", path).Msg("fetch snapshot written")
	return nil
}

// ensureTables creates any missing tables from the canonical definitions.
func ensureTables(ctx context.Context, db *sqlx.DB, tables []schema.Table) error {
	for _, t := range tables {
		if _, err := db.ExecContext(ctx, t.CreateSQL()); err != nil {
			return fmt.Errorf("creating table %s: %w", t.Name, err)
		}
	}
	return nil
}

// normalizeTimestamp converts upstream RFC 3339 timestamps to the canonical
// DATETIME encoding, passing unparseable values through untouched.
func normalizeTimestamp(s string) string {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return schema.FormatTime(t)
	}
	return s
}

package fits

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"mkts-backend/internal/errs"
	"mkts-backend/internal/schema"
	"mkts-backend/internal/sde"
	"mkts-backend/internal/watchlist"
)

// Metadata identifies the fit being applied and where it belongs.
type Metadata struct {
	FitID        int64  `yaml:"fit_id" json:"fit_id"`
	DoctrineID   int64  `yaml:"doctrine_id" json:"doctrine_id"`
	FitName      string `yaml:"fit_name" json:"fit_name"`
	DoctrineName string `yaml:"doctrine_name" json:"doctrine_name"`
	ShipTarget   int64  `yaml:"ship_target" json:"ship_target"`
}

// Options tune one Update call.
type Options struct {
	// Target overrides the metadata's ship target when positive.
	Target int64
	// ClearExisting drops the fit's previous items before inserting.
	ClearExisting bool
	// DryRun resolves and reports without writing anything.
	DryRun bool
}

// Preview is the outcome of a dry run: what would be written and which item
// names the catalogue could not resolve.
type Preview struct {
	ShipTypeID   int64
	Items        []ResolvedItem
	MissingItems []string
}

// ResolvedItem is one catalogue-resolved fitting entry.
type ResolvedItem struct {
	TypeID   int64
	Name     string
	Quantity int64
	Flag     string
}

// Updater applies parsed fits to the fittings store, the doctrine
// composition, the ship targets, and the watchlist.
type Updater struct {
	fittings  *sqlx.DB
	market    *sqlx.DB
	catalogue *sde.Catalogue
	now       func() time.Time
}

// NewUpdater binds the updater to the fittings store, the market store's
// write side, and the static catalogue.
func NewUpdater(fittings, market *sqlx.DB, catalogue *sde.Catalogue) *Updater {
	return &Updater{fittings: fittings, market: market, catalogue: catalogue, now: time.Now}
}

// WithClock overrides the clock for deterministic timestamps in tests.
func (u *Updater) WithClock(now func() time.Time) *Updater {
	u.now = now
	return u
}

// Update applies one parsed fit under the given metadata. Unresolvable item
// names are collected and reported in the preview; they do not fail the
// call, they are simply not written. A dry run stops after resolution.
func (u *Updater) Update(ctx context.Context, fit *Fit, meta Metadata, opts Options) (*Preview, error) {
	shipTypeID, err := u.catalogue.TypeIDByName(ctx, fit.ShipName)
	if err != nil {
		return nil, fmt.Errorf("resolving hull %q: %w", fit.ShipName, err)
	}

	preview := &Preview{ShipTypeID: shipTypeID}
	for _, item := range fit.Items {
		typeID, err := u.catalogue.TypeIDByName(ctx, item.Name)
		if err != nil {
			if errors.Is(err, errs.ErrData) {
				preview.MissingItems = append(preview.MissingItems, item.Name)
				continue
			}
			return nil, err
		}
		preview.Items = append(preview.Items, ResolvedItem{
			TypeID:   typeID,
			Name:     item.Name,
			Quantity: item.Quantity,
			Flag:     item.Flag,
		})
	}
	if len(preview.MissingItems) > 0 {
		log.Warn().Strs("items", preview.MissingItems).Msg("unresolved item names, skipping")
	}

	if opts.DryRun {
		log.Info().Int64("fit_id", meta.FitID).
			Int("items", len(preview.Items)).
			Int("missing", len(preview.MissingItems)).
			Msg("dry run, no writes performed")
		return preview, nil
	}

	if err := u.writeFittings(ctx, fit, meta, preview, opts.ClearExisting); err != nil {
		return nil, err
	}
	if err := u.writeMarketSide(ctx, fit, meta, preview, opts); err != nil {
		return nil, err
	}
	log.Info().Int64("fit_id", meta.FitID).Str("fit_name", meta.FitName).
		Int("items", len(preview.Items)).Msg("fit applied")
	return preview, nil
}

// writeFittings upserts the fit header and its items in the fittings store.
func (u *Updater) writeFittings(ctx context.Context, fit *Fit, meta Metadata, preview *Preview, clear bool) error {
	tx, err := u.fittings.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fittings transaction: %w", err)
	}
	defer tx.Rollback()

	stamp := schema.FormatTime(u.now())
	_, err = tx.ExecContext(ctx, `
		INSERT INTO fittings_fitting (id, description, name, ship_type_id, created, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			ship_type_id = excluded.ship_type_id,
			last_updated = excluded.last_updated`,
		meta.FitID, meta.DoctrineName, meta.FitName, preview.ShipTypeID, stamp, stamp)
	if err != nil {
		return fmt.Errorf("upserting fit header: %w", err)
	}

	if clear {
		if _, err := tx.ExecContext(ctx, "DELETE FROM fittings_fittingitem WHERE fit_id = ?", meta.FitID); err != nil {
			return fmt.Errorf("clearing fit items: %w", err)
		}
	}
	for _, item := range preview.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO fittings_fittingitem (flag, quantity, fit_id, type_fk_id, type_id)
			VALUES (?, ?, ?, ?, ?)`,
			item.Flag, item.Quantity, meta.FitID, item.TypeID, item.TypeID)
		if err != nil {
			return fmt.Errorf("inserting fit item %q: %w", item.Name, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fittings_doctrine (id, name, created, last_updated)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, last_updated = excluded.last_updated`,
		meta.DoctrineID, meta.DoctrineName, stamp, stamp); err != nil {
		return fmt.Errorf("upserting doctrine: %w", err)
	}

	var linked int64
	err = tx.GetContext(ctx, &linked,
		"SELECT COUNT(*) FROM fittings_doctrine_fittings WHERE doctrine_id = ? AND fitting_id = ?",
		meta.DoctrineID, meta.FitID)
	if err != nil {
		return fmt.Errorf("checking doctrine link: %w", err)
	}
	if linked == 0 {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO fittings_doctrine_fittings (doctrine_id, fitting_id) VALUES (?, ?)",
			meta.DoctrineID, meta.FitID); err != nil {
			return fmt.Errorf("linking doctrine to fit: %w", err)
		}
	}
	return tx.Commit()
}

// writeMarketSide rebuilds the fit's doctrine composition, records its ship
// target and doctrine mapping, and adds every resolved type to the
// watchlist.
func (u *Updater) writeMarketSide(ctx context.Context, fit *Fit, meta Metadata, preview *Preview, opts Options) error {
	target := meta.ShipTarget
	if opts.Target > 0 {
		target = opts.Target
	}
	stamp := schema.FormatTime(u.now())

	// Per-type quantities, hull included.
	qty := map[int64]int64{preview.ShipTypeID: 1}
	names := map[int64]string{preview.ShipTypeID: fit.ShipName}
	for _, item := range preview.Items {
		qty[item.TypeID] += item.Quantity
		names[item.TypeID] = item.Name
	}
	typeIDs := make([]int64, 0, len(qty))
	for id := range qty {
		typeIDs = append(typeIDs, id)
	}
	sort.Slice(typeIDs, func(i, j int) bool { return typeIDs[i] < typeIDs[j] })

	tx, err := u.market.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning market transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM doctrines WHERE fit_id = ?", meta.FitID); err != nil {
		return fmt.Errorf("clearing doctrine composition: %w", err)
	}
	for _, typeID := range typeIDs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO doctrines (fit_id, ship_id, ship_name, type_id, type_name, fit_qty, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			meta.FitID, preview.ShipTypeID, fit.ShipName, typeID, names[typeID], qty[typeID], stamp)
		if err != nil {
			return fmt.Errorf("inserting doctrine composition for type %d: %w", typeID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM ship_targets WHERE fit_id = ?", meta.FitID); err != nil {
		return fmt.Errorf("clearing ship target: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ship_targets (fit_id, fit_name, ship_id, ship_name, ship_target, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		meta.FitID, meta.FitName, preview.ShipTypeID, fit.ShipName, target, stamp); err != nil {
		return fmt.Errorf("inserting ship target: %w", err)
	}

	var mapped int64
	err = tx.GetContext(ctx, &mapped,
		"SELECT COUNT(*) FROM doctrine_map WHERE doctrine_id = ? AND fitting_id = ?",
		meta.DoctrineID, meta.FitID)
	if err != nil {
		return fmt.Errorf("checking doctrine map: %w", err)
	}
	if mapped == 0 {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO doctrine_map (doctrine_id, fitting_id) VALUES (?, ?)",
			meta.DoctrineID, meta.FitID); err != nil {
			return fmt.Errorf("mapping doctrine to fit: %w", err)
		}
	}

	// Keyed on fit_id only through this path, so replace rather than append.
	if _, err := tx.ExecContext(ctx, "DELETE FROM doctrine_fits WHERE fit_id = ?", meta.FitID); err != nil {
		return fmt.Errorf("clearing doctrine fit record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO doctrine_fits (doctrine_name, fit_name, ship_type_id, doctrine_id, fit_id, ship_name, target)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		meta.DoctrineName, meta.FitName, preview.ShipTypeID, meta.DoctrineID, meta.FitID, fit.ShipName, target); err != nil {
		return fmt.Errorf("recording doctrine fit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing market side: %w", err)
	}

	maintainer := watchlist.NewMaintainer(u.market, u.catalogue)
	if _, err := maintainer.Add(ctx, typeIDs); err != nil {
		return fmt.Errorf("adding fit types to watchlist: %w", err)
	}
	return nil
}

// Package watchlist maintains the set of type IDs the pipeline tracks.
package watchlist

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"mkts-backend/internal/schema"
	"mkts-backend/internal/sde"
)

// Maintainer adds catalogue-resolved types to the watchlist.
type Maintainer struct {
	db        *sqlx.DB
	catalogue *sde.Catalogue
}

// NewMaintainer binds the maintainer to the write-side database and the
// static catalogue.
func NewMaintainer(db *sqlx.DB, catalogue *sde.Catalogue) *Maintainer {
	return &Maintainer{db: db, catalogue: catalogue}
}

// Result reports one Add call: which types landed and which IDs the
// catalogue could not resolve.
type Result struct {
	Added   []schema.WatchlistRow
	Missing []int64
}

// Add resolves the given type IDs against the catalogue and inserts them
// into the watchlist. Already-watched types are left untouched, so the call
// is idempotent. IDs the catalogue does not know are reported back rather
// than failing the whole batch.
func (m *Maintainer) Add(ctx context.Context, typeIDs []int64) (*Result, error) {
	infos, err := m.catalogue.TypeInfoBatch(ctx, typeIDs)
	if err != nil {
		return nil, fmt.Errorf("resolving watchlist additions: %w", err)
	}

	res := &Result{}
	for _, id := range typeIDs {
		info, ok := infos[id]
		if !ok {
			res.Missing = append(res.Missing, id)
			continue
		}
		res.Added = append(res.Added, schema.WatchlistRow{
			TypeID:       info.TypeID,
			TypeName:     info.TypeName,
			GroupID:      info.GroupID,
			GroupName:    info.GroupName,
			CategoryID:   info.CategoryID,
			CategoryName: info.CategoryName,
		})
	}
	if len(res.Missing) > 0 {
		log.Warn().Ints64("type_ids", res.Missing).Msg("types not found in catalogue, skipping")
	}
	if len(res.Added) == 0 {
		return res, nil
	}

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning watchlist transaction: %w", err)
	}
	defer tx.Rollback()

	const stmt = `
		INSERT INTO watchlist (type_id, type_name, group_id, group_name, category_id, category_name)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(type_id) DO NOTHING`
	for _, row := range res.Added {
		_, err := tx.ExecContext(ctx, stmt,
			row.TypeID, row.TypeName, row.GroupID, row.GroupName, row.CategoryID, row.CategoryName)
		if err != nil {
			return nil, fmt.Errorf("inserting watchlist row for type %d: %w", row.TypeID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing watchlist additions: %w", err)
	}

	log.Info().Int("added", len(res.Added)).Int("missing", len(res.Missing)).Msg("watchlist updated")
	return res, nil
}

// TypeIDs returns the watched type IDs in ascending order.
func (m *Maintainer) TypeIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := m.db.SelectContext(ctx, &ids, "SELECT type_id FROM watchlist ORDER BY type_id"); err != nil {
		return nil, fmt.Errorf("reading watchlist: %w", err)
	}
	return ids, nil
}

// Package sde reads the static item catalogue. The catalogue is consumed
// read-only; the single inv_info table maps type IDs to names and their
// group/category classification.
package sde

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"mkts-backend/internal/errs"
)

// TypeInfo is one catalogue entry.
type TypeInfo struct {
	TypeID       int64  `db:"typeID"`
	TypeName     string `db:"typeName"`
	GroupID      int64  `db:"groupID"`
	GroupName    string `db:"groupName"`
	CategoryID   int64  `db:"categoryID"`
	CategoryName string `db:"categoryName"`
}

// Catalogue wraps the static data export database.
type Catalogue struct {
	db *sqlx.DB
}

// NewCatalogue wraps an open SDE connection.
func NewCatalogue(db *sqlx.DB) *Catalogue {
	return &Catalogue{db: db}
}

// TypeInfo looks up a single type ID. Unknown IDs return ErrData.
func (c *Catalogue) TypeInfo(ctx context.Context, typeID int64) (*TypeInfo, error) {
	var info TypeInfo
	err := c.db.GetContext(ctx, &info,
		"SELECT typeID, typeName, groupID, groupName, categoryID, categoryName FROM inv_info WHERE typeID = ?", typeID)
	if err != nil {
		return nil, fmt.Errorf("%w: type %d not found in catalogue: %v", errs.ErrData, typeID, err)
	}
	return &info, nil
}

// TypeInfoBatch looks up many type IDs at once. Missing IDs are simply
// absent from the result map.
func (c *Catalogue) TypeInfoBatch(ctx context.Context, typeIDs []int64) (map[int64]TypeInfo, error) {
	out := make(map[int64]TypeInfo, len(typeIDs))
	if len(typeIDs) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(
		"SELECT typeID, typeName, groupID, groupName, categoryID, categoryName FROM inv_info WHERE typeID IN (?)", typeIDs)
	if err != nil {
		return nil, fmt.Errorf("building catalogue query: %w", err)
	}
	var rows []TypeInfo
	if err := c.db.SelectContext(ctx, &rows, c.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("querying catalogue: %w", err)
	}
	for _, r := range rows {
		out[r.TypeID] = r
	}
	return out, nil
}

// TypeNames resolves type IDs to display names.
func (c *Catalogue) TypeNames(ctx context.Context, typeIDs []int64) (map[int64]string, error) {
	infos, err := c.TypeInfoBatch(ctx, typeIDs)
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(infos))
	for id, info := range infos {
		names[id] = info.TypeName
	}
	return names, nil
}

// TypeIDByName resolves an exact item name to its type ID. Unresolved names
// return ErrData so the fit updater can collect and report them.
func (c *Catalogue) TypeIDByName(ctx context.Context, name string) (int64, error) {
	var id int64
	err := c.db.GetContext(ctx, &id, "SELECT typeID FROM inv_info WHERE typeName = ?", name)
	if err != nil {
		return 0, fmt.Errorf("%w: unresolved item name %q", errs.ErrData, name)
	}
	return id, nil
}

// Package schema holds the declarative table definitions for the market
// store. The column order published here is the canonical insert order used
// by the upsert engine; every statement it builds derives from these
// definitions rather than from database introspection.
package schema

import (
	"fmt"
	"strings"
	"time"
)

// ColumnType is the storage class of a column.
type ColumnType string

const (
	Int      ColumnType = "INTEGER"
	Real     ColumnType = "REAL"
	Text     ColumnType = "TEXT"
	DateTime ColumnType = "DATETIME"
	Bool     ColumnType = "BOOLEAN"
)

// TimeFormat is the canonical encoding for DATETIME columns. SQLite's
// datetime functions understand it, and string comparison of two values
// orders chronologically.
const TimeFormat = "2006-01-02 15:04:05"

// DateFormat is the canonical encoding for day-granularity dates.
const DateFormat = "2006-01-02"

// FormatTime renders t in UTC using the canonical DATETIME encoding.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Column describes one column of a table.
type Column struct {
	Name          string
	Type          ColumnType
	Nullable      bool
	PrimaryKey    bool
	AutoIncrement bool
}

// Table describes one table: its name and canonical column order.
type Table struct {
	Name    string
	Columns []Column
}

// ColumnNames returns the canonical column order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// PrimaryKey returns the table's single primary key column. Tables with
// composite keys are rejected; the upsert engine's conflict clause only
// supports a single-column key.
func (t Table) PrimaryKey() (Column, error) {
	var pk []Column
	for _, c := range t.Columns {
		if c.PrimaryKey {
			pk = append(pk, c)
		}
	}
	if len(pk) != 1 {
		return Column{}, fmt.Errorf("table %s: expected a single-column primary key, got %d", t.Name, len(pk))
	}
	return pk[0], nil
}

// NonPKColumns returns the names of all columns outside the primary key.
func (t Table) NonPKColumns() []string {
	var names []string
	for _, c := range t.Columns {
		if !c.PrimaryKey {
			names = append(names, c.Name)
		}
	}
	return names
}

// CreateSQL renders a CREATE TABLE IF NOT EXISTS statement for the table.
func (t Table) CreateSQL() string {
	defs := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		def := c.Name + " " + string(c.Type)
		if c.PrimaryKey {
			def += " PRIMARY KEY"
			if c.AutoIncrement {
				def += " AUTOINCREMENT"
			}
		} else if !c.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", t.Name, strings.Join(defs, ", "))
}

// wipeReplace is the explicit allow-list of derived tables that are rebuilt
// with delete-then-insert each cycle. Everything else takes the conditional
// ON CONFLICT DO UPDATE path.
var wipeReplace = map[string]bool{
	"marketstats": true,
	"doctrines":   true,
}

// IsWipeReplace reports whether the named table is rebuilt wholesale each
// cycle.
func IsWipeReplace(name string) bool {
	return wipeReplace[name]
}

// Market store tables.
var (
	Watchlist = Table{
		Name: "watchlist",
		Columns: []Column{
			{Name: "type_id", Type: Int, PrimaryKey: true},
			{Name: "type_name", Type: Text, Nullable: true},
			{Name: "group_id", Type: Int, Nullable: true},
			{Name: "group_name", Type: Text, Nullable: true},
			{Name: "category_id", Type: Int, Nullable: true},
			{Name: "category_name", Type: Text, Nullable: true},
		},
	}

	MarketOrders = Table{
		Name: "marketorders",
		Columns: []Column{
			{Name: "order_id", Type: Int, PrimaryKey: true},
			{Name: "is_buy_order", Type: Bool, Nullable: true},
			{Name: "type_id", Type: Int, Nullable: true},
			{Name: "type_name", Type: Text, Nullable: true},
			{Name: "duration", Type: Int, Nullable: true},
			{Name: "issued", Type: DateTime, Nullable: true},
			{Name: "price", Type: Real, Nullable: true},
			{Name: "volume_remain", Type: Int, Nullable: true},
		},
	}

	MarketHistory = Table{
		Name: "market_history",
		Columns: []Column{
			{Name: "id", Type: Int, PrimaryKey: true, AutoIncrement: true},
			{Name: "date", Type: DateTime, Nullable: true},
			{Name: "type_name", Type: Text, Nullable: true},
			{Name: "type_id", Type: Int, Nullable: true},
			{Name: "average", Type: Real, Nullable: true},
			{Name: "volume", Type: Int, Nullable: true},
			{Name: "highest", Type: Real, Nullable: true},
			{Name: "lowest", Type: Real, Nullable: true},
			{Name: "order_count", Type: Int, Nullable: true},
			{Name: "timestamp", Type: DateTime, Nullable: true},
		},
	}

	MarketStats = Table{
		Name: "marketstats",
		Columns: []Column{
			{Name: "type_id", Type: Int, PrimaryKey: true},
			{Name: "type_name", Type: Text, Nullable: true},
			{Name: "group_id", Type: Int, Nullable: true},
			{Name: "group_name", Type: Text, Nullable: true},
			{Name: "category_id", Type: Int, Nullable: true},
			{Name: "category_name", Type: Text, Nullable: true},
			{Name: "total_volume_remain", Type: Int, Nullable: true},
			{Name: "min_price", Type: Real, Nullable: true},
			{Name: "price", Type: Real, Nullable: true},
			{Name: "avg_price", Type: Real, Nullable: true},
			{Name: "avg_volume", Type: Real, Nullable: true},
			{Name: "days_remaining", Type: Real, Nullable: true},
			{Name: "last_update", Type: DateTime, Nullable: true},
		},
	}

	Doctrines = Table{
		Name: "doctrines",
		Columns: []Column{
			{Name: "id", Type: Int, PrimaryKey: true, AutoIncrement: true},
			{Name: "fit_id", Type: Int, Nullable: true},
			{Name: "ship_id", Type: Int, Nullable: true},
			{Name: "ship_name", Type: Text, Nullable: true},
			{Name: "hulls", Type: Int, Nullable: true},
			{Name: "type_id", Type: Int, Nullable: true},
			{Name: "type_name", Type: Text, Nullable: true},
			{Name: "fit_qty", Type: Int, Nullable: true},
			{Name: "fits_on_mkt", Type: Real, Nullable: true},
			{Name: "total_stock", Type: Int, Nullable: true},
			{Name: "price", Type: Real, Nullable: true},
			{Name: "avg_vol", Type: Real, Nullable: true},
			{Name: "days", Type: Real, Nullable: true},
			{Name: "group_id", Type: Int, Nullable: true},
			{Name: "group_name", Type: Text, Nullable: true},
			{Name: "category_id", Type: Int, Nullable: true},
			{Name: "category_name", Type: Text, Nullable: true},
			{Name: "timestamp", Type: DateTime, Nullable: true},
		},
	}

	RegionOrders = Table{
		Name: "region_orders",
		Columns: []Column{
			{Name: "order_id", Type: Int, PrimaryKey: true},
			{Name: "duration", Type: Int, Nullable: true},
			{Name: "is_buy_order", Type: Bool, Nullable: true},
			{Name: "issued", Type: DateTime, Nullable: true},
			{Name: "location_id", Type: Int, Nullable: true},
			{Name: "min_volume", Type: Int, Nullable: true},
			{Name: "price", Type: Real, Nullable: true},
			{Name: "range", Type: Text, Nullable: true},
			{Name: "system_id", Type: Int, Nullable: true},
			{Name: "type_id", Type: Int, Nullable: true},
			{Name: "volume_remain", Type: Int, Nullable: true},
			{Name: "volume_total", Type: Int, Nullable: true},
		},
	}

	ShipTargets = Table{
		Name: "ship_targets",
		Columns: []Column{
			{Name: "id", Type: Int, PrimaryKey: true, AutoIncrement: true},
			{Name: "fit_id", Type: Int, Nullable: true},
			{Name: "fit_name", Type: Text, Nullable: true},
			{Name: "ship_id", Type: Int, Nullable: true},
			{Name: "ship_name", Type: Text, Nullable: true},
			{Name: "ship_target", Type: Int, Nullable: true},
			{Name: "created_at", Type: DateTime, Nullable: true},
		},
	}

	DoctrineFits = Table{
		Name: "doctrine_fits",
		Columns: []Column{
			{Name: "id", Type: Int, PrimaryKey: true, AutoIncrement: true},
			{Name: "doctrine_name", Type: Text, Nullable: true},
			{Name: "fit_name", Type: Text, Nullable: true},
			{Name: "ship_type_id", Type: Int, Nullable: true},
			{Name: "doctrine_id", Type: Int, Nullable: true},
			{Name: "fit_id", Type: Int, Nullable: true},
			{Name: "ship_name", Type: Text, Nullable: true},
			{Name: "target", Type: Int, Nullable: true},
		},
	}

	DoctrineMap = Table{
		Name: "doctrine_map",
		Columns: []Column{
			{Name: "id", Type: Int, PrimaryKey: true, AutoIncrement: true},
			{Name: "doctrine_id", Type: Int, Nullable: true},
			{Name: "fitting_id", Type: Int, Nullable: true},
		},
	}

	UpdateLog = Table{
		Name: "update_log",
		Columns: []Column{
			{Name: "id", Type: Int, PrimaryKey: true, AutoIncrement: true},
			{Name: "cycle_id", Type: Text, Nullable: true},
			{Name: "table_name", Type: Text, Nullable: true},
			{Name: "updated_at", Type: DateTime, Nullable: true},
			{Name: "rows", Type: Int, Nullable: true},
		},
	}
)

// Fittings store tables (separate database).
var (
	FittingsFitting = Table{
		Name: "fittings_fitting",
		Columns: []Column{
			{Name: "id", Type: Int, PrimaryKey: true},
			{Name: "description", Type: Text, Nullable: true},
			{Name: "name", Type: Text, Nullable: true},
			{Name: "ship_type_id", Type: Int, Nullable: true},
			{Name: "created", Type: DateTime, Nullable: true},
			{Name: "last_updated", Type: DateTime, Nullable: true},
		},
	}

	FittingsFittingItem = Table{
		Name: "fittings_fittingitem",
		Columns: []Column{
			{Name: "id", Type: Int, PrimaryKey: true, AutoIncrement: true},
			{Name: "flag", Type: Text, Nullable: true},
			{Name: "quantity", Type: Int, Nullable: true},
			{Name: "fit_id", Type: Int, Nullable: true},
			{Name: "type_fk_id", Type: Int, Nullable: true},
			{Name: "type_id", Type: Int, Nullable: true},
		},
	}

	FittingsDoctrine = Table{
		Name: "fittings_doctrine",
		Columns: []Column{
			{Name: "id", Type: Int, PrimaryKey: true},
			{Name: "name", Type: Text, Nullable: true},
			{Name: "description", Type: Text, Nullable: true},
			{Name: "created", Type: DateTime, Nullable: true},
			{Name: "last_updated", Type: DateTime, Nullable: true},
		},
	}

	FittingsDoctrineFittings = Table{
		Name: "fittings_doctrine_fittings",
		Columns: []Column{
			{Name: "id", Type: Int, PrimaryKey: true, AutoIncrement: true},
			{Name: "doctrine_id", Type: Int, Nullable: true},
			{Name: "fitting_id", Type: Int, Nullable: true},
		},
	}
)

// MarketTables lists every table of the market store in sync order.
var MarketTables = []Table{
	Watchlist,
	MarketOrders,
	MarketHistory,
	MarketStats,
	Doctrines,
	RegionOrders,
	ShipTargets,
	DoctrineFits,
	DoctrineMap,
	UpdateLog,
}

// FittingsTables lists every table of the fittings store.
var FittingsTables = []Table{
	FittingsFitting,
	FittingsFittingItem,
	FittingsDoctrine,
	FittingsDoctrineFittings,
}

// MarketTable resolves a market store table by name.
func MarketTable(name string) (Table, bool) {
	for _, t := range MarketTables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

package schema

import (
	"fmt"
	"reflect"
)

// Typed row structures for the tables above. Field order mirrors the
// canonical column order; `db` tags bind them to sqlx scans and to the
// upsert engine's record conversion.

type WatchlistRow struct {
	TypeID       int64  `db:"type_id"`
	TypeName     string `db:"type_name"`
	GroupID      int64  `db:"group_id"`
	GroupName    string `db:"group_name"`
	CategoryID   int64  `db:"category_id"`
	CategoryName string `db:"category_name"`
}

type MarketOrderRow struct {
	OrderID      int64   `db:"order_id"`
	IsBuyOrder   bool    `db:"is_buy_order"`
	TypeID       int64   `db:"type_id"`
	TypeName     string  `db:"type_name"`
	Duration     int64   `db:"duration"`
	Issued       string  `db:"issued"`
	Price        float64 `db:"price"`
	VolumeRemain int64   `db:"volume_remain"`
}

type MarketHistoryRow struct {
	ID         int64   `db:"id"`
	Date       string  `db:"date"`
	TypeName   string  `db:"type_name"`
	TypeID     int64   `db:"type_id"`
	Average    float64 `db:"average"`
	Volume     int64   `db:"volume"`
	Highest    float64 `db:"highest"`
	Lowest     float64 `db:"lowest"`
	OrderCount int64   `db:"order_count"`
	Timestamp  string  `db:"timestamp"`
}

type MarketStatsRow struct {
	TypeID            int64   `db:"type_id"`
	TypeName          string  `db:"type_name"`
	GroupID           int64   `db:"group_id"`
	GroupName         string  `db:"group_name"`
	CategoryID        int64   `db:"category_id"`
	CategoryName      string  `db:"category_name"`
	TotalVolumeRemain int64   `db:"total_volume_remain"`
	MinPrice          float64 `db:"min_price"`
	Price             float64 `db:"price"`
	AvgPrice          float64 `db:"avg_price"`
	AvgVolume         float64 `db:"avg_volume"`
	DaysRemaining     float64 `db:"days_remaining"`
	LastUpdate        string  `db:"last_update"`
}

type DoctrineRow struct {
	ID           int64   `db:"id"`
	FitID        int64   `db:"fit_id"`
	ShipID       int64   `db:"ship_id"`
	ShipName     string  `db:"ship_name"`
	Hulls        int64   `db:"hulls"`
	TypeID       int64   `db:"type_id"`
	TypeName     string  `db:"type_name"`
	FitQty       int64   `db:"fit_qty"`
	FitsOnMkt    float64 `db:"fits_on_mkt"`
	TotalStock   int64   `db:"total_stock"`
	Price        float64 `db:"price"`
	AvgVol       float64 `db:"avg_vol"`
	Days         float64 `db:"days"`
	GroupID      int64   `db:"group_id"`
	GroupName    string  `db:"group_name"`
	CategoryID   int64   `db:"category_id"`
	CategoryName string  `db:"category_name"`
	Timestamp    string  `db:"timestamp"`
}

type RegionOrderRow struct {
	OrderID      int64   `db:"order_id"`
	Duration     int64   `db:"duration"`
	IsBuyOrder   bool    `db:"is_buy_order"`
	Issued       string  `db:"issued"`
	LocationID   int64   `db:"location_id"`
	MinVolume    int64   `db:"min_volume"`
	Price        float64 `db:"price"`
	Range        string  `db:"range"`
	SystemID     int64   `db:"system_id"`
	TypeID       int64   `db:"type_id"`
	VolumeRemain int64   `db:"volume_remain"`
	VolumeTotal  int64   `db:"volume_total"`
}

type ShipTargetRow struct {
	ID         int64  `db:"id"`
	FitID      int64  `db:"fit_id"`
	FitName    string `db:"fit_name"`
	ShipID     int64  `db:"ship_id"`
	ShipName   string `db:"ship_name"`
	ShipTarget int64  `db:"ship_target"`
	CreatedAt  string `db:"created_at"`
}

type UpdateLogRow struct {
	ID        int64  `db:"id"`
	CycleID   string `db:"cycle_id"`
	TableName string `db:"table_name"`
	UpdatedAt string `db:"updated_at"`
	Rows      int64  `db:"rows"`
}

// Records converts a slice of row structs into the generic record form the
// upsert engine consumes, keyed by `db` tag. Fields without a db tag are
// skipped.
func Records(rows any) ([]map[string]any, error) {
	v := reflect.ValueOf(rows)
	if v.Kind() != reflect.Slice {
		return nil, fmt.Errorf("schema: expected a slice of rows, got %T", rows)
	}
	out := make([]map[string]any, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		elem := v.Index(i)
		if elem.Kind() == reflect.Pointer {
			elem = elem.Elem()
		}
		if elem.Kind() != reflect.Struct {
			return nil, fmt.Errorf("schema: expected struct rows, got %s", elem.Kind())
		}
		rec := make(map[string]any, elem.NumField())
		t := elem.Type()
		for f := 0; f < t.NumField(); f++ {
			tag := t.Field(f).Tag.Get("db")
			if tag == "" || tag == "-" {
				continue
			}
			rec[tag] = elem.Field(f).Interface()
		}
		out = append(out, rec)
	}
	return out, nil
}

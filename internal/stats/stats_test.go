package stats

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mkts-backend/internal/schema"
)

func testDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	for _, table := range schema.MarketTables {
		_, err := db.Exec(table.CreateSQL())
		require.NoError(t, err)
	}
	return db
}

func addWatch(t *testing.T, db *sqlx.DB, typeID int64, name string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO watchlist (type_id, type_name, group_id, group_name, category_id, category_name)
		VALUES (?, ?, 25, 'Frigate', 6, 'Ship')`, typeID, name)
	require.NoError(t, err)
}

func addSellOrder(t *testing.T, db *sqlx.DB, orderID, typeID int64, price float64, volume int64) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO marketorders (order_id, is_buy_order, type_id, price, volume_remain)
		VALUES (?, 0, ?, ?, ?)`, orderID, typeID, price, volume)
	require.NoError(t, err)
}

func addHistory(t *testing.T, db *sqlx.DB, typeID int64, daysAgo int, average float64, volume int64) {
	t.Helper()
	date := time.Now().UTC().AddDate(0, 0, -daysAgo).Format(schema.DateFormat)
	_, err := db.Exec(`INSERT INTO market_history (date, type_id, average, volume, highest, lowest, order_count)
		VALUES (?, ?, ?, ?, ?, ?, 10)`, date, typeID, average, volume, average*1.1, average*0.9)
	require.NoError(t, err)
}

func fixedClock() func() time.Time {
	ts := time.Date(2025, 7, 14, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func TestMarketStats_OrdersAndHistory(t *testing.T) {
	db := testDB(t)
	addWatch(t, db, 603, "Merlin")
	// Five sell orders; the 5th percentile interpolates between the two
	// lowest prices: 10 + 0.2*(20-10) = 12.
	for i, price := range []float64{10, 20, 30, 40, 50} {
		addSellOrder(t, db, int64(i+1), 603, price, 100)
	}
	// Ten days of history, avg price 12.5, avg volume 100.
	for day := 1; day <= 10; day++ {
		addHistory(t, db, 603, day, 12.5, 100)
	}

	calc := NewCalculator(db).WithClock(fixedClock())
	rows, err := calc.MarketStats(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, int64(603), row.TypeID)
	assert.Equal(t, "Merlin", row.TypeName)
	assert.Equal(t, int64(500), row.TotalVolumeRemain)
	assert.Equal(t, 10.0, row.MinPrice)
	assert.Equal(t, 12.0, row.Price)
	assert.Equal(t, 12.5, row.AvgPrice)
	assert.Equal(t, 100.0, row.AvgVolume)
	assert.Equal(t, 5.0, row.DaysRemaining)
	assert.Equal(t, "2025-07-14 12:00:00", row.LastUpdate)
}

func TestMarketStats_NoOrdersFillsFromHistory(t *testing.T) {
	db := testDB(t)
	addWatch(t, db, 600, "Rifter")
	for day := 1; day <= 10; day++ {
		addHistory(t, db, 600, day, 12.5, 1000)
	}

	rows, err := NewCalculator(db).WithClock(fixedClock()).MarketStats(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, int64(0), row.TotalVolumeRemain)
	assert.Equal(t, 12.5, row.MinPrice)
	assert.Equal(t, 12.5, row.Price)
	assert.Equal(t, 12.5, row.AvgPrice)
	assert.Equal(t, 1000.0, row.AvgVolume)
	// No stock means no runway, regardless of filled volume.
	assert.Equal(t, 0.0, row.DaysRemaining)
}

func TestMarketStats_NoDataAtAllIsAllZero(t *testing.T) {
	db := testDB(t)
	addWatch(t, db, 999, "Ghost Item")

	rows, err := NewCalculator(db).WithClock(fixedClock()).MarketStats(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, int64(0), row.TotalVolumeRemain)
	assert.Equal(t, 0.0, row.MinPrice)
	assert.Equal(t, 0.0, row.Price)
	assert.Equal(t, 0.0, row.AvgPrice)
	assert.Equal(t, 0.0, row.AvgVolume)
	assert.Equal(t, 0.0, row.DaysRemaining)
	// The identity columns still come from the watchlist.
	assert.Equal(t, "Ghost Item", row.TypeName)
}

func TestMarketStats_OldHistoryOutsideWindow(t *testing.T) {
	db := testDB(t)
	addWatch(t, db, 587, "Breacher")
	addSellOrder(t, db, 1, 587, 100, 50)
	// History exists but all of it predates the 30-day window, so the
	// windowed averages are null and fill from the full history instead.
	addHistory(t, db, 587, 45, 80, 200)
	addHistory(t, db, 587, 50, 60, 400)

	rows, err := NewCalculator(db).WithClock(fixedClock()).MarketStats(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, int64(50), row.TotalVolumeRemain)
	assert.Equal(t, 100.0, row.MinPrice)
	assert.Equal(t, 100.0, row.Price) // single order, quantile is the order price
	assert.Equal(t, 70.0, row.AvgPrice)
	assert.Equal(t, 300.0, row.AvgVolume)
	// The windowed average was null, so days_remaining stays zero.
	assert.Equal(t, 0.0, row.DaysRemaining)
}

func TestMarketStats_RoundingRules(t *testing.T) {
	db := testDB(t)
	addWatch(t, db, 34, "Tritanium")
	addSellOrder(t, db, 1, 34, 4.567, 1000)
	for day := 1; day <= 3; day++ {
		addHistory(t, db, 34, day, 4.5551, 301)
	}

	rows, err := NewCalculator(db).WithClock(fixedClock()).MarketStats(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, 4.57, row.Price)
	assert.Equal(t, 4.56, row.AvgPrice)
	assert.Equal(t, 301.0, row.AvgVolume)
	assert.Equal(t, 3.3, row.DaysRemaining)
}

func TestQuantile_Interpolation(t *testing.T) {
	assert.Equal(t, 12.0, quantile([]float64{50, 10, 30, 20, 40}, 0.05))
	assert.Equal(t, 10.0, quantile([]float64{10}, 0.05))
	assert.True(t, math.IsNaN(quantile(nil, 0.05)))
}

package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTime_CanonicalEncoding(t *testing.T) {
	ts := time.Date(2025, 7, 14, 9, 30, 5, 999, time.FixedZone("CEST", 2*3600))
	assert.Equal(t, "2025-07-14 07:30:05", FormatTime(ts))
}

func TestPrimaryKey_SingleColumn(t *testing.T) {
	pk, err := Watchlist.PrimaryKey()
	require.NoError(t, err)
	assert.Equal(t, "type_id", pk.Name)
}

func TestPrimaryKey_RejectsMissingKey(t *testing.T) {
	table := Table{Name: "broken", Columns: []Column{{Name: "a", Type: Int}}}
	_, err := table.PrimaryKey()
	assert.Error(t, err)
}

func TestCreateSQL_RendersConstraints(t *testing.T) {
	sql := UpdateLog.CreateSQL()
	assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS update_log")
	assert.Contains(t, sql, "id INTEGER PRIMARY KEY AUTOINCREMENT")
	assert.Contains(t, sql, "cycle_id TEXT")
}

func TestIsWipeReplace_AllowListOnly(t *testing.T) {
	assert.True(t, IsWipeReplace("marketstats"))
	assert.True(t, IsWipeReplace("doctrines"))
	assert.False(t, IsWipeReplace("marketorders"))
	assert.False(t, IsWipeReplace("market_history"))
	assert.False(t, IsWipeReplace("watchlist"))
}

func TestMarketTable_Lookup(t *testing.T) {
	table, ok := MarketTable("marketorders")
	require.True(t, ok)
	assert.Equal(t, "marketorders", table.Name)

	_, ok = MarketTable("nope")
	assert.False(t, ok)
}

func TestRecords_ConvertsByDBTag(t *testing.T) {
	rows := []WatchlistRow{
		{TypeID: 34, TypeName: "Tritanium", GroupID: 18, GroupName: "Mineral", CategoryID: 4, CategoryName: "Material"},
	}
	records, err := Records(rows)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(34), records[0]["type_id"])
	assert.Equal(t, "Tritanium", records[0]["type_name"])
	assert.Equal(t, "Mineral", records[0]["group_name"])

	// Every canonical column must be present so the insert builder can bind.
	for _, col := range Watchlist.ColumnNames() {
		assert.Contains(t, records[0], col)
	}
}

func TestRecords_RejectsNonSlice(t *testing.T) {
	_, err := Records(WatchlistRow{})
	assert.Error(t, err)
}

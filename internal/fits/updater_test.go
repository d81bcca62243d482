package fits

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mkts-backend/internal/schema"
	"mkts-backend/internal/sde"
)

const rifterFit = `[Rifter, WC Rifter Brawler]
Damage Control II

Stasis Webifier I

200mm AutoCannon I
200mm AutoCannon I

[Empty Rig slot]

Warrior I x2

Fusion S x400
`

func testUpdater(t *testing.T) (*Updater, *sqlx.DB, *sqlx.DB) {
	t.Helper()
	open := func() *sqlx.DB {
		db, err := sqlx.Open("sqlite3", ":memory:")
		require.NoError(t, err)
		db.SetMaxOpenConns(1)
		t.Cleanup(func() { db.Close() })
		return db
	}

	market := open()
	for _, table := range schema.MarketTables {
		_, err := market.Exec(table.CreateSQL())
		require.NoError(t, err)
	}
	_, err := market.Exec(`CREATE TABLE inv_info (
		typeID INTEGER PRIMARY KEY, typeName TEXT, groupID INTEGER,
		groupName TEXT, categoryID INTEGER, categoryName TEXT)`)
	require.NoError(t, err)
	for _, row := range [][]any{
		{587, "Rifter", 25, "Frigate", 6, "Ship"},
		{2046, "Damage Control II", 60, "Damage Control", 7, "Module"},
		{526, "Stasis Webifier I", 65, "Stasis Web", 7, "Module"},
		{484, "200mm AutoCannon I", 55, "Projectile Weapon", 7, "Module"},
		{2486, "Warrior I", 100, "Combat Drone", 18, "Drone"},
		{178, "Fusion S", 83, "Projectile Ammo", 8, "Charge"},
	} {
		_, err = market.Exec("INSERT INTO inv_info VALUES (?, ?, ?, ?, ?, ?)", row...)
		require.NoError(t, err)
	}

	fittings := open()
	for _, table := range schema.FittingsTables {
		_, err := fittings.Exec(table.CreateSQL())
		require.NoError(t, err)
	}

	clock := func() time.Time { return time.Date(2025, 7, 14, 12, 0, 0, 0, time.UTC) }
	u := NewUpdater(fittings, market, sde.NewCatalogue(market)).WithClock(clock)
	return u, fittings, market
}

func testMeta() Metadata {
	return Metadata{
		FitID:        77,
		DoctrineID:   9,
		FitName:      "WC Rifter Brawler",
		DoctrineName: "Alpha Doctrine",
		ShipTarget:   50,
	}
}

func TestUpdate_DryRunWritesNothing(t *testing.T) {
	u, fittings, market := testUpdater(t)
	fit, err := Parse(strings.NewReader(rifterFit))
	require.NoError(t, err)

	preview, err := u.Update(context.Background(), fit, testMeta(), Options{DryRun: true, ClearExisting: true})
	require.NoError(t, err)
	assert.Equal(t, int64(587), preview.ShipTypeID)
	assert.Len(t, preview.Items, 6)
	assert.Empty(t, preview.MissingItems)

	var count int
	require.NoError(t, fittings.Get(&count, "SELECT COUNT(*) FROM fittings_fitting"))
	assert.Zero(t, count)
	require.NoError(t, market.Get(&count, "SELECT COUNT(*) FROM doctrines"))
	assert.Zero(t, count)
}

func TestUpdate_WritesAllStores(t *testing.T) {
	u, fittings, market := testUpdater(t)
	fit, err := Parse(strings.NewReader(rifterFit))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = u.Update(ctx, fit, testMeta(), Options{ClearExisting: true})
	require.NoError(t, err)

	// Fit header and items.
	var name string
	require.NoError(t, fittings.Get(&name, "SELECT name FROM fittings_fitting WHERE id = 77"))
	assert.Equal(t, "WC Rifter Brawler", name)
	var items int
	require.NoError(t, fittings.Get(&items, "SELECT COUNT(*) FROM fittings_fittingitem WHERE fit_id = 77"))
	assert.Equal(t, 6, items)

	// Doctrine composition aggregates duplicates and includes the hull.
	var qty int64
	require.NoError(t, market.Get(&qty, "SELECT fit_qty FROM doctrines WHERE fit_id = 77 AND type_id = 484"))
	assert.Equal(t, int64(2), qty)
	require.NoError(t, market.Get(&qty, "SELECT fit_qty FROM doctrines WHERE fit_id = 77 AND type_id = 587"))
	assert.Equal(t, int64(1), qty)

	// Ship target, doctrine map, and watchlist all land.
	var target int64
	require.NoError(t, market.Get(&target, "SELECT ship_target FROM ship_targets WHERE fit_id = 77"))
	assert.Equal(t, int64(50), target)
	var mapped int
	require.NoError(t, market.Get(&mapped, "SELECT COUNT(*) FROM doctrine_map WHERE doctrine_id = 9 AND fitting_id = 77"))
	assert.Equal(t, 1, mapped)
	var watched int
	require.NoError(t, market.Get(&watched, "SELECT COUNT(*) FROM watchlist"))
	assert.Equal(t, 6, watched)
}

func TestUpdate_TargetOverrideAndRerun(t *testing.T) {
	u, fittings, market := testUpdater(t)
	fit, err := Parse(strings.NewReader(rifterFit))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = u.Update(ctx, fit, testMeta(), Options{ClearExisting: true})
	require.NoError(t, err)
	_, err = u.Update(ctx, fit, testMeta(), Options{ClearExisting: true, Target: 100})
	require.NoError(t, err)

	// Re-running replaces rather than duplicates.
	var items int
	require.NoError(t, fittings.Get(&items, "SELECT COUNT(*) FROM fittings_fittingitem WHERE fit_id = 77"))
	assert.Equal(t, 6, items)
	var targets int
	require.NoError(t, market.Get(&targets, "SELECT COUNT(*) FROM ship_targets WHERE fit_id = 77"))
	assert.Equal(t, 1, targets)
	var mapped int
	require.NoError(t, market.Get(&mapped, "SELECT COUNT(*) FROM doctrine_map WHERE doctrine_id = 9"))
	assert.Equal(t, 1, mapped)
	var fitRecords int
	require.NoError(t, market.Get(&fitRecords, "SELECT COUNT(*) FROM doctrine_fits WHERE fit_id = 77"))
	assert.Equal(t, 1, fitRecords)

	var target int64
	require.NoError(t, market.Get(&target, "SELECT ship_target FROM ship_targets WHERE fit_id = 77"))
	assert.Equal(t, int64(100), target)
	require.NoError(t, market.Get(&target, "SELECT target FROM doctrine_fits WHERE fit_id = 77"))
	assert.Equal(t, int64(100), target)
}

func TestUpdate_ReportsUnresolvedItems(t *testing.T) {
	u, _, market := testUpdater(t)
	fit, err := Parse(strings.NewReader("[Rifter, Sparse Fit]\nDamage Control II\nUnknown Widget IX\n"))
	require.NoError(t, err)

	preview, err := u.Update(context.Background(), fit, testMeta(), Options{ClearExisting: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"Unknown Widget IX"}, preview.MissingItems)
	assert.Len(t, preview.Items, 1)

	// Only resolvable types reach the composition.
	var rows int
	require.NoError(t, market.Get(&rows, "SELECT COUNT(*) FROM doctrines WHERE fit_id = 77"))
	assert.Equal(t, 2, rows)
}

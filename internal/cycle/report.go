package cycle

import (
	"context"
	"fmt"
	"time"

	"mkts-backend/internal/schema"
)

// Report summarizes one completed cycle.
type Report struct {
	CycleID        string
	Market         string
	Orders         int
	HistoryRecords int
	StatsRows      int
	DoctrineRows   int
	Elapsed        time.Duration
}

// TableAge is the freshness of one table per the update log.
type TableAge struct {
	Table     string `db:"table_name"`
	UpdatedAt string `db:"updated_at"`
	Rows      int64  `db:"rows"`
	Age       time.Duration
}

// Ages reports the most recent update per table from the local replica's
// update log, oldest first.
func (r *Runner) Ages(ctx context.Context) ([]TableAge, error) {
	local, err := r.store.Engine()
	if err != nil {
		return nil, err
	}
	var ages []TableAge
	err = local.SelectContext(ctx, &ages, `
		SELECT table_name, MAX(updated_at) AS updated_at, rows
		FROM update_log
		GROUP BY table_name
		ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("reading update log: %w", err)
	}
	now := r.now().UTC()
	for i := range ages {
		if t, err := time.Parse(schema.TimeFormat, ages[i].UpdatedAt); err == nil {
			ages[i].Age = now.Sub(t)
		}
	}
	return ages, nil
}

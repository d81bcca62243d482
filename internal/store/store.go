// Package store wraps one embedded SQLite file with an optional remote
// replica. The local file is the read side for derivation queries; the
// remote replica is the shared write side. Sync pulls the remote's latest
// committed state into the local file and tracks progress in a sidecar
// frame/generation log.
package store

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	_ "github.com/tursodatabase/libsql-client-go/libsql"

	"mkts-backend/internal/config"
	"mkts-backend/internal/errs"
)

// syncChunkRows bounds the multi-row inserts used while pulling tables.
const syncChunkRows = 500

// Store is one replicated database.
type Store struct {
	cfg    config.DatabaseConfig
	local  *sqlx.DB
	remote *sqlx.DB
}

// Open prepares a store for the given database config. Connections are
// opened lazily.
func Open(cfg config.DatabaseConfig) *Store {
	return &Store{cfg: cfg}
}

// Config returns the database config the store was opened with.
func (s *Store) Config() config.DatabaseConfig { return s.cfg }

// Engine returns the local connection pool, opening it on first use.
func (s *Store) Engine() (*sqlx.DB, error) {
	if s.local != nil {
		return s.local, nil
	}
	db, err := sqlx.Open("sqlite3", s.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening local %s: %w", s.cfg.Path, err)
	}
	// Single process-wide writer per store; readers share the pool.
	db.SetMaxOpenConns(1)
	s.local = db
	return db, nil
}

// RemoteEngine returns a connection pool for the remote replica.
func (s *Store) RemoteEngine() (*sqlx.DB, error) {
	if s.remote != nil {
		return s.remote, nil
	}
	if !s.cfg.HasRemote() {
		return nil, fmt.Errorf("%w: no remote replica configured for %s", errs.ErrConfig, s.cfg.Alias)
	}
	dsn := s.cfg.RemoteURL
	if s.cfg.AuthToken != "" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "authToken=" + s.cfg.AuthToken
	}
	db, err := sqlx.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening remote %s: %w", s.cfg.Name, err)
	}
	s.remote = db
	return db, nil
}

// UseRemote swaps in an already-open remote pool. Tests use it to point the
// store at a plain SQLite database.
func (s *Store) UseRemote(db *sqlx.DB) { s.remote = db }

// SyncStats summarizes one completed pull.
type SyncStats struct {
	Tables          int
	Rows            int64
	FramesSynced    int64
	GenerationDelta int64
	Elapsed         time.Duration
}

// Sync brings the local file up to the remote's latest committed state. It
// records the pre-sync generation and frame counters from the sidecar,
// pulls every remote table under a single local transaction, then records
// the post-sync counters.
func (s *Store) Sync(ctx context.Context) (*SyncStats, error) {
	remote, err := s.RemoteEngine()
	if err != nil {
		return nil, err
	}
	local, err := s.Engine()
	if err != nil {
		return nil, err
	}

	info, err := readDBInfo(s.cfg.InfoPath())
	if err != nil {
		info = &DBInfo{}
		log.Info().Str("db", s.cfg.Name).Msg("no sidecar info found, starting fresh")
	} else {
		log.Info().Str("db", s.cfg.Name).
			Int64("generation", info.Generation).
			Int64("durable_frame_num", info.DurableFrameNum).
			Msg("sync starting")
	}

	start := time.Now()
	tables, err := listTables(ctx, remote)
	if err != nil {
		return nil, fmt.Errorf("listing remote tables: %w", err)
	}

	tx, err := local.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning local transaction: %w", err)
	}
	defer tx.Rollback()

	stats := &SyncStats{Tables: len(tables)}
	for _, table := range tables {
		frames, rows, err := pullTable(ctx, remote, tx, table)
		if err != nil {
			return nil, fmt.Errorf("pulling table %s: %w", table, err)
		}
		stats.FramesSynced += frames
		stats.Rows += rows
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing sync: %w", err)
	}

	info.Generation++
	info.DurableFrameNum += stats.FramesSynced
	info.LastSync = nowStamp()
	if err := writeDBInfo(s.cfg.InfoPath(), info); err != nil {
		return nil, fmt.Errorf("writing sidecar info: %w", err)
	}
	stats.GenerationDelta = 1
	stats.Elapsed = time.Since(start)

	log.Info().Str("db", s.cfg.Name).
		Int("tables", stats.Tables).
		Int64("rows", stats.Rows).
		Int64("frames_synced", stats.FramesSynced).
		Int64("generation", info.Generation).
		Dur("elapsed", stats.Elapsed).
		Msg("sync complete")
	return stats, nil
}

// ValidateSync compares the marketstats high-watermark between local and
// remote and reports equality. Used as a gate before derivation stages.
func (s *Store) ValidateSync(ctx context.Context) (bool, error) {
	remote, err := s.RemoteEngine()
	if err != nil {
		return false, err
	}
	local, err := s.Engine()
	if err != nil {
		return false, err
	}
	const q = "SELECT COALESCE(MAX(last_update), '') FROM marketstats"
	var remoteMark, localMark string
	if err := remote.GetContext(ctx, &remoteMark, q); err != nil {
		return false, fmt.Errorf("reading remote high-watermark: %w", err)
	}
	if err := local.GetContext(ctx, &localMark, q); err != nil {
		return false, fmt.Errorf("reading local high-watermark: %w", err)
	}
	ok := remoteMark == localMark
	log.Info().Str("db", s.cfg.Name).
		Str("remote_last_update", remoteMark).
		Str("local_last_update", localMark).
		Bool("in_sync", ok).
		Msg("sync validated")
	return ok, nil
}

// VerifyDBExists ensures the data file and its sidecar metadata exist and
// are mutually consistent. On inconsistency both artifacts are removed and a
// fresh sync is triggered: partial local state is worse than a cold start.
func (s *Store) VerifyDBExists(ctx context.Context) error {
	_, dbErr := os.Stat(s.cfg.Path)
	_, infoErr := os.Stat(s.cfg.InfoPath())
	dbExists, infoExists := dbErr == nil, infoErr == nil

	if dbExists && infoExists {
		if _, err := readDBInfo(s.cfg.InfoPath()); err == nil {
			return nil
		}
		log.Warn().Str("db", s.cfg.Name).Msg("sidecar info unreadable, rebuilding replica")
	} else if dbExists != infoExists {
		log.Warn().Str("db", s.cfg.Name).
			Bool("db_exists", dbExists).
			Bool("info_exists", infoExists).
			Msg("replica artifacts inconsistent, rebuilding")
	} else if !dbExists {
		log.Info().Str("db", s.cfg.Name).Msg("local replica missing, performing cold sync")
	}

	if err := s.nuke(); err != nil {
		return err
	}
	_, err := s.Sync(ctx)
	return err
}

// nuke removes both local artifacts so the next sync starts cold.
func (s *Store) nuke() error {
	if s.local != nil {
		s.local.Close()
		s.local = nil
	}
	for _, p := range []string{s.cfg.Path, s.cfg.InfoPath()} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", p, err)
		}
	}
	return nil
}

// Tables lists the user tables of the local replica.
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	local, err := s.Engine()
	if err != nil {
		return nil, err
	}
	return listTables(ctx, local)
}

// ColumnInfo is one entry of a table's column listing.
type ColumnInfo struct {
	CID        int64          `db:"cid"`
	Name       string         `db:"name"`
	Type       string         `db:"type"`
	NotNull    int64          `db:"notnull"`
	DfltValue  any            `db:"dflt_value"`
	PrimaryKey int64          `db:"pk"`
}

// TableColumns lists the columns of a local table.
func (s *Store) TableColumns(ctx context.Context, table string) ([]ColumnInfo, error) {
	local, err := s.Engine()
	if err != nil {
		return nil, err
	}
	var cols []ColumnInfo
	err = local.SelectContext(ctx, &cols,
		"SELECT cid, name, type, \"notnull\", dflt_value, pk FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, fmt.Errorf("reading columns of %s: %w", table, err)
	}
	return cols, nil
}

// RowCount counts the rows of a local table.
func (s *Store) RowCount(ctx context.Context, table string) (int64, error) {
	local, err := s.Engine()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := local.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+table); err != nil {
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}
	return n, nil
}

// Status reports the local row count per table.
func (s *Store) Status(ctx context.Context) (map[string]int64, error) {
	tables, err := s.Tables(ctx)
	if err != nil {
		return nil, err
	}
	status := make(map[string]int64, len(tables))
	for _, t := range tables {
		n, err := s.RowCount(ctx, t)
		if err != nil {
			return nil, err
		}
		status[t] = n
	}
	return status, nil
}

// Close releases both connection pools.
func (s *Store) Close() error {
	var first error
	if s.local != nil {
		if err := s.local.Close(); err != nil {
			first = err
		}
		s.local = nil
	}
	if s.remote != nil {
		if err := s.remote.Close(); err != nil && first == nil {
			first = err
		}
		s.remote = nil
	}
	return first
}

func listTables(ctx context.Context, db *sqlx.DB) ([]string, error) {
	var tables []string
	err := db.SelectContext(ctx, &tables,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite%' ORDER BY name")
	if err != nil {
		return nil, err
	}
	return tables, nil
}

// pullTable mirrors one remote table into the local transaction: recreate
// the table from the remote's DDL, then copy rows in bounded chunks. Each
// applied chunk counts as one frame.
func pullTable(ctx context.Context, remote *sqlx.DB, tx *sqlx.Tx, table string) (frames, rowCount int64, err error) {
	var ddl string
	err = remote.GetContext(ctx, &ddl, "SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?", table)
	if err != nil {
		return 0, 0, fmt.Errorf("reading DDL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return 0, 0, err
	}
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return 0, 0, fmt.Errorf("recreating table: %w", err)
	}

	rows, err := remote.QueryxContext(ctx, "SELECT * FROM "+table)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return 0, 0, err
	}
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",") + ")"
	insertPrefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", table, strings.Join(cols, ", "))

	var batch []any
	var batchRows int
	flush := func() error {
		if batchRows == 0 {
			return nil
		}
		stmt := insertPrefix + strings.TrimSuffix(strings.Repeat(placeholder+",", batchRows), ",")
		if _, err := tx.ExecContext(ctx, stmt, batch...); err != nil {
			return err
		}
		frames++
		rowCount += int64(batchRows)
		batch = batch[:0]
		batchRows = 0
		return nil
	}

	for rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			return 0, 0, err
		}
		batch = append(batch, vals...)
		batchRows++
		if batchRows >= syncChunkRows {
			if err := flush(); err != nil {
				return 0, 0, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}
	if err := flush(); err != nil {
		return 0, 0, err
	}
	return frames, rowCount, nil
}

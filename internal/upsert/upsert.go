// Package upsert writes row batches into the market store. Every call is a
// single unit of work: either the whole batch lands and the row-count
// invariants hold, or the transaction rolls back and nothing is observable.
package upsert

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"mkts-backend/internal/errs"
	"mkts-backend/internal/schema"
)

// maxParameters is the bound-parameter budget per statement: 256 KiB of
// parameter space at 8 bytes per parameter.
const maxParameters = 256 * 1024 / 8

// maxChunkRows caps a chunk regardless of column count.
const maxChunkRows = 2000

// ChunkSize computes the rows-per-statement chunk for a column count.
func ChunkSize(columns int) int {
	if columns <= 0 {
		return maxChunkRows
	}
	chunk := maxParameters / columns
	if chunk > maxChunkRows {
		chunk = maxChunkRows
	}
	return chunk
}

// Engine performs chunked writes against one database, normally the remote
// replica. It is the only writer during a cycle.
type Engine struct {
	db *sqlx.DB

	// afterInsert runs inside the transaction after all chunks are written
	// and before the row-count checks. Tests use it to inject faults.
	afterInsert func(tx *sqlx.Tx) error
}

// New builds an engine bound to db.
func New(db *sqlx.DB) *Engine {
	return &Engine{db: db}
}

// Upsert writes rows into table. Tables on the wipe-and-replace allow-list
// are deleted and rebuilt; all others take the conditional
// INSERT ... ON CONFLICT DO UPDATE path, updating only when a non-key
// column actually differs. The table must have a single-column primary key.
func (e *Engine) Upsert(ctx context.Context, table schema.Table, rows []map[string]any) error {
	pk, err := table.PrimaryKey()
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrUpsert, err)
	}

	cols := table.ColumnNames()
	chunk := ChunkSize(len(cols))
	wipe := schema.IsWipeReplace(table.Name)
	log.Info().Str("table", table.Name).
		Int("rows", len(rows)).
		Int("columns", len(cols)).
		Int("chunk_size", chunk).
		Bool("wipe_replace", wipe).
		Msg("upsert starting")

	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %v", errs.ErrUpsert, err)
	}
	defer tx.Rollback()

	if wipe {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table.Name); err != nil {
			return fmt.Errorf("%w: wiping %s: %v", errs.ErrUpsert, table.Name, err)
		}
	}

	stmt := insertSQL(table, pk, wipe)
	for start := 0; start < len(rows); start += chunk {
		end := start + chunk
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]
		args := make([]any, 0, len(batch)*len(cols))
		for _, row := range batch {
			for _, col := range cols {
				args = append(args, row[col])
			}
		}
		chunkStmt := stmt.prefix + valuesClause(len(cols), len(batch)) + stmt.suffix
		if _, err := tx.ExecContext(ctx, chunkStmt, args...); err != nil {
			return fmt.Errorf("%w: inserting chunk into %s: %v", errs.ErrUpsert, table.Name, err)
		}
		log.Debug().Str("table", table.Name).Int("chunk", start/chunk+1).Int("rows", len(batch)).Msg("chunk written")
	}

	if e.afterInsert != nil {
		if err := e.afterInsert(tx); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrUpsert, err)
		}
	}

	var count int64
	if err := tx.GetContext(ctx, &count, "SELECT COUNT(*) FROM "+table.Name); err != nil {
		return fmt.Errorf("%w: counting %s: %v", errs.ErrUpsert, table.Name, err)
	}

	if wipe && count != int64(len(rows)) {
		return fmt.Errorf("%w: row count mismatch in %s: expected %d, got %d",
			errs.ErrUpsert, table.Name, len(rows), count)
	}

	distinct := distinctKeys(rows, pk.Name)
	if count < distinct {
		return fmt.Errorf("%w: row count too low in %s: expected at least %d unique %s, got %d",
			errs.ErrUpsert, table.Name, distinct, pk.Name, count)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing %s: %v", errs.ErrUpsert, table.Name, err)
	}
	log.Info().Str("table", table.Name).Int64("count", count).Msg("upsert complete")
	return nil
}

type statement struct {
	prefix string
	suffix string
}

// insertSQL renders the statement skeleton around the VALUES clause. For the
// conflict path, non-key columns update only when the incoming value is
// distinct from the stored one.
func insertSQL(table schema.Table, pk schema.Column, wipe bool) statement {
	cols := table.ColumnNames()
	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", table.Name, strings.Join(cols, ", "))
	if wipe {
		return statement{prefix: prefix}
	}

	nonPK := table.NonPKColumns()
	sets := make([]string, len(nonPK))
	diffs := make([]string, len(nonPK))
	for i, col := range nonPK {
		sets[i] = fmt.Sprintf("%s = excluded.%s", col, col)
		diffs[i] = fmt.Sprintf("%s.%s IS NOT excluded.%s", table.Name, col, col)
	}
	suffix := fmt.Sprintf(" ON CONFLICT(%s) DO UPDATE SET %s WHERE %s",
		pk.Name, strings.Join(sets, ", "), strings.Join(diffs, " OR "))
	return statement{prefix: prefix, suffix: suffix}
}

func valuesClause(cols, rows int) string {
	row := "(" + strings.TrimSuffix(strings.Repeat("?,", cols), ",") + ")"
	return strings.TrimSuffix(strings.Repeat(row+",", rows), ",")
}

func distinctKeys(rows []map[string]any, pk string) int64 {
	seen := make(map[any]struct{}, len(rows))
	for _, row := range rows {
		seen[row[pk]] = struct{}{}
	}
	return int64(len(seen))
}

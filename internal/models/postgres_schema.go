package models

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// UpsertTables bulk-inserts the reported tables, reviving or refreshing any
// row that already exists for (data_source_id, name). A single multi-row
// INSERT ... ON CONFLICT keeps this a set operation rather than a
// row-at-a-time scan.
func (s *Store) UpsertTables(ctx context.Context, tables []TableUpsert) error {
	if len(tables) == 0 {
		return nil
	}

	values := make([]string, 0, len(tables))
	args := make([]interface{}, 0, len(tables)*4)
	for i, t := range tables {
		base := i * 4
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4))
		args = append(args, t.OrgID, t.DataSourceID, t.Name, t.ColumnMetadata)
	}

	query := fmt.Sprintf(`
		INSERT INTO table_metadata (org_id, data_source_id, name, column_metadata)
		VALUES %s
		ON CONFLICT (data_source_id, name)
		DO UPDATE SET org_id = EXCLUDED.org_id,
		              column_metadata = EXCLUDED.column_metadata,
		              exists_in_source = TRUE,
		              updated_at = NOW()
	`, strings.Join(values, ", "))

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert table metadata: %w", err)
	}

	return nil
}

// UpsertColumns bulk-inserts the reported columns for one table, reviving
// or refreshing rows that already exist for (table_id, name)
func (s *Store) UpsertColumns(ctx context.Context, columns []ColumnUpsert) error {
	if len(columns) == 0 {
		return nil
	}

	values := make([]string, 0, len(columns))
	args := make([]interface{}, 0, len(columns)*4)
	for i, c := range columns {
		base := i * 4
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, NULLIF($%d, ''))", base+1, base+2, base+3, base+4))
		args = append(args, c.OrgID, c.TableID, c.Name, c.Type)
	}

	query := fmt.Sprintf(`
		INSERT INTO column_metadata (org_id, table_id, name, type)
		VALUES %s
		ON CONFLICT (table_id, name)
		DO UPDATE SET org_id = EXCLUDED.org_id,
		              type = EXCLUDED.type,
		              exists_in_source = TRUE,
		              updated_at = NOW()
	`, strings.Join(values, ", "))

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert column metadata: %w", err)
	}

	return nil
}

// ExistingTables returns the tables currently marked as existing for a source
func (s *Store) ExistingTables(ctx context.Context, dataSourceID int) ([]TableMetadata, error) {
	query := `
		SELECT id, org_id, data_source_id, name, exists_in_source, column_metadata,
		       sample_updated_at, created_at, updated_at
		FROM table_metadata
		WHERE data_source_id = $1 AND exists_in_source
		ORDER BY name
	`

	var tables []TableMetadata
	if err := s.db.SelectContext(ctx, &tables, query, dataSourceID); err != nil {
		return nil, fmt.Errorf("failed to list existing tables: %w", err)
	}

	return tables, nil
}

// MarkColumnsMissing soft-deletes columns of a table absent from the
// reported set. Returns the number of rows flipped.
func (s *Store) MarkColumnsMissing(ctx context.Context, tableID int, present []string) (int64, error) {
	query := `
		UPDATE column_metadata
		SET exists_in_source = FALSE,
		    updated_at = NOW()
		WHERE table_id = $1
		  AND exists_in_source
		  AND NOT (name = ANY($2))
	`

	result, err := s.db.ExecContext(ctx, query, tableID, pq.Array(present))
	if err != nil {
		return 0, fmt.Errorf("failed to mark columns missing: %w", err)
	}

	return result.RowsAffected()
}

// MarkTablesMissing soft-deletes tables absent from the reported set
func (s *Store) MarkTablesMissing(ctx context.Context, dataSourceID int, present []string) (int64, error) {
	query := `
		UPDATE table_metadata
		SET exists_in_source = FALSE,
		    updated_at = NOW()
		WHERE data_source_id = $1
		  AND exists_in_source
		  AND NOT (name = ANY($2))
	`

	result, err := s.db.ExecContext(ctx, query, dataSourceID, pq.Array(present))
	if err != nil {
		return 0, fmt.Errorf("failed to mark tables missing: %w", err)
	}

	return result.RowsAffected()
}

// ExistingSchema loads the authoritative schema snapshot for a source:
// existing tables ordered by name, each with its existing columns
func (s *Store) ExistingSchema(ctx context.Context, dataSourceID int) ([]TableSchema, error) {
	tables, err := s.ExistingTables(ctx, dataSourceID)
	if err != nil {
		return nil, err
	}

	schema := make([]TableSchema, 0, len(tables))
	tableIndex := make(map[int]int, len(tables))

	for i, t := range tables {
		ts := TableSchema{
			ID:             t.ID,
			Name:           t.Name,
			HasColumnTypes: t.ColumnMetadata,
			Columns:        []ColumnSchema{},
		}
		if t.SampleUpdatedAt.Valid {
			at := t.SampleUpdatedAt.Time
			ts.SampleUpdatedAt = &at
		}
		schema = append(schema, ts)
		tableIndex[t.ID] = i
	}

	if len(tables) == 0 {
		return schema, nil
	}

	tableIDs := make([]int64, 0, len(tables))
	for _, t := range tables {
		tableIDs = append(tableIDs, int64(t.ID))
	}

	query := `
		SELECT id, org_id, table_id, name, type, example, exists_in_source, created_at, updated_at
		FROM column_metadata
		WHERE table_id = ANY($1) AND exists_in_source
		ORDER BY table_id, name
	`

	var columns []ColumnMetadata
	if err := s.db.SelectContext(ctx, &columns, query, pq.Array(tableIDs)); err != nil {
		return nil, fmt.Errorf("failed to list existing columns: %w", err)
	}

	for _, c := range columns {
		i, ok := tableIndex[c.TableID]
		if !ok {
			continue
		}
		schema[i].Columns = append(schema[i].Columns, ColumnSchema{
			Name:    c.Name,
			Type:    c.Type.String,
			Example: c.Example.String,
		})
	}

	return schema, nil
}

// TablesNeedingSamples returns existing tables whose sample is absent or
// older than the cutoff, bounded by limit
func (s *Store) TablesNeedingSamples(ctx context.Context, dataSourceID int, olderThan time.Time, limit int) ([]TableMetadata, error) {
	query := `
		SELECT id, org_id, data_source_id, name, exists_in_source, column_metadata,
		       sample_updated_at, created_at, updated_at
		FROM table_metadata
		WHERE data_source_id = $1
		  AND exists_in_source
		  AND (sample_updated_at IS NULL OR sample_updated_at < $2)
		ORDER BY sample_updated_at NULLS FIRST
		LIMIT $3
	`

	var tables []TableMetadata
	if err := s.db.SelectContext(ctx, &tables, query, dataSourceID, olderThan, limit); err != nil {
		return nil, fmt.Errorf("failed to list tables needing samples: %w", err)
	}

	return tables, nil
}

// TouchSampleUpdatedAt stamps a table's sample_updated_at
func (s *Store) TouchSampleUpdatedAt(ctx context.Context, tableID int) error {
	query := `UPDATE table_metadata SET sample_updated_at = NOW() WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, tableID); err != nil {
		return fmt.Errorf("failed to touch sample_updated_at: %w", err)
	}

	return nil
}

// ExistingColumns returns the existing columns of one table
func (s *Store) ExistingColumns(ctx context.Context, tableID int) ([]ColumnMetadata, error) {
	query := `
		SELECT id, org_id, table_id, name, type, example, exists_in_source, created_at, updated_at
		FROM column_metadata
		WHERE table_id = $1 AND exists_in_source
		ORDER BY name
	`

	var columns []ColumnMetadata
	if err := s.db.SelectContext(ctx, &columns, query, tableID); err != nil {
		return nil, fmt.Errorf("failed to list existing columns: %w", err)
	}

	return columns, nil
}

// UpdateColumnExamples bulk-updates example values by column id
func (s *Store) UpdateColumnExamples(ctx context.Context, examples []ColumnExample) error {
	if len(examples) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(examples))
	values := make([]string, 0, len(examples))
	for _, e := range examples {
		ids = append(ids, int64(e.ID))
		values = append(values, e.Example)
	}

	query := `
		UPDATE column_metadata AS c
		SET example = v.example,
		    updated_at = NOW()
		FROM (SELECT UNNEST($1::bigint[]) AS id, UNNEST($2::text[]) AS example) AS v
		WHERE c.id = v.id
	`

	if _, err := s.db.ExecContext(ctx, query, pq.Array(ids), pq.Array(values)); err != nil {
		return fmt.Errorf("failed to update column examples: %w", err)
	}

	return nil
}

// SweepMissing hard-deletes soft-deleted rows older than the cutoff.
// Runs independently of reconciliation so neither blocks the other.
func (s *Store) SweepMissing(ctx context.Context, kind MetadataKind, olderThan time.Time) (int64, error) {
	var table string
	switch kind {
	case TableKind:
		table = "table_metadata"
	case ColumnKind:
		table = "column_metadata"
	default:
		return 0, fmt.Errorf("unknown metadata kind: %s", kind)
	}

	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE NOT exists_in_source AND updated_at < $1
	`, table)

	result, err := s.db.ExecContext(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep %s metadata: %w", kind, err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	return deleted, nil
}

package schema

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/mozilla/redash/internal/models"
)

// memTables is an in-memory TableStore with the same upsert, soft-delete
// and sweep semantics as the real store
type memTables struct {
	nextID  int
	tables  map[int]*models.TableMetadata
	columns map[int]*models.ColumnMetadata
}

func newMemTables() *memTables {
	return &memTables{
		tables:  make(map[int]*models.TableMetadata),
		columns: make(map[int]*models.ColumnMetadata),
	}
}

func (m *memTables) findTable(dataSourceID int, name string) *models.TableMetadata {
	for _, t := range m.tables {
		if t.DataSourceID == dataSourceID && t.Name == name {
			return t
		}
	}
	return nil
}

func (m *memTables) findColumn(tableID int, name string) *models.ColumnMetadata {
	for _, c := range m.columns {
		if c.TableID == tableID && c.Name == name {
			return c
		}
	}
	return nil
}

func (m *memTables) UpsertTables(_ context.Context, upserts []models.TableUpsert) error {
	now := time.Now().UTC()
	for _, u := range upserts {
		if t := m.findTable(u.DataSourceID, u.Name); t != nil {
			t.Exists = true
			t.ColumnMetadata = u.ColumnMetadata
			t.UpdatedAt = now
			continue
		}
		m.nextID++
		m.tables[m.nextID] = &models.TableMetadata{
			ID:             m.nextID,
			OrgID:          u.OrgID,
			DataSourceID:   u.DataSourceID,
			Name:           u.Name,
			Exists:         true,
			ColumnMetadata: u.ColumnMetadata,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	}
	return nil
}

func (m *memTables) UpsertColumns(_ context.Context, upserts []models.ColumnUpsert) error {
	now := time.Now().UTC()
	for _, u := range upserts {
		colType := sql.NullString{String: u.Type, Valid: u.Type != ""}
		if c := m.findColumn(u.TableID, u.Name); c != nil {
			c.Exists = true
			c.Type = colType
			c.UpdatedAt = now
			continue
		}
		m.nextID++
		m.columns[m.nextID] = &models.ColumnMetadata{
			ID:        m.nextID,
			OrgID:     u.OrgID,
			TableID:   u.TableID,
			Name:      u.Name,
			Type:      colType,
			Exists:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	return nil
}

func (m *memTables) ExistingTables(_ context.Context, dataSourceID int) ([]models.TableMetadata, error) {
	var out []models.TableMetadata
	for _, t := range m.tables {
		if t.DataSourceID == dataSourceID && t.Exists {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memTables) MarkColumnsMissing(_ context.Context, tableID int, present []string) (int64, error) {
	presentSet := make(map[string]bool, len(present))
	for _, name := range present {
		presentSet[name] = true
	}

	var marked int64
	for _, c := range m.columns {
		if c.TableID == tableID && c.Exists && !presentSet[c.Name] {
			c.Exists = false
			c.UpdatedAt = time.Now().UTC()
			marked++
		}
	}
	return marked, nil
}

func (m *memTables) MarkTablesMissing(_ context.Context, dataSourceID int, present []string) (int64, error) {
	presentSet := make(map[string]bool, len(present))
	for _, name := range present {
		presentSet[name] = true
	}

	var marked int64
	for _, t := range m.tables {
		if t.DataSourceID == dataSourceID && t.Exists && !presentSet[t.Name] {
			t.Exists = false
			t.UpdatedAt = time.Now().UTC()
			marked++
		}
	}
	return marked, nil
}

func (m *memTables) ExistingSchema(_ context.Context, dataSourceID int) ([]models.TableSchema, error) {
	tables, _ := m.ExistingTables(context.Background(), dataSourceID)

	out := make([]models.TableSchema, 0, len(tables))
	for _, t := range tables {
		ts := models.TableSchema{
			ID:             t.ID,
			Name:           t.Name,
			HasColumnTypes: t.ColumnMetadata,
		}
		columns, _ := m.ExistingColumns(context.Background(), t.ID)
		for _, c := range columns {
			ts.Columns = append(ts.Columns, models.ColumnSchema{
				Name:    c.Name,
				Type:    c.Type.String,
				Example: c.Example.String,
			})
		}
		out = append(out, ts)
	}
	return out, nil
}

func (m *memTables) TablesNeedingSamples(_ context.Context, dataSourceID int, olderThan time.Time, limit int) ([]models.TableMetadata, error) {
	var out []models.TableMetadata
	for _, t := range m.tables {
		if t.DataSourceID != dataSourceID || !t.Exists {
			continue
		}
		if t.SampleUpdatedAt.Valid && t.SampleUpdatedAt.Time.After(olderThan) {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memTables) TouchSampleUpdatedAt(_ context.Context, tableID int) error {
	if t, ok := m.tables[tableID]; ok {
		t.SampleUpdatedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}
	return nil
}

func (m *memTables) ExistingColumns(_ context.Context, tableID int) ([]models.ColumnMetadata, error) {
	var out []models.ColumnMetadata
	for _, c := range m.columns {
		if c.TableID == tableID && c.Exists {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memTables) UpdateColumnExamples(_ context.Context, examples []models.ColumnExample) error {
	for _, e := range examples {
		if c, ok := m.columns[e.ID]; ok {
			c.Example = sql.NullString{String: e.Example, Valid: true}
		}
	}
	return nil
}

func (m *memTables) SweepMissing(_ context.Context, kind models.MetadataKind, olderThan time.Time) (int64, error) {
	var deleted int64
	switch kind {
	case models.TableKind:
		for id, t := range m.tables {
			if !t.Exists && t.UpdatedAt.Before(olderThan) {
				delete(m.tables, id)
				deleted++
			}
		}
	case models.ColumnKind:
		for id, c := range m.columns {
			if !c.Exists && c.UpdatedAt.Before(olderThan) {
				delete(m.columns, id)
				deleted++
			}
		}
	}
	return deleted, nil
}

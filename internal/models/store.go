package models

import (
	"context"
	"time"
)

// DataSourceStore resolves data sources and organizations
type DataSourceStore interface {
	GetDataSource(ctx context.Context, id int) (*DataSource, error)
	ListDataSources(ctx context.Context) ([]DataSource, error)
	GetOrganization(ctx context.Context, id int) (*Organization, error)
}

// QueryStore reads saved queries and tracks scheduled execution failures
type QueryStore interface {
	GetQuery(ctx context.Context, id int) (*Query, error)
	GetQueryByAPIKey(ctx context.Context, apiKey string) (*Query, error)
	GetUser(ctx context.Context, id int) (*Identity, error)
	IncrementScheduleFailures(ctx context.Context, queryID int) (int, error)
	ResetScheduleFailures(ctx context.Context, queryID int) error
}

// ResultStore persists query results with content-addressed dedup.
// StoreResult returns the result id plus the ids of every query whose
// latest result pointer now references it.
type ResultStore interface {
	StoreResult(ctx context.Context, orgID int, dataSourceID int, queryHash, queryText string, data []byte, runtime float64, retrievedAt time.Time) (int, []int, error)
	GetResult(ctx context.Context, id int) (*QueryResult, error)
}

// TableStore owns table/column metadata rows during reconciliation
type TableStore interface {
	UpsertTables(ctx context.Context, tables []TableUpsert) error
	UpsertColumns(ctx context.Context, columns []ColumnUpsert) error
	ExistingTables(ctx context.Context, dataSourceID int) ([]TableMetadata, error)
	MarkColumnsMissing(ctx context.Context, tableID int, present []string) (int64, error)
	MarkTablesMissing(ctx context.Context, dataSourceID int, present []string) (int64, error)
	ExistingSchema(ctx context.Context, dataSourceID int) ([]TableSchema, error)

	TablesNeedingSamples(ctx context.Context, dataSourceID int, olderThan time.Time, limit int) ([]TableMetadata, error)
	TouchSampleUpdatedAt(ctx context.Context, tableID int) error
	ExistingColumns(ctx context.Context, tableID int) ([]ColumnMetadata, error)
	UpdateColumnExamples(ctx context.Context, examples []ColumnExample) error

	SweepMissing(ctx context.Context, kind MetadataKind, olderThan time.Time) (int64, error)
}

package models

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrDataSourceNotFound is returned when a data source id does not resolve
	ErrDataSourceNotFound = errors.New("data source not found")

	// ErrQueryNotFound is returned when a query id does not resolve
	ErrQueryNotFound = errors.New("query not found")

	// ErrUserNotFound is returned when a user id does not resolve
	ErrUserNotFound = errors.New("user not found")
)

// Organization groups data sources and queries and carries per-org limits
type Organization struct {
	ID                 int           `db:"id"`
	Name               string        `db:"name"`
	ScheduledTimeLimit sql.NullInt64 `db:"scheduled_time_limit"` // seconds
	IsDisabled         bool          `db:"is_disabled"`
	CreatedAt          time.Time     `db:"created_at"`
}

// DataSource is a named external system queries run against
type DataSource struct {
	ID                 int             `db:"id"`
	OrgID              int             `db:"org_id"`
	Name               string          `db:"name"`
	Type               string          `db:"type"`
	Options            json.RawMessage `db:"options"`
	QueueName          string          `db:"queue_name"`
	ScheduledQueueName string          `db:"scheduled_queue_name"`
	Paused             bool            `db:"paused"`
	PauseReason        sql.NullString  `db:"pause_reason"`
	SamplesEnabled     bool            `db:"samples_enabled"`
	CreatedAt          time.Time       `db:"created_at"`
}

// Query is a saved query, optionally on a recurring schedule
type Query struct {
	ID                int            `db:"id"`
	OrgID             int            `db:"org_id"`
	DataSourceID      sql.NullInt64  `db:"data_source_id"`
	UserID            sql.NullInt64  `db:"user_id"`
	APIKey            sql.NullString `db:"api_key"`
	QueryText         string         `db:"query_text"`
	QueryHash         string         `db:"query_hash"`
	Schedule          sql.NullString `db:"schedule"`
	ScheduleFailures  int            `db:"schedule_failures"`
	LatestQueryDataID sql.NullInt64  `db:"latest_query_data_id"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

// QueryResult is one persisted result set, content-addressed by
// (org, data source, fingerprint) so identical reruns share a row
type QueryResult struct {
	ID           int             `db:"id"`
	OrgID        int             `db:"org_id"`
	DataSourceID int             `db:"data_source_id"`
	QueryHash    string          `db:"query_hash"`
	QueryText    string          `db:"query_text"`
	Data         json.RawMessage `db:"data"`
	Runtime      float64         `db:"runtime"`
	RetrievedAt  time.Time       `db:"retrieved_at"`
}

// TableMetadata is one table reported by a data source's schema.
// Rows are soft-deleted: Exists flips to false when the table vanishes
// from a reconciliation cycle and the row is kept for a retention window.
type TableMetadata struct {
	ID              int          `db:"id"`
	OrgID           int          `db:"org_id"`
	DataSourceID    int          `db:"data_source_id"`
	Name            string       `db:"name"`
	Exists          bool         `db:"exists_in_source"`
	ColumnMetadata  bool         `db:"column_metadata"`
	SampleUpdatedAt sql.NullTime `db:"sample_updated_at"`
	CreatedAt       time.Time    `db:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"`
}

// ColumnMetadata is one column owned by a TableMetadata row
type ColumnMetadata struct {
	ID        int            `db:"id"`
	OrgID     int            `db:"org_id"`
	TableID   int            `db:"table_id"`
	Name      string         `db:"name"`
	Type      sql.NullString `db:"type"`
	Example   sql.NullString `db:"example"`
	Exists    bool           `db:"exists_in_source"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

// Identity is the acting identity a query runs as: a real user, an
// API-key pseudo-identity scoped to the query's org, or anonymous (nil)
type Identity struct {
	ID       int
	Name     string
	OrgID    int
	GroupIDs []int
	IsAPIKey bool
}

// TableSchema is the serialized cache form of a table and its columns
type TableSchema struct {
	ID              int            `json:"id"`
	Name            string         `json:"name"`
	HasColumnTypes  bool           `json:"has_column_types"`
	Columns         []ColumnSchema `json:"columns"`
	SampleUpdatedAt *time.Time     `json:"sample_updated_at,omitempty"`
}

// ColumnSchema is the serialized cache form of one column
type ColumnSchema struct {
	Name    string `json:"name"`
	Type    string `json:"type,omitempty"`
	Example string `json:"example,omitempty"`
}

// TableUpsert is the reconciler's write shape for one reported table
type TableUpsert struct {
	OrgID          int
	DataSourceID   int
	Name           string
	ColumnMetadata bool
}

// ColumnUpsert is the reconciler's write shape for one reported column
type ColumnUpsert struct {
	OrgID   int
	TableID int
	Name    string
	Type    string // empty means unknown
}

// ColumnExample pairs a column id with a freshly fetched sample value
type ColumnExample struct {
	ID      int
	Example string
}

// MetadataKind selects which soft-deleted rows a sweep targets
type MetadataKind string

const (
	TableKind  MetadataKind = "table"
	ColumnKind MetadataKind = "column"
)

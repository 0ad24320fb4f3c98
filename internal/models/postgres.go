package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store is the sqlx-backed implementation of every store interface.
// One instance per process, constructed at startup and injected.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store instance
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// GetDataSource retrieves a data source by id
func (s *Store) GetDataSource(ctx context.Context, id int) (*DataSource, error) {
	query := `
		SELECT id, org_id, name, type, options, queue_name, scheduled_queue_name,
		       paused, pause_reason, samples_enabled, created_at
		FROM data_sources
		WHERE id = $1
	`

	var ds DataSource
	err := s.db.GetContext(ctx, &ds, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDataSourceNotFound
		}
		return nil, fmt.Errorf("failed to get data source: %w", err)
	}

	return &ds, nil
}

// ListDataSources returns all data sources
func (s *Store) ListDataSources(ctx context.Context) ([]DataSource, error) {
	query := `
		SELECT id, org_id, name, type, options, queue_name, scheduled_queue_name,
		       paused, pause_reason, samples_enabled, created_at
		FROM data_sources
		ORDER BY id
	`

	var sources []DataSource
	if err := s.db.SelectContext(ctx, &sources, query); err != nil {
		return nil, fmt.Errorf("failed to list data sources: %w", err)
	}

	return sources, nil
}

// GetOrganization retrieves an organization by id
func (s *Store) GetOrganization(ctx context.Context, id int) (*Organization, error) {
	query := `
		SELECT id, name, scheduled_time_limit, is_disabled, created_at
		FROM organizations
		WHERE id = $1
	`

	var org Organization
	err := s.db.GetContext(ctx, &org, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("organization %d not found", id)
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}

	return &org, nil
}

// GetQuery retrieves a saved query by id
func (s *Store) GetQuery(ctx context.Context, id int) (*Query, error) {
	query := `
		SELECT id, org_id, data_source_id, user_id, api_key, query_text, query_hash,
		       schedule, schedule_failures, latest_query_data_id, created_at, updated_at
		FROM queries
		WHERE id = $1
	`

	var q Query
	err := s.db.GetContext(ctx, &q, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrQueryNotFound
		}
		return nil, fmt.Errorf("failed to get query: %w", err)
	}

	return &q, nil
}

// GetQueryByAPIKey retrieves a saved query by its API key
func (s *Store) GetQueryByAPIKey(ctx context.Context, apiKey string) (*Query, error) {
	query := `
		SELECT id, org_id, data_source_id, user_id, api_key, query_text, query_hash,
		       schedule, schedule_failures, latest_query_data_id, created_at, updated_at
		FROM queries
		WHERE api_key = $1
	`

	var q Query
	err := s.db.GetContext(ctx, &q, query, apiKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrQueryNotFound
		}
		return nil, fmt.Errorf("failed to get query by api key: %w", err)
	}

	return &q, nil
}

// GetUser resolves a user id into an acting identity
func (s *Store) GetUser(ctx context.Context, id int) (*Identity, error) {
	// Users live outside this subsystem; only the identity fields the
	// executor annotates with are read here.
	query := `SELECT id, org_id, name FROM users WHERE id = $1`

	var row struct {
		ID    int    `db:"id"`
		OrgID int    `db:"org_id"`
		Name  string `db:"name"`
	}

	err := s.db.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &Identity{ID: row.ID, OrgID: row.OrgID, Name: row.Name}, nil
}

// IncrementScheduleFailures bumps the consecutive failure counter for a
// scheduled query and returns the new count
func (s *Store) IncrementScheduleFailures(ctx context.Context, queryID int) (int, error) {
	query := `
		UPDATE queries
		SET schedule_failures = schedule_failures + 1,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING schedule_failures
	`

	var failures int
	if err := s.db.GetContext(ctx, &failures, query, queryID); err != nil {
		return 0, fmt.Errorf("failed to increment schedule failures: %w", err)
	}

	return failures, nil
}

// ResetScheduleFailures clears the consecutive failure counter
func (s *Store) ResetScheduleFailures(ctx context.Context, queryID int) error {
	query := `
		UPDATE queries
		SET schedule_failures = 0,
		    updated_at = NOW()
		WHERE id = $1
	`

	if _, err := s.db.ExecContext(ctx, query, queryID); err != nil {
		return fmt.Errorf("failed to reset schedule failures: %w", err)
	}

	return nil
}

// StoreResult persists a result set keyed by (org, data source, hash) and
// repoints every query sharing that hash at the new result
func (s *Store) StoreResult(ctx context.Context, orgID int, dataSourceID int, queryHash, queryText string, data []byte, runtime float64, retrievedAt time.Time) (int, []int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insert := `
		INSERT INTO query_results (org_id, data_source_id, query_hash, query_text, data, runtime, retrieved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (org_id, data_source_id, query_hash)
		DO UPDATE SET query_text = EXCLUDED.query_text,
		              data = EXCLUDED.data,
		              runtime = EXCLUDED.runtime,
		              retrieved_at = EXCLUDED.retrieved_at
		RETURNING id
	`

	var resultID int
	err = tx.GetContext(ctx, &resultID, insert, orgID, dataSourceID, queryHash, queryText, data, runtime, retrievedAt)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to store query result: %w", err)
	}

	update := `
		UPDATE queries
		SET latest_query_data_id = $1,
		    updated_at = NOW()
		WHERE query_hash = $2 AND data_source_id = $3
		RETURNING id
	`

	var updatedQueryIDs []int
	err = tx.SelectContext(ctx, &updatedQueryIDs, update, resultID, queryHash, dataSourceID)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to update latest query data: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("failed to commit query result: %w", err)
	}

	s.logger.Debug("Query result stored",
		slog.Int("result_id", resultID),
		slog.Int("data_source_id", dataSourceID),
		slog.String("query_hash", queryHash),
		slog.Int("updated_queries", len(updatedQueryIDs)),
	)

	return resultID, updatedQueryIDs, nil
}

// GetResult retrieves a stored query result by id
func (s *Store) GetResult(ctx context.Context, id int) (*QueryResult, error) {
	query := `
		SELECT id, org_id, data_source_id, query_hash, query_text, data, runtime, retrieved_at
		FROM query_results
		WHERE id = $1
	`

	var result QueryResult
	err := s.db.GetContext(ctx, &result, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("query result %d not found", id)
		}
		return nil, fmt.Errorf("failed to get query result: %w", err)
	}

	return &result, nil
}

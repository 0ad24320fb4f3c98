package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mozilla/redash/internal/config"
	"github.com/mozilla/redash/internal/models"
	"github.com/mozilla/redash/internal/runner"
)

// Sampler fills column example values by pulling one representative row
// per table from the data source
type Sampler struct {
	sources models.DataSourceStore
	tables  models.TableStore
	runners *runner.Registry
	cfg     config.SchemaConfig
	logger  *slog.Logger
}

// NewSampler creates a sampler
func NewSampler(sources models.DataSourceStore, tables models.TableStore, runners *runner.Registry, cfg config.SchemaConfig, logger *slog.Logger) *Sampler {
	return &Sampler{
		sources: sources,
		tables:  tables,
		runners: runners,
		cfg:     cfg,
		logger:  logger,
	}
}

// RefreshSamples updates examples for a batch of tables whose samples are
// older than the refresh window. Per-table failures are logged and
// skipped; one broken table never starves the rest of the batch.
func (s *Sampler) RefreshSamples(ctx context.Context, dataSourceID int) error {
	ds, err := s.sources.GetDataSource(ctx, dataSourceID)
	if err != nil {
		return fmt.Errorf("failed to load data source %d: %w", dataSourceID, err)
	}
	if !ds.SamplesEnabled {
		return nil
	}

	olderThan := time.Now().UTC().AddDate(0, 0, -s.cfg.SampleRefreshDays)
	batch, err := s.tables.TablesNeedingSamples(ctx, ds.ID, olderThan, s.cfg.TableSampleLimit)
	if err != nil {
		return fmt.Errorf("failed to list tables needing samples: %w", err)
	}

	run, err := s.runners.New(ds)
	if err != nil {
		return err
	}

	for i := range batch {
		if err := s.updateSample(ctx, run, &batch[i]); err != nil {
			if errors.Is(err, runner.ErrNotSupported) {
				return nil
			}
			s.logger.Warn("Failed to update table sample",
				slog.Int("data_source_id", ds.ID),
				slog.String("table", batch[i].Name),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// UpdateSample refreshes the example values of one named table
func (s *Sampler) UpdateSample(ctx context.Context, dataSourceID int, tableName string) error {
	ds, err := s.sources.GetDataSource(ctx, dataSourceID)
	if err != nil {
		return fmt.Errorf("failed to load data source %d: %w", dataSourceID, err)
	}

	existing, err := s.tables.ExistingTables(ctx, ds.ID)
	if err != nil {
		return fmt.Errorf("failed to load tables: %w", err)
	}

	var table *models.TableMetadata
	for i := range existing {
		if existing[i].Name == tableName {
			table = &existing[i]
			break
		}
	}
	if table == nil {
		return fmt.Errorf("table %s not found for data source %d", tableName, dataSourceID)
	}

	// Skip tables sampled recently; samples churn slowly
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.SampleUpdateDays)
	if table.SampleUpdatedAt.Valid && table.SampleUpdatedAt.Time.After(cutoff) {
		return nil
	}

	run, err := s.runners.New(ds)
	if err != nil {
		return err
	}

	return s.updateSample(ctx, run, table)
}

func (s *Sampler) updateSample(ctx context.Context, run runner.Runner, table *models.TableMetadata) error {
	sample, err := run.TableSample(ctx, table.Name)
	if err != nil {
		return err
	}

	columns, err := s.tables.ExistingColumns(ctx, table.ID)
	if err != nil {
		return fmt.Errorf("failed to load columns: %w", err)
	}

	examples := make([]models.ColumnExample, 0, len(columns))
	for _, column := range columns {
		value, ok := sample[column.Name]
		if !ok || value == nil {
			continue
		}
		examples = append(examples, models.ColumnExample{
			ID:      column.ID,
			Example: truncate(fmt.Sprintf("%v", value), s.cfg.SampleMaxLength),
		})
	}

	if len(examples) > 0 {
		if err := s.tables.UpdateColumnExamples(ctx, examples); err != nil {
			return fmt.Errorf("failed to store column examples: %w", err)
		}
	}

	return s.tables.TouchSampleUpdatedAt(ctx, table.ID)
}

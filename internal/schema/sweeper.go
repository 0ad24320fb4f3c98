package schema

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mozilla/redash/internal/models"
)

// Sweeper permanently deletes soft-deleted metadata rows past retention.
// It runs on its own schedule, independent of reconciliation, so a broken
// refresh never blocks cleanup.
type Sweeper struct {
	tables    models.TableStore
	retention time.Duration
	logger    *slog.Logger
}

// NewSweeper creates a sweeper keeping soft-deleted rows for retentionDays
func NewSweeper(tables models.TableStore, retentionDays int, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		tables:    tables,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		logger:    logger,
	}
}

// Sweep deletes rows of the given kind whose soft delete is older than the
// retention window and returns how many were removed
func (s *Sweeper) Sweep(ctx context.Context, kind models.MetadataKind) (int64, error) {
	olderThan := time.Now().UTC().Add(-s.retention)

	deleted, err := s.tables.SweepMissing(ctx, kind, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep %s metadata: %w", kind, err)
	}

	if deleted > 0 {
		s.logger.Info("Swept soft-deleted schema metadata",
			slog.String("kind", string(kind)),
			slog.Int64("deleted", deleted),
		)
	}

	return deleted, nil
}

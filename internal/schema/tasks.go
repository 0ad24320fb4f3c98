package schema

import (
	"encoding/json"
	"fmt"

	"github.com/mozilla/redash/internal/models"
)

// Task names workers dispatch on
const (
	TaskRefreshSchema  = "refresh_schema"
	TaskRefreshSamples = "refresh_samples"
	TaskUpdateSample   = "update_sample"
	TaskSweepMetadata  = "sweep_schema_metadata"
)

// RefreshArgs is the payload of refresh_schema and refresh_samples tasks
type RefreshArgs struct {
	DataSourceID int `json:"data_source_id"`
}

// UpdateSampleArgs is the update_sample task payload
type UpdateSampleArgs struct {
	DataSourceID int    `json:"data_source_id"`
	TableName    string `json:"table_name"`
}

// SweepArgs is the sweep_schema_metadata task payload
type SweepArgs struct {
	Kind models.MetadataKind `json:"kind"`
}

// DecodeRefreshArgs parses a refresh task payload
func DecodeRefreshArgs(raw json.RawMessage) (*RefreshArgs, error) {
	var args RefreshArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid refresh args: %w", err)
	}
	return &args, nil
}

// DecodeUpdateSampleArgs parses an update_sample task payload
func DecodeUpdateSampleArgs(raw json.RawMessage) (*UpdateSampleArgs, error) {
	var args UpdateSampleArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid update_sample args: %w", err)
	}
	return &args, nil
}

// DecodeSweepArgs parses a sweep task payload
func DecodeSweepArgs(raw json.RawMessage) (*SweepArgs, error) {
	var args SweepArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid sweep args: %w", err)
	}
	return &args, nil
}

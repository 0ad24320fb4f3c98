// Package runner defines the capability surface a data source driver
// exposes to the execution and schema layers, plus a registry mapping
// data source types to driver factories.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mozilla/redash/internal/models"
)

// ErrNotSupported is returned by optional capabilities a driver does not
// implement. Callers treat it as "skip", not as a failure.
var ErrNotSupported = errors.New("operation not supported by this data source type")

// Column is one column reported by a driver's schema introspection
type Column struct {
	Name string
	Type string // empty when the driver cannot determine types
}

// Table is one table reported by a driver's schema introspection
type Table struct {
	Name    string
	Columns []Column
}

// Runner is a live driver bound to one data source's connection options
type Runner interface {
	// RunQuery executes the query text and returns the result payload as
	// JSON with "columns" and "rows" keys
	RunQuery(ctx context.Context, query string, identity *models.Identity) (json.RawMessage, error)

	// Schema lists the tables and columns visible through the connection
	Schema(ctx context.Context) ([]Table, error)

	// TableSample fetches one representative row from the named table.
	// Drivers without sample support return ErrNotSupported.
	TableSample(ctx context.Context, tableName string) (map[string]interface{}, error)

	// TestConnection verifies the data source is reachable
	TestConnection(ctx context.Context) error
}

// Factory builds a Runner from a data source's options document
type Factory func(options json.RawMessage) (Runner, error)

// Registry maps data source type names to driver factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register binds a type name to a factory, replacing any previous binding
func (r *Registry) Register(typeName string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typeName] = factory
}

// Types returns the registered type names in sorted order
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for name := range r.factories {
		types = append(types, name)
	}
	sort.Strings(types)

	return types
}

// New builds a driver for the data source, failing on unknown types
func (r *Registry) New(ds *models.DataSource) (Runner, error) {
	r.mu.RLock()
	factory, ok := r.factories[ds.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown data source type %q", ds.Type)
	}

	runner, err := factory(ds.Options)
	if err != nil {
		return nil, fmt.Errorf("failed to configure %s data source: %w", ds.Type, err)
	}

	return runner, nil
}

// Default is the process-wide registry drivers register into
var Default = NewRegistry()

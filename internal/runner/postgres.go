package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/mozilla/redash/internal/models"
)

func init() {
	Default.Register("pg", NewPostgres)
	Default.Register("postgres", NewPostgres)
}

// PostgresOptions is the options document for pg data sources
type PostgresOptions struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

// DSN renders the options as a lib/pq connection string
func (o *PostgresOptions) DSN() string {
	port := o.Port
	if port == 0 {
		port = 5432
	}
	sslMode := o.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		o.Host, port, o.User, o.Password, o.DBName, sslMode)
}

// Postgres runs queries and introspects schemas over a pg connection.
// Connections are opened per operation so idle data sources hold nothing.
type Postgres struct {
	options PostgresOptions
}

// NewPostgres builds a pg driver from a data source options document
func NewPostgres(options json.RawMessage) (Runner, error) {
	var opts PostgresOptions
	if err := json.Unmarshal(options, &opts); err != nil {
		return nil, fmt.Errorf("invalid pg options: %w", err)
	}
	if opts.DBName == "" {
		return nil, fmt.Errorf("pg options missing dbname")
	}

	return &Postgres{options: opts}, nil
}

func (p *Postgres) connect(ctx context.Context) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", p.options.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return db, nil
}

// RunQuery executes the query and serializes the full result set
func (p *Postgres) RunQuery(ctx context.Context, query string, _ *models.Identity) (json.RawMessage, error) {
	db, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	return serializeRows(rows)
}

const schemaQuery = `
SELECT table_schema, table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
ORDER BY table_schema, table_name, ordinal_position`

// Schema lists all visible tables with typed columns
func (p *Postgres) Schema(ctx context.Context) ([]Table, error) {
	db, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, schemaQuery)
	if err != nil {
		return nil, fmt.Errorf("schema introspection failed: %w", err)
	}
	defer rows.Close()

	var tables []Table
	index := make(map[string]int)

	for rows.Next() {
		var schema, table, column, dataType string
		if err := rows.Scan(&schema, &table, &column, &dataType); err != nil {
			return nil, fmt.Errorf("failed to scan schema row: %w", err)
		}

		name := qualifiedTableName(schema, table)
		i, ok := index[name]
		if !ok {
			tables = append(tables, Table{Name: name})
			i = len(tables) - 1
			index[name] = i
		}

		tables[i].Columns = append(tables[i].Columns, Column{Name: column, Type: dataType})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schema introspection failed: %w", err)
	}

	return tables, nil
}

// TableSample fetches a single row from the table for column examples
func (p *Postgres) TableSample(ctx context.Context, tableName string) (map[string]interface{}, error) {
	db, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	query := fmt.Sprintf("SELECT * FROM %s LIMIT 1", quoteTableName(tableName))

	row := db.QueryRowxContext(ctx, query)
	sample := make(map[string]interface{})
	if err := row.MapScan(sample); err != nil {
		return nil, fmt.Errorf("failed to sample table %s: %w", tableName, err)
	}

	for k, v := range sample {
		if b, ok := v.([]byte); ok {
			sample[k] = string(b)
		}
	}

	return sample, nil
}

// TestConnection verifies the target database answers
func (p *Postgres) TestConnection(ctx context.Context) error {
	db, err := p.connect(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	var one int
	if err := db.GetContext(ctx, &one, "SELECT 1"); err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}

	return nil
}

// qualifiedTableName keeps public tables unprefixed and prefixes the rest
func qualifiedTableName(schema, table string) string {
	if schema == "public" {
		return table
	}
	return schema + "." + table
}

// quoteTableName quotes each dotted identifier part
func quoteTableName(name string) string {
	parts := strings.Split(name, ".")
	for i, part := range parts {
		parts[i] = `"` + strings.ReplaceAll(part, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

// serializeRows converts a result set to the canonical result payload
func serializeRows(rows *sqlx.Rows) (json.RawMessage, error) {
	columnNames, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read result columns: %w", err)
	}

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to read result column types: %w", err)
	}

	type resultColumn struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}

	columns := make([]resultColumn, len(columnNames))
	for i, name := range columnNames {
		columns[i] = resultColumn{
			Name: name,
			Type: strings.ToLower(columnTypes[i].DatabaseTypeName()),
		}
	}

	resultRows := make([]map[string]interface{}, 0)
	for rows.Next() {
		row := make(map[string]interface{})
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
			if t, ok := v.(time.Time); ok {
				row[k] = t.UTC().Format(time.RFC3339)
			}
		}
		resultRows = append(resultRows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read result rows: %w", err)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"columns": columns,
		"rows":    resultRows,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	return payload, nil
}

package postgresql

import (
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Migrate executes all pending goose migrations against the database.
func (c *Client) Migrate() error {
	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose set dialect: %w", err)
	}

	if err := goose.Up(c.db.DB, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}

	c.logger.Info("Database migrations applied")
	return nil
}

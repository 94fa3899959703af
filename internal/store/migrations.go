package store

import (
	"context"
	"embed"
	"fmt"
	"strings"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies the schema for the store's dialect. Statements are
// idempotent (CREATE ... IF NOT EXISTS) so this is safe to run at every boot.
func (s *Store) Migrate(ctx context.Context) error {
	name := fmt.Sprintf("migrations/schema_%s.sql", s.Dialect)
	content, err := migrationFiles.ReadFile(name)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", name, err)
	}
	for _, stmt := range strings.Split(string(content), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration statement: %w", err)
		}
	}
	s.logger.Info("migrations applied", "dialect", s.Dialect)
	return nil
}

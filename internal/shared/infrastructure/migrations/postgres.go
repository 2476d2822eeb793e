// Package migrations embeds the schema files and applies them at
// startup. Production deployments may run the postgres files with an
// external tool instead; the runner stays idempotent either way.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed postgres/*.sql
var postgresFS embed.FS

// RunPostgresMigrations applies every embedded .up.sql file in
// lexicographic order.
func RunPostgresMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	entries, err := postgresFS.ReadDir("postgres")
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		stmts, err := postgresFS.ReadFile("postgres/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(stmts)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

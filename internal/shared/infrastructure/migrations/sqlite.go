package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
)

//go:embed sqlite/*.sql
var sqliteFS embed.FS

// RunSQLiteMigrations applies every embedded .up.sql file in
// lexicographic order. The statements are idempotent, so local mode
// runs them on every start.
func RunSQLiteMigrations(ctx context.Context, db *sql.DB) error {
	entries, err := sqliteFS.ReadDir("sqlite")
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
		stmts, err := sqliteFS.ReadFile("sqlite/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(stmts)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

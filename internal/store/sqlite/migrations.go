package sqlite

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	migrate "github.com/rubenv/sql-migrate"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const upDownSeparator = "-- +migrate Up"

// runMigrations applies every embedded migration in filename order.
func runMigrations(db *sql.DB) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	migs := &migrate.MemoryMigrationSource{Migrations: []*migrate.Migration{}}
	for _, name := range names {
		raw, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		sql := strings.ReplaceAll(string(raw), "/*dbprefix*/", "")
		parts := strings.SplitN(sql, upDownSeparator, 2)
		if len(parts) != 2 {
			return fmt.Errorf("migration %s missing %q separator", name, upDownSeparator)
		}
		downSQL := strings.TrimPrefix(strings.TrimSpace(parts[0]), "-- +migrate Down")
		upSQL := strings.TrimSpace(parts[1])

		migs.Migrations = append(migs.Migrations, &migrate.Migration{
			Id:   name,
			Up:   []string{upSQL},
			Down: []string{strings.TrimSpace(downSQL)},
		})
	}

	_, err = migrate.Exec(db, "sqlite3", migs, migrate.Up)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

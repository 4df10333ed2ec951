package database

import (
	"context"
	"fmt"
	"strings"
)

// migration is one idempotent schema change. check returns true when the
// change is already present.
type migration struct {
	name  string
	sql   string
	check string
}

func addColumn(table, column, def string) migration {
	return migration{
		name: fmt.Sprintf("add %s.%s", table, column),
		sql:  fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", table, column, def),
		check: fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM information_schema.columns
			WHERE table_name = '%s' AND column_name = '%s')`, table, column),
	}
}

func addIndex(name, def string) migration {
	return migration{
		name:  "add index " + name,
		sql:   fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s %s", name, def),
		check: fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = '%s')`, name),
	}
}

// migrations bring databases created by older releases up to schema.sql.
var migrations = []migration{
	addColumn("transcriptions", "error_kind", "text"),
	addColumn("transcriptions", "backend", "text NOT NULL DEFAULT ''"),
	addColumn("transcriptions", "duration_ms", "integer NOT NULL DEFAULT 0"),
	addIndex("idx_transcriptions_unfinished",
		"ON transcriptions (status) WHERE status IN ('pending', 'processing')"),
}

// Migrate applies every migration whose check reports it missing. A failed
// apply (usually insufficient privileges) is returned as a *MigrationError and
// should be treated as fatal.
func (db *DB) Migrate(ctx context.Context) error {
	var pending []migration
	for _, m := range migrations {
		if m.check != "" {
			var exists bool
			if err := db.Pool.QueryRow(ctx, m.check).Scan(&exists); err == nil && exists {
				continue
			}
		}
		pending = append(pending, m)
	}

	if len(pending) == 0 {
		return nil
	}

	applied := 0
	for _, m := range pending {
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return &MigrationError{
				failed:  m,
				pending: pending[applied:],
				err:     err,
			}
		}
		db.log.Info().Str("migration", m.name).Msg("schema migration applied")
		applied++
	}
	db.log.Info().Int("applied", applied).Msg("schema migrations complete")
	return nil
}

// MigrationError is returned when a migration fails.
// It includes the SQL needed to apply all remaining migrations manually.
type MigrationError struct {
	failed  migration
	pending []migration
	err     error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration %q failed: %v\n\n", e.failed.name, e.err)
	b.WriteString("Run the following SQL as a database superuser to fix this:\n\n")
	for _, m := range e.pending {
		fmt.Fprintf(&b, "  %s;\n", m.sql)
	}
	b.WriteString("\nThen restart audioscribe.")
	return b.String()
}

func (e *MigrationError) Unwrap() error {
	return e.err
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"log"
)

// ApplySQLitePragmas always sets a busy timeout; with tuning enabled it also
// applies the WAL/mmap set. Each result is logged.
func ApplySQLitePragmas(ctx context.Context, db *sql.DB, tuning bool) {
	pragmas := []string{"PRAGMA busy_timeout=5000;"}
	if tuning {
		pragmas = append(pragmas,
			"PRAGMA journal_mode=WAL;",
			"PRAGMA synchronous=NORMAL;",
			"PRAGMA wal_autocheckpoint=1000;",
			"PRAGMA temp_store=MEMORY;",
			"PRAGMA mmap_size=268435456;",
		)
	}

	for _, pragma := range pragmas {
		if value, err := applyPragma(ctx, db, pragma); err != nil {
			log.Printf("store: sqlite pragma %s failed: %v", pragma, err)
		} else {
			log.Printf("store: sqlite pragma %s => %v", pragma, value)
		}
	}
}

func applyPragma(ctx context.Context, db *sql.DB, pragma string) (any, error) {
	row := db.QueryRowContext(ctx, pragma)
	var value any
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
				return nil, execErr
			}
			return "ok", nil
		}
		return nil, err
	}
	return value, nil
}

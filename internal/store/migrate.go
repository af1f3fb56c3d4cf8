package store

import (
	"context"
	"database/sql"
	"log"

	"github.com/pkg/errors"
)

const schemaVersion = 2

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS commands (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  call_name TEXT NOT NULL UNIQUE,
  response TEXT NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS command_permissions (
  command_id INTEGER NOT NULL,
  user_entity TEXT NOT NULL,
  PRIMARY KEY (command_id, user_entity)
);`,
	`CREATE TABLE IF NOT EXISTS users (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL UNIQUE,
  times_played INTEGER NOT NULL DEFAULT 0,
  current_guess INTEGER,
  total_guess INTEGER
);`,
	`CREATE TABLE IF NOT EXISTS quotes (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  quote TEXT NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS auto_quotes (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  quote TEXT NOT NULL,
  period INTEGER NOT NULL,
  active INTEGER NOT NULL DEFAULT 1
);`,
	`CREATE TABLE IF NOT EXISTS misc_values (
  mv_key TEXT PRIMARY KEY,
  mv_value TEXT NOT NULL
);`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS commands (
  id BIGSERIAL PRIMARY KEY,
  call_name TEXT NOT NULL UNIQUE,
  response TEXT NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS command_permissions (
  command_id BIGINT NOT NULL,
  user_entity TEXT NOT NULL,
  PRIMARY KEY (command_id, user_entity)
);`,
	`CREATE TABLE IF NOT EXISTS users (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  times_played INTEGER NOT NULL DEFAULT 0,
  current_guess INTEGER,
  total_guess INTEGER
);`,
	`CREATE TABLE IF NOT EXISTS quotes (
  id BIGSERIAL PRIMARY KEY,
  quote TEXT NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS auto_quotes (
  id BIGSERIAL PRIMARY KEY,
  quote TEXT NOT NULL,
  period INTEGER NOT NULL,
  active BOOLEAN NOT NULL DEFAULT TRUE
);`,
	`CREATE TABLE IF NOT EXISTS misc_values (
  mv_key TEXT PRIMARY KEY,
  mv_value TEXT NOT NULL
);`,
}

var seedValues = [][2]string{
	{KeyCurrentDeaths, "0"},
	{KeyTotalDeaths, "0"},
	{KeyGuessingEnabled, "False"},
	{KeyGuessTotalEnabled, "False"},
}

func (s *DB) migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.dialect == dialectPostgres {
		schema = postgresSchema
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "apply schema")
		}
	}

	if s.dialect == dialectSQLite {
		if err := migrateSQLite(ctx, s.db); err != nil {
			return err
		}
	}

	seed := s.dialect.rebind(`INSERT INTO misc_values (mv_key, mv_value) VALUES (?, ?) ON CONFLICT (mv_key) DO NOTHING;`)
	for _, kv := range seedValues {
		if _, err := s.db.ExecContext(ctx, seed, kv[0], kv[1]); err != nil {
			return errors.Wrapf(err, "seed %s", kv[0])
		}
	}
	return nil
}

// migrateSQLite upgrades databases created by older builds: version 1 had no
// total_guess column.
func migrateSQLite(ctx context.Context, db *sql.DB) error {
	version, err := sqliteUserVersion(ctx, db)
	if err != nil {
		return errors.Wrap(err, "sqlite: user_version")
	}
	if version >= schemaVersion {
		return nil
	}
	log.Printf("store: sqlite: migrating user_version=%d to %d", version, schemaVersion)

	columns, err := sqliteColumns(ctx, db, "users")
	if err != nil {
		return errors.Wrap(err, "sqlite: describe users")
	}
	if _, ok := columns["total_guess"]; !ok {
		if _, err := db.ExecContext(ctx, `ALTER TABLE users ADD COLUMN total_guess INTEGER;`); err != nil {
			return errors.Wrap(err, "sqlite: add total_guess")
		}
		log.Printf("store: sqlite: added total_guess column to users")
	}

	if _, err := db.ExecContext(ctx, `PRAGMA user_version = 2;`); err != nil {
		return errors.Wrap(err, "sqlite: set user_version")
	}
	return nil
}

func sqliteUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

func sqliteColumns(ctx context.Context, db *sql.DB, table string) (map[string]struct{}, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?);`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]struct{}{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = struct{}{}
	}
	return out, rows.Err()
}

// Package store persists imported syscall modules and the override log in
// SQLite. Resolution itself never touches the database: callers take a
// Snapshot and hand the resulting loader to the engine.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/duynguyendang/ssdtprof/pkg/tables"
)

const schema = `
CREATE TABLE IF NOT EXISTS modules (
	id           TEXT PRIMARY KEY,
	imported_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS descriptors (
	module_id  TEXT NOT NULL,
	tbl        INTEGER NOT NULL,
	idx        INTEGER NOT NULL,
	name       TEXT NOT NULL,
	PRIMARY KEY (module_id, tbl, idx),
	FOREIGN KEY (module_id) REFERENCES modules(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS profiles (
	id          TEXT PRIMARY KEY,
	facts       TEXT NOT NULL,
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS overrides (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	profile_id  TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	rule_id     TEXT NOT NULL,
	kind        TEXT NOT NULL,
	name        TEXT NOT NULL,
	value       TEXT NOT NULL,
	replaced    TEXT,
	FOREIGN KEY (profile_id) REFERENCES profiles(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_overrides_profile ON overrides(profile_id, seq);
`

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// pragmas are applied by the driver to each new pooled connection.
const pragmas = "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"

// Open opens (or creates) the database at path and runs migrations.
// ":memory:" gives a private in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+pragmas)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for the provenance log.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ImportModules replaces the stored descriptors of every module in mods.
// Modules not named in mods are left alone.
func (s *Store) ImportModules(ctx context.Context, mods tables.MapLoader) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, id := range mods.IDs() {
		mod := mods[id]
		if _, err := tx.ExecContext(ctx, `DELETE FROM descriptors WHERE module_id = ?`, id); err != nil {
			return fmt.Errorf("clear %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO modules (id, imported_at) VALUES (?, ?)
			 ON CONFLICT(id) DO UPDATE SET imported_at = excluded.imported_at`,
			id, now,
		); err != nil {
			return fmt.Errorf("insert module %s: %w", id, err)
		}
		mod.ID = id
		for _, d := range mod.Table("").Entries {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO descriptors (module_id, tbl, idx, name) VALUES (?, ?, ?, ?)`,
				id, d.Table, d.Index, d.Name,
			); err != nil {
				return fmt.Errorf("insert descriptor %s[%d][%d]: %w", id, d.Table, d.Index, err)
			}
		}
	}
	return tx.Commit()
}

// DeleteModule removes a module and its descriptors.
func (s *Store) DeleteModule(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM descriptors WHERE module_id = ?`, id); err != nil {
		return fmt.Errorf("delete descriptors: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM modules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete module: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tables.Missing(tables.ErrReferenceTableUnavailable, id, nil)
	}
	return tx.Commit()
}

// Modules returns the stored module ids, sorted.
func (s *Store) Modules(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM modules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query modules: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan module: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Snapshot reads every stored module into memory. Descriptor rows whose
// module is gone are skipped.
func (s *Store) Snapshot(ctx context.Context) (tables.MapLoader, error) {
	out := tables.MapLoader{}

	ids, err := s.Modules(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		out[id] = tables.Module{ID: id, NT: []string{}, Win32k: []string{}}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT module_id, tbl, name FROM descriptors ORDER BY module_id, tbl, idx`)
	if err != nil {
		return nil, fmt.Errorf("query descriptors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id   string
			tbl  int
			name string
		)
		if err := rows.Scan(&id, &tbl, &name); err != nil {
			return nil, fmt.Errorf("scan descriptor: %w", err)
		}
		mod, ok := out[id]
		if !ok {
			continue
		}
		switch tbl {
		case tables.ServiceNT:
			mod.NT = append(mod.NT, name)
		case tables.ServiceWin32k:
			mod.Win32k = append(mod.Win32k, name)
		}
		out[id] = mod
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

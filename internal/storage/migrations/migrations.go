package migrations

import (
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"atelier/pkg/logger"
)

type script struct {
	version int
	name    string
	body    string
}

// Run applies every pending migration in version order, each in its own transaction.
func Run(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	pending, err := pendingScripts(db)
	if err != nil {
		return err
	}
	for _, s := range pending {
		if err := apply(db, s); err != nil {
			return fmt.Errorf("apply migration %s: %w", s.name, err)
		}
		logger.Debug().Int("version", s.version).Str("name", s.name).Msg("Applied migration")
	}
	return nil
}

// Version returns the highest applied migration version.
func Version(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM _migrations").Scan(&version)
	return version, err
}

// Pending lists migration versions not yet applied.
func Pending(db *sql.DB) ([]int, error) {
	scripts, err := pendingScripts(db)
	if err != nil {
		return nil, err
	}
	versions := make([]int, len(scripts))
	for i, s := range scripts {
		versions[i] = s.version
	}
	return versions, nil
}

func pendingScripts(db *sql.DB) ([]script, error) {
	applied := make(map[int]bool)
	rows, err := db.Query("SELECT version FROM _migrations")
	if err != nil {
		return nil, fmt.Errorf("read applied versions: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return nil, err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	all, err := loadScripts()
	if err != nil {
		return nil, fmt.Errorf("load migration scripts: %w", err)
	}
	var pending []script
	for _, s := range all {
		if !applied[s.version] {
			pending = append(pending, s)
		}
	}
	return pending, nil
}

func loadScripts() ([]script, error) {
	entries, err := fs.ReadDir(FS, "scripts")
	if err != nil {
		return nil, err
	}

	var scripts []script
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseVersion(entry.Name())
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, entry.Name(), version)
		}
		seen[version] = entry.Name()

		// embed.FS paths always use forward slashes.
		body, err := fs.ReadFile(FS, path.Join("scripts", entry.Name()))
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, script{version: version, name: entry.Name(), body: string(body)})
	}

	sort.Slice(scripts, func(i, j int) bool { return scripts[i].version < scripts[j].version })
	return scripts, nil
}

func parseVersion(filename string) (int, error) {
	prefix, _, ok := strings.Cut(filename, "_")
	if !ok {
		return 0, fmt.Errorf("invalid migration filename: %s", filename)
	}
	v, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, fmt.Errorf("invalid migration filename: %s", filename)
	}
	return v, nil
}

func apply(db *sql.DB, s script) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(s.body); err != nil {
		return fmt.Errorf("execute SQL: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO _migrations (version, name) VALUES (?, ?)", s.version, s.name); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}

package catalog

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Gateway owns the catalog's *sql.DB and is the only component permitted to
// issue SQL against it.
type Gateway struct {
	db *sql.DB
}

// Open creates the catalog connection pool, enables WAL mode, and ensures
// the schema exists. path is [jade_database].database_name.
func Open(path string) (*Gateway, error) {
	if err := ensureDirectory(path); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}

	db.SetMaxOpenConns(8)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("catalog: connect %s: %w", path, err)
	}

	g := &Gateway{db: db}
	g.enableWAL()

	if err := g.createSchema(); err != nil {
		return nil, err
	}

	return g, nil
}

// Close releases the connection pool.
func (g *Gateway) Close() error {
	return g.db.Close()
}

func ensureDirectory(path string) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("catalog: create directory %s: %w", dir, err)
		}
	}
	return nil
}

func (g *Gateway) enableWAL() {
	if _, err := g.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		log.Printf("catalog: could not enable WAL mode: %v", err)
	}
}

func (g *Gateway) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS disk_archives (
		uuid TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		required_copies INTEGER NOT NULL,
		label_prefix TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS file_pairs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT UNIQUE NOT NULL,
		data_stream_id INTEGER NOT NULL,
		data_stream_uuid TEXT NOT NULL,
		archive_file_name TEXT NOT NULL,
		archive_size INTEGER NOT NULL,
		binary_file_name TEXT NOT NULL,
		binary_size INTEGER NOT NULL,
		archive_checksum TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		warehouse_path TEXT NOT NULL,
		priority_group INTEGER NOT NULL DEFAULT 0,
		date_created DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		date_archived DATETIME,
		date_updated DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		modified_at_origin DATETIME,
		archived_by_host_id INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_file_pairs_uuid ON file_pairs(uuid);

	CREATE TABLE IF NOT EXISTS disks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT UNIQUE NOT NULL,
		label TEXT NOT NULL,
		serial_number TEXT NOT NULL,
		copy_id INTEGER NOT NULL,
		archive_uuid TEXT NOT NULL,
		host_id INTEGER NOT NULL,
		capacity_bytes INTEGER NOT NULL DEFAULT 0,
		bad INTEGER NOT NULL DEFAULT 0,
		closed INTEGER NOT NULL DEFAULT 0,
		on_hold INTEGER NOT NULL DEFAULT 0,
		date_created DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		date_updated DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		file_count INTEGER NOT NULL DEFAULT 0,
		UNIQUE(archive_uuid, copy_id, label)
	);
	CREATE INDEX IF NOT EXISTS idx_disks_serial ON disks(serial_number);
	CREATE INDEX IF NOT EXISTS idx_disks_open ON disks(archive_uuid, copy_id, host_id, closed, bad);

	CREATE TABLE IF NOT EXISTS file_pair_disk_placements (
		disk_id INTEGER NOT NULL REFERENCES disks(id),
		file_pair_id INTEGER NOT NULL REFERENCES file_pairs(id),
		date_added DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (disk_id, file_pair_id)
	);
	CREATE INDEX IF NOT EXISTS idx_placements_file_pair ON file_pair_disk_placements(file_pair_id);
	`

	if _, err := g.db.Exec(schema); err != nil {
		return fmt.Errorf("catalog: create schema: %w", err)
	}
	return nil
}

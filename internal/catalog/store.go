package catalog

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/toolhost/internal/mcp"
)

// Store persists the last successfully discovered tool listing of each
// server in SQLite so a restarted host knows about tools before their
// servers finish starting. All methods are safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Snapshot is one server's persisted listing.
type Snapshot struct {
	Server       string
	Tools        []mcp.ToolDefinition
	DiscoveredAt time.Time
}

// OpenStore opens (creating if needed) the catalog database at dbPath.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_catalog (
		server        TEXT NOT NULL,
		name          TEXT NOT NULL,
		position      INTEGER NOT NULL,
		description   TEXT NOT NULL,
		input_schema  TEXT NOT NULL,
		discovered_at TEXT NOT NULL,
		PRIMARY KEY (server, name)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save replaces the stored listing for server.
func (s *Store) Save(server string, tools []mcp.ToolDefinition, at time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("save %s: begin: %w", server, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM tool_catalog WHERE server = ?`, server); err != nil {
		return fmt.Errorf("save %s: clear: %w", server, err)
	}

	stamp := at.UTC().Format(time.RFC3339Nano)
	for i, t := range tools {
		_, err := tx.Exec(
			`INSERT INTO tool_catalog (server, name, position, description, input_schema, discovered_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (server, name) DO NOTHING`,
			server, t.Name, i, t.Description, string(t.InputSchema), stamp,
		)
		if err != nil {
			return fmt.Errorf("save %s/%s: %w", server, t.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save %s: commit: %w", server, err)
	}
	return nil
}

// Delete forgets server's listing. No error is returned if none exists.
func (s *Store) Delete(server string) error {
	if _, err := s.db.Exec(`DELETE FROM tool_catalog WHERE server = ?`, server); err != nil {
		return fmt.Errorf("delete %s: %w", server, err)
	}
	return nil
}

// Load returns every stored listing, ordered by server name. Tools keep
// the order the server advertised them in.
func (s *Store) Load() ([]Snapshot, error) {
	rows, err := s.db.Query(
		`SELECT server, name, description, input_schema, discovered_at
		 FROM tool_catalog ORDER BY server, position`,
	)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var server, name, desc, schema, stamp string
		if err := rows.Scan(&server, &name, &desc, &schema, &stamp); err != nil {
			return nil, fmt.Errorf("scan catalog: %w", err)
		}
		if len(out) == 0 || out[len(out)-1].Server != server {
			at, _ := time.Parse(time.RFC3339Nano, stamp)
			out = append(out, Snapshot{Server: server, DiscoveredAt: at})
		}
		def := mcp.ToolDefinition{Name: name, Description: desc}
		if schema != "" {
			def.InputSchema = []byte(schema)
		}
		last := &out[len(out)-1]
		last.Tools = append(last.Tools, def)
	}
	return out, rows.Err()
}

package sources

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"nodecast-proxy/work/logger"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Source types understood by the proxy layer.
const (
	TypeXtream = "xtream"
	TypeM3U    = "m3u"
	TypeEPG    = "epg"
)

// ErrNotFound is returned when a source id does not exist.
var ErrNotFound = errors.New("source not found")

// Source describes one configured upstream provider. Xtream sources carry
// credentials; m3u and epg sources are plain URLs.
type Source struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Registry is the SQLite-backed store of configured sources. Source CRUD
// itself is a thin collaborator here; the proxy layer only needs id
// resolution with type checking.
type Registry struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sources (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	name     TEXT NOT NULL,
	type     TEXT NOT NULL CHECK (type IN ('xtream', 'm3u', 'epg')),
	url      TEXT NOT NULL,
	username TEXT NOT NULL DEFAULT '',
	password TEXT NOT NULL DEFAULT ''
);
`

// Open creates or opens the sources database at path and ensures the schema
// exists.
func Open(path string) (*Registry, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sources database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sources schema: %w", err)
	}

	logger.Debug("{sources/sources - Open} Sources database ready at %s", path)
	return &Registry{db: db}, nil
}

// Close releases the underlying database handle.
func (r *Registry) Close() error {
	return r.db.Close()
}

// GetByID returns the source with the given id, or ErrNotFound.
func (r *Registry) GetByID(id int64) (*Source, error) {
	var s Source
	err := r.db.QueryRow(
		`SELECT id, name, type, url, username, password FROM sources WHERE id = ?`, id,
	).Scan(&s.ID, &s.Name, &s.Type, &s.URL, &s.Username, &s.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load source %d: %w", id, err)
	}
	return &s, nil
}

// List returns all configured sources ordered by id.
func (r *Registry) List() ([]*Source, error) {
	rows, err := r.db.Query(`SELECT id, name, type, url, username, password FROM sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var out []*Source
	for rows.Next() {
		var s Source
		if err := rows.Scan(&s.ID, &s.Name, &s.Type, &s.URL, &s.Username, &s.Password); err != nil {
			return nil, fmt.Errorf("failed to scan source row: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// Add inserts a new source and fills in its assigned id.
func (r *Registry) Add(s *Source) error {
	res, err := r.db.Exec(
		`INSERT INTO sources (name, type, url, username, password) VALUES (?, ?, ?, ?, ?)`,
		s.Name, s.Type, s.URL, s.Username, s.Password,
	)
	if err != nil {
		return fmt.Errorf("failed to insert source: %w", err)
	}
	s.ID, err = res.LastInsertId()
	return err
}

// Delete removes a source by id. Deleting an unknown id is not an error.
func (r *Registry) Delete(id int64) error {
	_, err := r.db.Exec(`DELETE FROM sources WHERE id = ?`, id)
	return err
}

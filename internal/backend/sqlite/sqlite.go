// Package sqlite implements a SQLite-backed store backend for imgshelf.
// It keeps the same read-all / write-all contract as the JSON file store:
// each record is stored as a JSON body next to its list position, and Save
// replaces every row inside one transaction so a failed write leaves the
// previous document intact.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/banux/imgshelf/internal/library"
	_ "modernc.org/sqlite" // register "sqlite" driver
)

const lastIDKey = "lastId"

// Store is a SQLite store.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and applies the schema.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	s := &Store{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return s, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS images (
    position INTEGER PRIMARY KEY,
    id       INTEGER NOT NULL UNIQUE,
    body     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`)
	return err
}

// Load returns every record in list order together with the id counter.
func (s *Store) Load() (*library.Document, error) {
	doc := library.NewDocument()

	rows, err := s.db.Query(`SELECT body FROM images ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query images: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		var img library.Image
		if err := json.Unmarshal([]byte(body), &img); err != nil {
			return nil, fmt.Errorf("decode image: %w", err)
		}
		doc.Images = append(doc.Images, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate images: %w", err)
	}

	var v string
	err = s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, lastIDKey).Scan(&v)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("query %s: %w", lastIDKey, err)
	default:
		if doc.LastID, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("parse %s %q: %w", lastIDKey, v, err)
		}
	}
	return doc, nil
}

// Save replaces all rows with doc in a single transaction.
func (s *Store) Save(doc *library.Document) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM images`); err != nil {
		return fmt.Errorf("clear images: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO images (position, id, body) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, img := range doc.Images {
		body, err := json.Marshal(img)
		if err != nil {
			return fmt.Errorf("encode image %d: %w", img.ID, err)
		}
		if _, err := stmt.Exec(i, img.ID, string(body)); err != nil {
			return fmt.Errorf("insert image %d: %w", img.ID, err)
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		lastIDKey, strconv.Itoa(doc.LastID),
	); err != nil {
		return fmt.Errorf("store %s: %w", lastIDKey, err)
	}

	return tx.Commit()
}

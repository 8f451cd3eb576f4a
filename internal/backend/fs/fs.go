// Package fs implements a file-based store backend for imgshelf.
// The whole library lives in one JSON document ({"images": [...],
// "lastId": n}) that is read on every Load and rewritten on every Save.
package fs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banux/imgshelf/internal/library"
)

// Store is a JSON-file store.
type Store struct {
	path string
}

// New returns a Store backed by the JSON file at path. The parent directory
// is created, and an empty document is written if the file does not exist.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &Store{path: path}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := s.Save(library.NewDocument()); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Path returns the location of the JSON document.
func (s *Store) Path() string {
	return s.path
}

// Load reads and decodes the document. A missing file yields an empty
// document; a file that cannot be decoded is an error so that the next Save
// does not silently replace it.
func (s *Store) Load() (*library.Document, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return library.NewDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read data: %w", err)
	}
	doc := library.NewDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(s.path), err)
	}
	if doc.Images == nil {
		doc.Images = []library.Image{}
	}
	return doc, nil
}

// Save encodes doc and replaces the file. The data is written to a temp file
// in the same directory first, then renamed over the old document.
func (s *Store) Save(doc *library.Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".data-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename data: %w", err)
	}
	return nil
}

package media

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// URLPrefix is the public path prefix of stored files.
const URLPrefix = "/uploads/"

// Files is the upload directory. Every stored image, original or service
// variant, lives directly inside it under a "<unix-ms>-<base><ext>" name.
type Files struct {
	dir string

	// Now returns the clock used for file name prefixes.
	Now func() time.Time
}

// NewFiles returns a Files rooted at dir, creating the directory if needed.
func NewFiles(dir string) (*Files, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}
	return &Files{dir: dir, Now: time.Now}, nil
}

// Dir returns the directory holding the files.
func (f *Files) Dir() string {
	return f.dir
}

// UniqueName returns a file name for base and ext that does not exist yet.
// The millisecond prefix is bumped until the name is free.
func (f *Files) UniqueName(base, ext string) string {
	base = filepath.Base(base)
	if base == "." || base == string(filepath.Separator) {
		base = ""
	}
	ms := f.Now().UnixMilli()
	for {
		name := fmt.Sprintf("%d-%s%s", ms, base, ext)
		if _, err := os.Stat(filepath.Join(f.dir, name)); os.IsNotExist(err) {
			return name
		}
		ms++
	}
}

// Save writes src under a unique name derived from base and ext and returns
// that name. The data is written to a temp file first and renamed into place.
func (f *Files) Save(base, ext string, src io.Reader) (string, error) {
	tmpPath, err := f.SaveTemp(src)
	if err != nil {
		return "", err
	}
	name := f.UniqueName(base, ext)
	if err := os.Rename(tmpPath, filepath.Join(f.dir, name)); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("rename upload: %w", err)
	}
	return name, nil
}

// SaveTemp writes src to a new temporary file inside the upload directory and
// returns its path. The caller removes it.
func (f *Files) SaveTemp(src io.Reader) (string, error) {
	tmpPath := filepath.Join(f.dir, ".upload-"+uuid.NewString()+".tmp")
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return tmpPath, nil
}

// URL returns the public path of a stored file name.
func (f *Files) URL(name string) string {
	return URLPrefix + name
}

// Path resolves a stored file name or public URL to its path on disk.
// Path components other than the base name are discarded.
func (f *Files) Path(ref string) string {
	return filepath.Join(f.dir, filepath.Base(strings.TrimPrefix(ref, URLPrefix)))
}

// Exists reports whether ref resolves to an existing regular file.
func (f *Files) Exists(ref string) bool {
	if ref == "" {
		return false
	}
	fi, err := os.Stat(f.Path(ref))
	return err == nil && fi.Mode().IsRegular()
}

// Remove deletes the file ref resolves to. A missing file is not an error.
func (f *Files) Remove(ref string) error {
	if ref == "" {
		return nil
	}
	if err := os.Remove(f.Path(ref)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %q: %w", filepath.Base(ref), err)
	}
	return nil
}

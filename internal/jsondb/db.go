// Package jsondb implements a simple JSON-document store on the
// filesystem, one document per file. Writes are atomic (written to a
// temporary file and renamed into place), so readers never observe a
// partially written document.
package jsondb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type JSONDatabase struct {
	dir  string
	perm os.FileMode
}

// New creates a JSONDatabase backed by `dir`. Documents are written
// with permissions `perm`.
func New(dir string, perm os.FileMode) *JSONDatabase {
	return &JSONDatabase{dir, perm}
}

// Read reads document `name` into `document`, returning whether it
// exists. A missing document is not an error. Passing nil for
// `document` checks existence only.
func (db *JSONDatabase) Read(name string, document interface{}) (bool, error) {
	f, err := os.Open(filepath.Join(db.dir, name+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close() //nolint:errcheck

	if document == nil {
		return true, nil
	}
	if err := json.NewDecoder(f).Decode(document); err != nil {
		return true, fmt.Errorf("error reading %s: %w", name, err)
	}
	return true, nil
}

// Write atomically writes `document` as document `name`.
func (db *JSONDatabase) Write(name string, document interface{}) error {
	tmp, err := os.CreateTemp(db.dir, "."+name+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if err := json.NewEncoder(tmp).Encode(document); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("error writing %s: %w", name, err)
	}
	if err := tmp.Chmod(db.perm); err != nil {
		tmp.Close() //nolint:errcheck
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(db.dir, name+".json"))
}

// List returns the names of all documents, sorted.
func (db *JSONDatabase) List() ([]string, error) {
	entries, err := os.ReadDir(db.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(names)
	return names, nil
}

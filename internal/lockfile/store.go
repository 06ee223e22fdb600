// Package lockfile reads and writes the discovery records ("lock files")
// that tell IDE tooling which port an endpoint listens on.
package lockfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	homedir "github.com/mitchellh/go-homedir"
)

// ErrNotFound is returned by Read when no lock file exists for the port.
var ErrNotFound = errors.New("lock file not found")

// ParseError reports a lock file that is not a JSON object.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("could not parse lock file '%s': %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// DefaultDir returns <home>/.claude/ide.
func DefaultDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("could not resolve home directory: %w", err)
	}
	return filepath.Join(home, ".claude", "ide"), nil
}

// Store keeps lock files named <port>.lock in a single directory.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the directory holding the lock files.
func (s *Store) Dir() string { return s.dir }

// Path returns the lock file path for port.
func (s *Store) Path(port int) string {
	return filepath.Join(s.dir, strconv.Itoa(port)+".lock")
}

// Read loads and parses the record for port.
func (s *Store) Read(port int) (Record, error) {
	path := s.Path(port)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("could not read lock file '%s': %w", path, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	if rec == nil {
		return nil, &ParseError{Path: path, Err: errors.New("expected a JSON object, got null")}
	}
	// Write indents nested values, so compare-friendly raw values are kept compact.
	for k, v := range rec {
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err != nil {
			return nil, &ParseError{Path: path, Err: err}
		}
		rec[k] = buf.Bytes()
	}
	return rec, nil
}

// Write persists rec as pretty-printed JSON, replacing any existing file
// atomically. Field values are written exactly as held in rec, without HTML
// escaping. Fields are ordered by name.
func (s *Store) Write(port int, rec Record) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return fmt.Errorf("could not marshal lock file: %w", err)
	}
	data := buf.Bytes()

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("could not create lock directory '%s': %w", s.dir, err)
	}

	path := s.Path(port)
	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("could not write to temporary lock file: %w", err)
	}
	if err := os.Rename(tempFile, path); err != nil {
		_ = os.Remove(tempFile)
		return fmt.Errorf("could not replace lock file '%s': %w", path, err)
	}
	return nil
}

// Delete removes the lock file for port. A missing file is not an error.
func (s *Store) Delete(port int) error {
	path := s.Path(port)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("could not remove lock file '%s': %w", path, err)
	}
	return nil
}

// Record is a discovery record. Values are kept raw so fields this program
// does not interpret are written back byte for byte.
type Record map[string]json.RawMessage

const (
	ideNameKey = "ideName"
	portKey    = "port"
)

// IDEName returns the decoded ideName field.
func (r Record) IDEName() (string, error) {
	raw, ok := r[ideNameKey]
	if !ok {
		return "", fmt.Errorf("lock file has no '%s' field", ideNameKey)
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return "", fmt.Errorf("lock file field '%s' is not a string: %w", ideNameKey, err)
	}
	return name, nil
}

// Port returns the decoded port field.
func (r Record) Port() (int, error) {
	raw, ok := r[portKey]
	if !ok {
		return 0, fmt.Errorf("lock file has no '%s' field", portKey)
	}
	var port int
	if err := json.Unmarshal(raw, &port); err != nil {
		return 0, fmt.Errorf("lock file field '%s' is not an integer: %w", portKey, err)
	}
	return port, nil
}

// Derive builds the proxy's record from the target's: every field is copied,
// ideName gets suffix appended and port is replaced.
func Derive(target Record, suffix string, port int) (Record, error) {
	name, err := target.IDEName()
	if err != nil {
		return nil, err
	}

	out := make(Record, len(target))
	for k, v := range target {
		out[k] = append(json.RawMessage(nil), v...)
	}

	var encodedName bytes.Buffer
	enc := json.NewEncoder(&encodedName)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(name + suffix); err != nil {
		return nil, err
	}
	out[ideNameKey] = bytes.TrimRight(encodedName.Bytes(), "\n")
	out[portKey] = json.RawMessage(strconv.Itoa(port))
	return out, nil
}

// equal reports whether a and b hold the same fields with identical raw values.
func equal(a, b Record) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !bytes.Equal(v, w) {
			return false
		}
	}
	return true
}

// Package artifact persists rendered previews as files named
// preview_<id>.<ext> inside a single directory.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const filePrefix = "preview_"

// ErrNotFound is returned by Load when the artifact file does not exist.
var ErrNotFound = errors.New("artifact not found")

// IOError wraps a filesystem failure while writing or removing an artifact.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("artifact %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Store is a directory of persisted preview files. Each record id owns a
// disjoint file so no locking is needed between ids.
type Store struct {
	dir    string
	logger *slog.Logger
}

// New returns a Store rooted at dir. The directory is created lazily on the
// first Persist.
func New(dir string) *Store {
	return &Store{dir: dir, logger: slog.Default()}
}

// SetLogger replaces the logger used for best-effort cleanup messages.
func (s *Store) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

func (s *Store) Dir() string { return s.dir }

// FileName returns the deterministic file name for id and ext.
func FileName(id, ext string) string {
	return filePrefix + id + "." + ext
}

// ParseFileName extracts the record id and extension from a file name that
// follows the preview_<id>.<ext> convention.
func ParseFileName(name string) (id, ext string, ok bool) {
	rest, found := strings.CutPrefix(name, filePrefix)
	if !found {
		return "", "", false
	}
	dot := strings.LastIndexByte(rest, '.')
	if dot <= 0 || dot == len(rest)-1 {
		return "", "", false
	}
	return rest[:dot], rest[dot+1:], true
}

// Path returns the absolute location of the artifact for id and ext.
func (s *Store) Path(id, ext string) string {
	return filepath.Join(s.dir, FileName(id, ext))
}

// URI converts a filesystem path to a file:// URI.
func URI(path string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	return u.String()
}

// PathFromURI resolves a file:// URI (or a bare path) to a filesystem path.
func PathFromURI(uri string) (string, error) {
	if uri == "" {
		return "", fmt.Errorf("empty artifact location")
	}
	if !strings.Contains(uri, "://") {
		return filepath.Clean(uri), nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parsing artifact location %q: %w", uri, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("unsupported artifact scheme %q", u.Scheme)
	}
	return filepath.FromSlash(u.Path), nil
}

// Persist writes data as the artifact for id, replacing any previous file for
// the same id (including one written with a different extension), and
// returns its file:// URI. The write goes through a temp file and a rename so
// a reader never observes a partial image.
func (s *Store) Persist(id string, data []byte, ext string) (string, error) {
	if err := validID(id); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", &IOError{Op: "mkdir", Path: s.dir, Err: err}
	}

	path := s.Path(id, ext)
	tmp, err := os.CreateTemp(s.dir, "."+filePrefix+id+"-*.tmp")
	if err != nil {
		return "", &IOError{Op: "create", Path: path, Err: err}
	}
	tmpPath := tmp.Name()

	_, err = tmp.Write(data)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return "", &IOError{Op: "write", Path: path, Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", &IOError{Op: "rename", Path: path, Err: err}
	}

	s.removeSiblings(id, ext)
	return URI(path), nil
}

// removeSiblings deletes files for id written under another extension.
func (s *Store) removeSiblings(id, keepExt string) {
	matches, err := filepath.Glob(filepath.Join(s.dir, filePrefix+id+".*"))
	if err != nil {
		return
	}
	for _, m := range matches {
		gotID, ext, ok := ParseFileName(filepath.Base(m))
		if !ok || gotID != id || ext == keepExt {
			continue
		}
		if err := os.Remove(m); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("removing stale artifact", "path", m, "error", err)
		}
	}
}

// Load reads the artifact at uri. A missing file yields ErrNotFound.
func (s *Store) Load(uri string) ([]byte, error) {
	path, err := PathFromURI(uri)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, &IOError{Op: "read", Path: path, Err: err}
	}
	return data, nil
}

// Delete removes the artifact at uri. A missing file is not an error.
func (s *Store) Delete(uri string) error {
	if uri == "" {
		return nil
	}
	path, err := PathFromURI(uri)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &IOError{Op: "remove", Path: path, Err: err}
	}
	return nil
}

// ReclaimOrphans deletes every artifact whose embedded id is not in known
// and returns how many files were removed. Files that do not follow the
// naming convention are left alone. A missing directory reclaims nothing.
func (s *Store) ReclaimOrphans(known map[string]struct{}) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, &IOError{Op: "readdir", Path: s.dir, Err: err}
	}

	var reclaimed int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, _, ok := ParseFileName(e.Name())
		if !ok {
			continue
		}
		if _, live := known[id]; live {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("reclaiming orphan artifact", "path", path, "error", err)
			continue
		}
		s.logger.Debug("reclaimed orphan artifact", "record_id", id, "path", path)
		reclaimed++
	}
	return reclaimed, nil
}

func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid artifact id %q", id)
	}
	return nil
}

package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	json "github.com/goccy/go-json"

	"github.com/axels2025/naked-put-agent/internal/models"
)

// SessionStore persists Session recovery markers as one JSON file per session, using
// the teacher's atomic-rename-with-EXDEV-fallback write pattern so a crash mid-write
// never leaves a marker half-written. A completed session's marker is renamed with a
// ".done" suffix so SessionStore.Resumable only ever enumerates sessions that stopped
// mid-cycle, per §3's recovery requirement.
type SessionStore struct {
	mu  sync.Mutex
	dir string
}

// NewSessionStore creates (if needed) dir and returns a SessionStore rooted there.
func NewSessionStore(dir string) (*SessionStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &SessionStore{dir: dir}, nil
}

func (s *SessionStore) markerPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *SessionStore) donePath(id string) string {
	return filepath.Join(s.dir, id+".done.json")
}

// Save writes sess's current state to its marker file. If sess has been completed,
// the marker is moved to its ".done" path instead and any in-flight marker removed.
func (s *SessionStore) Save(sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.markerPath(sess.ID)
	if sess.IsCompleted() {
		target = s.donePath(sess.ID)
	}
	if err := writeAtomic(target, sess); err != nil {
		return err
	}
	if sess.IsCompleted() {
		if err := os.Remove(s.markerPath(sess.ID)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove in-flight marker: %w", err)
		}
	}
	return nil
}

// Load reads back a session's marker (in-flight first, then its completed form).
func (s *SessionStore) Load(id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, path := range []string{s.markerPath(id), s.donePath(id)} {
		data, err := os.ReadFile(path) // #nosec G304 - path built from this store's own dir
		if err == nil {
			var sess models.Session
			if err := json.Unmarshal(data, &sess); err != nil {
				return nil, fmt.Errorf("decode session %s: %w", id, err)
			}
			return &sess, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read session %s: %w", id, err)
		}
	}
	return nil, ErrNotFound
}

// Resumable returns every session whose marker is still in-flight (no ".done"
// counterpart), the set Orchestrator.RecoverResumable logs at startup.
func (s *SessionStore) Resumable() ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}

	var out []*models.Session
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" || filepath.Ext(name[:len(name)-len(".json")]) == ".done" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name)) // #nosec G304 - enumerated from this store's own dir
		if err != nil {
			return nil, fmt.Errorf("read session marker %s: %w", name, err)
		}
		var sess models.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return nil, fmt.Errorf("decode session marker %s: %w", name, err)
		}
		out = append(out, &sess)
	}
	return out, nil
}

// writeAtomic encodes v as indented JSON into a temp file in dir's directory, then
// renames it into place, falling back to a copy when rename fails with EXDEV (e.g. the
// temp dir and target live on different filesystems).
func writeAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return fmt.Errorf("create temp marker: %w", err)
	}
	tmpFile := f.Name()
	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpFile)
		return fmt.Errorf("chmod temp marker: %w", err)
	}

	defer func() {
		if tmpFile != "" {
			_ = os.Remove(tmpFile)
		}
	}()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode marker: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync temp marker: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp marker: %w", err)
	}

	dirSynced := false
	if err := os.Rename(tmpFile, path); err != nil {
		var linkErr *os.LinkError
		if errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV) {
			if err := copyFile(tmpFile, path); err != nil {
				return fmt.Errorf("copy marker across devices: %w", err)
			}
			dirSynced = true
		} else {
			return fmt.Errorf("rename temp marker: %w", err)
		}
	}
	tmpFile = ""

	if !dirSynced {
		if err := syncDir(dir); err != nil {
			return fmt.Errorf("sync session dir: %w", err)
		}
	}
	return nil
}

// copyFile copies src to dst and fsyncs both the file and its parent directory.
func copyFile(src, dst string) error {
	srcFile, err := os.Open(src) // #nosec G304 - src is a temp file this package just created
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstDir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dstDir, ".session-copy-*")
	if err != nil {
		return fmt.Errorf("create copy temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, srcFile); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("copy marker: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync copy temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close copy temp: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("rename copy into place: %w", err)
	}
	tmpName = ""
	return syncDir(dstDir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir) // #nosec G304 - dir is this package's own configured session dir
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

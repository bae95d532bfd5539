// Package metadata implements the filesystem-backed session record
// store: one flat key=value file per session, the only durable state
// the engine keeps.
package metadata

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Well-known record keys read by the engine core.
const (
	KeyWorktree      = "worktree"
	KeyBranch        = "branch"
	KeyStatus        = "status"
	KeyIssue         = "issue"
	KeyPR            = "pr"
	KeySummary       = "summary"
	KeyProject       = "project"
	KeyCreatedAt     = "createdAt"
	KeyRuntimeHandle = "runtimeHandle"
)

// ErrExists is returned by Reserve when the session id is taken.
var ErrExists = errors.New("session metadata already exists")

// ErrNotFound is returned when no record exists for a session id.
var ErrNotFound = errors.New("session metadata not found")

const sessionsDirSuffix = "-sessions"

// archiveTimeLayout is UTC second precision, used in archive filenames.
const archiveTimeLayout = "2006-01-02T15:04:05Z"

// Record is one session's metadata plus where it came from.
type Record struct {
	ProjectID string
	SessionID string
	Values    map[string]string
}

// Store reads and writes session records under a data directory.
type Store struct {
	dataDir string
}

// NewStore creates a store rooted at dataDir.
func NewStore(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

// DataDir returns the store root.
func (s *Store) DataDir() string { return s.dataDir }

// SessionsDir returns the per-project directory of live records.
func (s *Store) SessionsDir(projectID string) string {
	return filepath.Join(s.dataDir, projectID+sessionsDirSuffix)
}

// Path returns the live record path for a session.
func (s *Store) Path(projectID, sessionID string) string {
	return filepath.Join(s.SessionsDir(projectID), sessionID)
}

// Reserve atomically claims a session id by creating its record file
// with O_CREAT|O_EXCL. Concurrent spawns contend here; the loser gets
// ErrExists.
func (s *Store) Reserve(projectID, sessionID string) error {
	dir := s.SessionsDir(projectID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating sessions dir: %w", err)
	}
	f, err := os.OpenFile(s.Path(projectID, sessionID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return ErrExists
		}
		return fmt.Errorf("reserving session id %s: %w", sessionID, err)
	}
	return f.Close()
}

// Release removes a reserved record. Used to back out of a failed
// spawn; missing files are not an error.
func (s *Store) Release(projectID, sessionID string) error {
	err := os.Remove(s.Path(projectID, sessionID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Write replaces the whole record. Keys with empty values are omitted,
// matching the rule that absent values are never written.
func (s *Store) Write(projectID, sessionID string, values map[string]string) error {
	dir := s.SessionsDir(projectID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating sessions dir: %w", err)
	}
	path := s.Path(projectID, sessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, Encode(values), 0o600); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing metadata: %w", err)
	}
	return nil
}

// Read loads a record's key=value pairs.
func (s *Store) Read(projectID, sessionID string) (map[string]string, error) {
	data, err := os.ReadFile(s.Path(projectID, sessionID)) //nolint:gosec // path derived from store root
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading metadata: %w", err)
	}
	return Parse(data), nil
}

// Update merges updates into the stored record and rewrites it
// atomically. An empty value removes the key.
func (s *Store) Update(projectID, sessionID string, updates map[string]string) error {
	values, err := s.Read(projectID, sessionID)
	if err != nil {
		return err
	}
	for k, v := range updates {
		if v == "" {
			delete(values, k)
			continue
		}
		values[k] = v
	}
	return s.Write(projectID, sessionID, values)
}

// Archive renames the live record into the project's archive directory
// as <sessionId>_<ISO-utc-second>. Archived records are never read by
// the engine.
func (s *Store) Archive(projectID, sessionID string, now time.Time) (string, error) {
	src := s.Path(projectID, sessionID)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	archiveDir := filepath.Join(s.SessionsDir(projectID), "archive")
	if err := os.MkdirAll(archiveDir, 0o750); err != nil {
		return "", fmt.Errorf("creating archive dir: %w", err)
	}
	dst := filepath.Join(archiveDir, sessionID+"_"+now.UTC().Format(archiveTimeLayout))
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("archiving metadata: %w", err)
	}
	return dst, nil
}

// List returns every live record, optionally filtered by project.
// Projects are discovered from the <projectId>-sessions directory
// naming convention. An empty or missing data dir yields an empty
// slice, not an error.
func (s *Store) List(projectID string) ([]Record, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading data dir: %w", err)
	}

	var records []Record
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), sessionsDirSuffix) {
			continue
		}
		pid := strings.TrimSuffix(e.Name(), sessionsDirSuffix)
		if projectID != "" && pid != projectID {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.dataDir, e.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || strings.HasSuffix(f.Name(), ".tmp") {
				continue
			}
			values, err := s.Read(pid, f.Name())
			if err != nil {
				continue
			}
			records = append(records, Record{ProjectID: pid, SessionID: f.Name(), Values: values})
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].ProjectID != records[j].ProjectID {
			return records[i].ProjectID < records[j].ProjectID
		}
		return records[i].SessionID < records[j].SessionID
	})
	return records, nil
}

// Find locates a session record by id across all projects.
func (s *Store) Find(sessionID string) (*Record, error) {
	records, err := s.List("")
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].SessionID == sessionID {
			return &records[i], nil
		}
	}
	return nil, ErrNotFound
}

// Encode serializes a record: one key=value per line, LF-terminated,
// sorted keys, empty values omitted. Values must not contain LF.
func Encode(values map[string]string) []byte {
	keys := make([]string, 0, len(values))
	for k, v := range values {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(values[k])
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// Parse decodes a record. Only the first '=' separates key from value,
// so values may contain '='. Empty lines are ignored.
func Parse(data []byte) map[string]string {
	values := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok || k == "" {
			continue
		}
		values[k] = v
	}
	return values
}

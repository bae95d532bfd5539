package metadata

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeParse_RoundTrip(t *testing.T) {
	values := map[string]string{
		"status":  "working",
		"project": "my-app",
		"branch":  "feat/INT-100",
		"empty":   "",
	}
	parsed := Parse(Encode(values))

	assert.Equal(t, "working", parsed["status"])
	assert.Equal(t, "my-app", parsed["project"])
	assert.Equal(t, "feat/INT-100", parsed["branch"])
	// Empty values are omitted on write.
	_, ok := parsed["empty"]
	assert.False(t, ok)
}

func TestEncode_TrailingNewline(t *testing.T) {
	out := Encode(map[string]string{"a": "1", "b": "2"})
	require.NotEmpty(t, out)
	assert.Equal(t, byte('\n'), out[len(out)-1])
	assert.NotContains(t, string(out), "\n\n")
}

func TestParse_ValueContainingEquals(t *testing.T) {
	parsed := Parse([]byte("summary=key=value pair\n"))
	assert.Equal(t, "key=value pair", parsed["summary"])
}

func TestParse_EmptyLinesIgnored(t *testing.T) {
	parsed := Parse([]byte("\na=1\n\nb=2\n\n"))
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, parsed)
}

func TestStore_WriteRead(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Write("my-app", "app-1", map[string]string{
		"status": "spawning",
		"pr":     "https://github.com/acme/widget/pull/7",
	}))

	got, err := s.Read("my-app", "app-1")
	require.NoError(t, err)
	assert.Equal(t, "spawning", got["status"])
	assert.Equal(t, "https://github.com/acme/widget/pull/7", got["pr"])
}

func TestStore_ReadMissing(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.Read("my-app", "app-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ReserveCollision(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Reserve("my-app", "app-1"))
	assert.ErrorIs(t, s.Reserve("my-app", "app-1"), ErrExists)

	// Release frees the id for reuse.
	require.NoError(t, s.Release("my-app", "app-1"))
	assert.NoError(t, s.Reserve("my-app", "app-1"))
}

func TestStore_Update_MergesAndDeletes(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Write("my-app", "app-1", map[string]string{
		"status": "spawning",
		"issue":  "INT-100",
	}))

	require.NoError(t, s.Update("my-app", "app-1", map[string]string{
		"status": "working",
		"issue":  "",
	}))

	got, err := s.Read("my-app", "app-1")
	require.NoError(t, err)
	assert.Equal(t, "working", got["status"])
	_, ok := got["issue"]
	assert.False(t, ok)
}

func TestStore_Archive(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	require.NoError(t, s.Write("my-app", "app-1", map[string]string{"status": "killed"}))

	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	archived, err := s.Archive("my-app", "app-1", now)
	require.NoError(t, err)
	assert.Equal(t, "app-1_2026-03-14T09:26:53Z", filepath.Base(archived))

	// Live file is gone, exactly one archive entry exists.
	_, err = s.Read("my-app", "app-1")
	assert.ErrorIs(t, err, ErrNotFound)
	entries, err := os.ReadDir(filepath.Join(dir, "my-app-sessions", "archive"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "app-1_"))
}

func TestStore_ArchiveMissing(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.Archive("my-app", "app-9", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_List(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Write("my-app", "app-1", map[string]string{"status": "working"}))
	require.NoError(t, s.Write("my-app", "app-2", map[string]string{"status": "pr_open"}))
	require.NoError(t, s.Write("other", "web-1", map[string]string{"status": "working"}))

	all, err := s.List("")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	mine, err := s.List("my-app")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "app-1", mine[0].SessionID)
	assert.Equal(t, "my-app", mine[0].ProjectID)
}

func TestStore_List_MissingDataDir(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "nope"))
	records, err := s.List("")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestStore_List_IgnoresArchive(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Write("my-app", "app-1", map[string]string{"status": "killed"}))
	_, err := s.Archive("my-app", "app-1", time.Now())
	require.NoError(t, err)

	records, err := s.List("")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestStore_Find(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Write("my-app", "app-1", map[string]string{"status": "working"}))

	rec, err := s.Find("app-1")
	require.NoError(t, err)
	assert.Equal(t, "my-app", rec.ProjectID)

	_, err = s.Find("app-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "notes.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestCreate_OnlyOnce keeps the first content when a note is created twice.
func TestCreate_OnlyOnce(t *testing.T) {
	s := openTemp(t)
	created, err := s.Create(t.Context(), "n1", "hello")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.Create(t.Context(), "n1", "other")
	require.NoError(t, err)
	assert.False(t, created)

	n, err := s.Get(t.Context(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "hello", n.Content)
	assert.Empty(t, n.State)
}

// TestGet_Missing returns ErrNotFound.
func TestGet_Missing(t *testing.T) {
	s := openTemp(t)
	_, err := s.Get(t.Context(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestPersist_ReportsChanges writes content and state and reports no-op writes as unchanged.
func TestPersist_ReportsChanges(t *testing.T) {
	s := openTemp(t)
	_, err := s.Create(t.Context(), "n1", "hello")
	require.NoError(t, err)

	changed, err := s.Persist(t.Context(), "n1", "hello!", []byte{1, 2, 3})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.Persist(t.Context(), "n1", "hello!", []byte{1, 2, 3})
	require.NoError(t, err)
	assert.False(t, changed)

	n, err := s.Get(t.Context(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "hello!", n.Content)
	assert.Equal(t, []byte{1, 2, 3}, n.State)
	assert.False(t, n.UpdatedAt.IsZero())

	_, err = s.Persist(t.Context(), "missing", "x", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestDeleteAndList covers listing and deletion.
func TestDeleteAndList(t *testing.T) {
	s := openTemp(t)
	for _, id := range []string{"b", "a"} {
		_, err := s.Create(t.Context(), id, "")
		require.NoError(t, err)
	}
	ids, err := s.List(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	require.NoError(t, s.Delete(t.Context(), "a"))
	assert.ErrorIs(t, s.Delete(t.Context(), "a"), ErrNotFound)
	ids, err = s.List(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)
}

// TestOpen_InMemory shares one database across calls.
func TestOpen_InMemory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Create(t.Context(), "n", "x")
	require.NoError(t, err)
	_, err = s.Get(t.Context(), "n")
	assert.NoError(t, err)
}

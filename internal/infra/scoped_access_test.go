package infra

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/resticd/internal/domain"
)

func writeTempFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("content"), 0600))
	return path
}

func TestScopedAccessLifecycle(t *testing.T) {
	path := writeTempFile(t, "target")
	registry := NewAccessRegistry()

	scope, err := NewScopedAccess(path, registry)
	require.NoError(t, err)
	assert.False(t, scope.IsAccessing())

	require.NoError(t, scope.StartAccessing())
	assert.True(t, scope.IsAccessing())
	assert.Equal(t, 1, registry.ActiveCount())

	// Starting twice is idempotent: no double-increment.
	require.NoError(t, scope.StartAccessing())
	assert.Equal(t, 1, registry.ActiveCount())

	scope.StopAccessing()
	assert.False(t, scope.IsAccessing())
	assert.Equal(t, 0, registry.ActiveCount())

	// Stopping twice in a row is safe.
	scope.StopAccessing()
	assert.Equal(t, 0, registry.ActiveCount())
}

func TestScopedAccessMissingTarget(t *testing.T) {
	_, err := NewScopedAccess(filepath.Join(t.TempDir(), "missing"), NewAccessRegistry())
	assert.ErrorIs(t, err, domain.ErrBookmarkInvalid)
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	path := writeTempFile(t, "target")
	scope, err := NewScopedAccess(path, NewAccessRegistry())
	require.NoError(t, err)

	scope.StopAccessing()
	assert.False(t, scope.IsAccessing())
}

func TestBookmarkRoundTrip(t *testing.T) {
	path := writeTempFile(t, "target")
	registry := NewAccessRegistry()

	scope, err := NewScopedAccess(path, registry)
	require.NoError(t, err)

	data, err := scope.Bookmark()
	require.NoError(t, err)

	resolver := NewScopeResolver(registry)
	resolved, err := resolver.FromBookmark(data)
	require.NoError(t, err)
	assert.Equal(t, path, resolved.Path())
	assert.False(t, resolved.(*ScopedAccess).IsDirectory())
}

func TestBookmarkDirectoryRoundTrip(t *testing.T) {
	dir := t.TempDir()

	data, err := CreateBookmark(dir)
	require.NoError(t, err)

	resolved, err := NewScopeResolver(NewAccessRegistry()).FromBookmark(data)
	require.NoError(t, err)
	assert.Equal(t, dir, resolved.Path())
	assert.True(t, resolved.(*ScopedAccess).IsDirectory())
}

func TestStaleBookmark(t *testing.T) {
	path := writeTempFile(t, "target")

	data, err := CreateBookmark(path)
	require.NoError(t, err)

	// Replace the file: same path, new inode. The bookmark must report
	// stale, never a usable scope.
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.WriteFile(path, []byte("replacement"), 0600))

	_, err = NewScopeResolver(NewAccessRegistry()).FromBookmark(data)
	assert.ErrorIs(t, err, domain.ErrBookmarkStale)
}

func TestInvalidBookmark(t *testing.T) {
	resolver := NewScopeResolver(NewAccessRegistry())

	_, err := resolver.FromBookmark([]byte("not-base64!!"))
	assert.ErrorIs(t, err, domain.ErrBookmarkInvalid)

	// Well-formed blob pointing at a deleted target.
	path := writeTempFile(t, "gone")
	data, err := CreateBookmark(path)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	_, err = resolver.FromBookmark(data)
	assert.ErrorIs(t, err, domain.ErrBookmarkInvalid)
}

func TestStartAccessingFailureLeavesStateClean(t *testing.T) {
	path := writeTempFile(t, "target")
	registry := NewAccessRegistry()
	scope, err := NewScopedAccess(path, registry)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))

	err = scope.StartAccessing()
	assert.ErrorIs(t, err, domain.ErrAccessDenied)
	assert.False(t, scope.IsAccessing())
	assert.Equal(t, 0, registry.ActiveCount())
}

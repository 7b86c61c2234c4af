package vault

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := Open(filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func TestSetGetUnset(t *testing.T) {
	v := openTestVault(t)

	require.NoError(t, v.Set("blog", "API_KEY", "sekrit"))

	got, ok, err := v.Get("blog", "API_KEY")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sekrit", got)

	// Absent project and absent key both report not-found, not error.
	_, ok, err = v.Get("other", "API_KEY")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, v.Unset("blog", "API_KEY"))
	_, ok, _ = v.Get("blog", "API_KEY")
	assert.False(t, ok)

	// Unsetting twice is fine.
	require.NoError(t, v.Unset("blog", "API_KEY"))
}

func TestProjectIsolation(t *testing.T) {
	v := openTestVault(t)
	require.NoError(t, v.Set("a", "SHARED_NAME", "for-a"))
	require.NoError(t, v.Set("b", "SHARED_NAME", "for-b"))

	got, _, _ := v.Get("a", "SHARED_NAME")
	assert.Equal(t, "for-a", got)
	got, _, _ = v.Get("b", "SHARED_NAME")
	assert.Equal(t, "for-b", got)
}

func TestAllAndKeys(t *testing.T) {
	v := openTestVault(t)
	require.NoError(t, v.Set("blog", "A", "1"))
	require.NoError(t, v.Set("blog", "B", "2"))

	all, err := v.All("blog")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, all)

	keys, err := v.Keys("blog")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B"}, keys)
}

func TestDeleteProject(t *testing.T) {
	v := openTestVault(t)
	require.NoError(t, v.Set("doomed", "KEY", "value"))
	require.NoError(t, v.DeleteProject("doomed"))

	all, err := v.All("doomed")
	require.NoError(t, err)
	assert.Empty(t, all)

	// Deleting a never-seen project is a no-op.
	require.NoError(t, v.DeleteProject("ghost"))
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveLayout_CreatesMissingDirectories(t *testing.T) {
	root := t.TempDir()
	configRoot := filepath.Join(root, "joal")

	layout, err := ResolveLayout(configRoot)
	require.NoError(t, err)

	assert.DirExists(t, layout.TorrentsDir)
	assert.DirExists(t, layout.ArchivedTorrentsDir)
	assert.DirExists(t, layout.ClientsDir)
}

func TestResolveLayout_IsIdempotent(t *testing.T) {
	root := t.TempDir()

	_, err := ResolveLayout(root)
	require.NoError(t, err)

	layout, err := ResolveLayout(root)
	require.NoError(t, err)
	assert.DirExists(t, layout.ArchivedTorrentsDir)
}

func TestResolveLayout_FailsIfArchivedPathIsAFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "torrents"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "torrents", "archived"), []byte("not a dir"), 0644))

	_, err := ResolveLayout(root)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigInvalid)
}

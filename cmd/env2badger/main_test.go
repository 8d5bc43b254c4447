package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/gpubid/pkg/secretstore"
)

func TestImportEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte(`# vast credentials
VAST_API_KEY="abc123"
VAST_TEMPLATE_HASH=tmpl
EMPTY=
`), 0o600))

	key := strings.Repeat("0f", 32)
	dbPath := filepath.Join(dir, "secrets.badger")
	var out bytes.Buffer
	require.NoError(t, importEnv(envPath, dbPath, key, &out))
	assert.Contains(t, out.String(), "已导入 2 项")
	assert.Contains(t, out.String(), "VAST_API_KEY, VAST_TEMPLATE_HASH")

	keyBytes, err := secretstore.ParseKey(key)
	require.NoError(t, err)
	store, err := secretstore.Open(secretstore.OpenOptions{Path: dbPath, EncryptionKey: keyBytes, ReadOnly: true})
	require.NoError(t, err)
	defer store.Close()

	v, ok, err := store.LookupEnv("VAST_API_KEY")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc123", v)

	_, ok, err = store.LookupEnv("EMPTY")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestImportEnvRequiresKey(t *testing.T) {
	err := importEnv(filepath.Join(t.TempDir(), ".env"), filepath.Join(t.TempDir(), "db"), "", &bytes.Buffer{})
	assert.ErrorContains(t, err, "secret key is required")
}

func TestImportEnvMissingFile(t *testing.T) {
	err := importEnv(filepath.Join(t.TempDir(), "missing.env"), filepath.Join(t.TempDir(), "db"), strings.Repeat("0f", 32), &bytes.Buffer{})
	assert.Error(t, err)
}

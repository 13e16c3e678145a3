package identity

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndLoad(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	created, err := store.Create("hunter2", "alice", "linux")
	require.NoError(t, err)
	assert.Len(t, created.PublicKey, 32)
	assert.Len(t, created.SecretKey, 64)
	assert.NotEmpty(t, created.Mnemonic)
	require.Len(t, created.Devices, 1)
	assert.True(t, created.Devices[0].IsCurrent)
	assert.Equal(t, "linux", created.Devices[0].Platform)

	loaded, err := store.Load("hunter2")
	require.NoError(t, err)
	assert.Equal(t, created.PublicKey, loaded.PublicKey)
	assert.Equal(t, created.SecretKey, loaded.SecretKey)
	assert.Equal(t, created.Mnemonic, loaded.Mnemonic)
	assert.Equal(t, "alice", loaded.Handle)
}

func TestLoadWrongPassword(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Create("correct", "alice", "linux")
	require.NoError(t, err)

	_, err = store.Load("incorrect")
	assert.ErrorIs(t, err, ErrWrongPassword)
}

func TestLoadMissing(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Load("anything")
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestCreateRefusesOverwrite(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Create("pw", "alice", "linux")
	require.NoError(t, err)

	_, err = store.Create("pw", "bob", "linux")
	assert.Error(t, err)
}

func TestMnemonicRegeneratesKeypair(t *testing.T) {
	id, err := New("alice", "linux")
	require.NoError(t, err)

	regenerated, err := FromMnemonic(id.Mnemonic, "alice-elsewhere", "darwin")
	require.NoError(t, err)

	assert.True(t, bytes.Equal(id.PublicKey, regenerated.PublicKey), "public key must regenerate from mnemonic")
	assert.True(t, bytes.Equal(id.SecretKey, regenerated.SecretKey), "secret key must regenerate from mnemonic")
}

func TestFromMnemonicRejectsGarbage(t *testing.T) {
	_, err := FromMnemonic("not a valid mnemonic at all", "alice", "linux")
	assert.Error(t, err)
}

func TestUpdateAllowedFieldsOnly(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	created, err := store.Create("pw", "alice", "linux")
	require.NoError(t, err)

	updated, err := store.Update("pw", map[string]interface{}{
		"handle":    "alice2",
		"color":     "#ff8800",
		"icon":      "fox",
		"mnemonic":  "attacker controlled",
		"secretKey": "AAAA",
		"publicKey": "BBBB",
	})
	require.NoError(t, err)

	assert.Equal(t, "alice2", updated.Handle)
	assert.Equal(t, "#ff8800", updated.Color)
	assert.Equal(t, "fox", updated.Icon)
	assert.Equal(t, created.Mnemonic, updated.Mnemonic, "mnemonic must not be writable")
	assert.Equal(t, created.SecretKey, updated.SecretKey, "secret key must not be writable")
	assert.Equal(t, created.PublicKey, updated.PublicKey, "public key must not be writable")

	// Changes survive a reload.
	loaded, err := store.Load("pw")
	require.NoError(t, err)
	assert.Equal(t, "alice2", loaded.Handle)
}

func TestExportImport(t *testing.T) {
	srcStore, err := NewStore(t.TempDir())
	require.NoError(t, err)

	original, err := srcStore.Create("store-pw", "alice", "linux")
	require.NoError(t, err)

	blob, err := srcStore.Export("store-pw", "export-pw")
	require.NoError(t, err)

	dstStore, err := NewStore(t.TempDir())
	require.NoError(t, err)

	imported, err := dstStore.Import(blob, "export-pw", "new-store-pw", "darwin")
	require.NoError(t, err)

	assert.Equal(t, original.PublicKey, imported.PublicKey)
	assert.Equal(t, original.SecretKey, imported.SecretKey)
	assert.Equal(t, original.Mnemonic, imported.Mnemonic)
	assert.Equal(t, "alice", imported.Handle)
	require.Len(t, imported.Devices, 1)
	assert.Equal(t, "darwin", imported.Devices[0].Platform)
	assert.True(t, imported.Devices[0].IsCurrent)

	// Importing persisted the record under the new store passphrase.
	loaded, err := dstStore.Load("new-store-pw")
	require.NoError(t, err)
	assert.Equal(t, original.PublicKey, loaded.PublicKey)
}

func TestImportWrongPassword(t *testing.T) {
	srcStore, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = srcStore.Create("store-pw", "alice", "linux")
	require.NoError(t, err)

	blob, err := srcStore.Export("store-pw", "export-pw")
	require.NoError(t, err)

	dstStore, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = dstStore.Import(blob, "wrong-pw", "new-store-pw", "darwin")
	assert.ErrorIs(t, err, ErrWrongPassword)
}

func TestUnsupportedVersion(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	raw, err := json.Marshal(map[string]interface{}{"version": 99, "encrypted": "AAAA"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, identityFile), raw, 0o600))

	_, err = store.Load("pw")
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestDelete(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Create("pw", "alice", "linux")
	require.NoError(t, err)
	assert.True(t, store.Exists())

	require.NoError(t, store.Delete())
	assert.False(t, store.Exists())

	err = store.Delete()
	assert.True(t, errors.Is(err, ErrNoIdentity))
}

func TestFilePermissions(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	_, err = store.Create("pw", "alice", "linux")
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, identityFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSealedFileLeaksNothing(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	created, err := store.Create("pw", "alice-the-handle", "linux")
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, identityFile))
	require.NoError(t, err)

	assert.NotContains(t, string(raw), created.Mnemonic)
	assert.NotContains(t, string(raw), "alice-the-handle")
	assert.NotContains(t, string(raw), created.PublicKeyHex())
}

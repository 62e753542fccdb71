package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func writeKey(t *testing.T, block *pem.Block, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func newKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return priv
}

func TestCheckIdentity(t *testing.T) {
	block, err := ssh.MarshalPrivateKey(newKey(t), "test")
	require.NoError(t, err)

	assert.NoError(t, CheckIdentity(writeKey(t, block, 0o600)))
	assert.ErrorIs(t, CheckIdentity(writeKey(t, block, 0o644)), ErrIdentity)
}

func TestCheckIdentityPassphrase(t *testing.T) {
	block, err := ssh.MarshalPrivateKeyWithPassphrase(newKey(t), "test", []byte("secret"))
	require.NoError(t, err)
	assert.NoError(t, CheckIdentity(writeKey(t, block, 0o600)))
}

func TestCheckIdentityInvalid(t *testing.T) {
	dir := t.TempDir()

	assert.ErrorIs(t, CheckIdentity(filepath.Join(dir, "missing")), ErrIdentity)
	assert.ErrorIs(t, CheckIdentity(dir), ErrIdentity)

	garbage := filepath.Join(dir, "garbage")
	require.NoError(t, os.WriteFile(garbage, []byte("not a key"), 0o600))
	assert.ErrorIs(t, CheckIdentity(garbage), ErrIdentity)
}

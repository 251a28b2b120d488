package snapshot

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKeyID = []byte{1, 2, 3, 4, 5, 6, 7, 8}

// signFile writes a legacy (non prehashed) minisign signature next to path.
func signFile(t *testing.T, priv ed25519.PrivateKey, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	const trusted = "snapshot test"
	sig := ed25519.Sign(priv, data)
	global := ed25519.Sign(priv, append(append([]byte(nil), sig...), trusted...))

	blob := append(append([]byte("Ed"), testKeyID...), sig...)
	content := "untrusted comment: signature\n" +
		base64.StdEncoding.EncodeToString(blob) + "\n" +
		"trusted comment: " + trusted + "\n" +
		base64.StdEncoding.EncodeToString(global) + "\n"
	require.NoError(t, os.WriteFile(path+SignatureExt, []byte(content), 0644))
}

func encodeKey(pub ed25519.PublicKey) string {
	blob := append(append([]byte("Ed"), testKeyID...), pub...)
	return base64.StdEncoding.EncodeToString(blob)
}

func TestVerifier_VerifyFile(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	dir := t.TempDir()
	path := filepath.Join(dir, FileName(7))
	require.NoError(t, os.WriteFile(path, []byte("snapshot bytes"), 0644))
	signFile(t, priv, path)

	v, err := NewVerifier(encodeKey(pub))
	require.NoError(t, err)
	require.NoError(t, v.VerifyFile(path))

	v, err = NewVerifier("untrusted comment: minisign public key\n" + encodeKey(pub) + "\n")
	require.NoError(t, err)
	require.NoError(t, v.VerifyFile(path), "the .pub file form")

	require.NoError(t, os.WriteFile(path, []byte("tampered bytes"), 0644))
	assert.True(t, errors.Is(v.VerifyFile(path), ErrBadSignature))

	require.NoError(t, os.Remove(path+SignatureExt))
	assert.Error(t, v.VerifyFile(path), "unsigned file")
}

func TestVerifier_RejectsMalformedKey(t *testing.T) {
	_, err := NewVerifier("not a key")
	assert.Error(t, err)
}

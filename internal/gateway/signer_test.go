package gateway

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerateRoundTrip(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrGenerate(dir)
	require.NoError(t, err)
	require.NotEmpty(t, first.PublicKeyBase64())

	second, err := LoadOrGenerate(dir)
	require.NoError(t, err)
	assert.Equal(t, first.PublicKeyBase64(), second.PublicKeyBase64(),
		"existing identity is reloaded, not regenerated")

	assert.FileExists(t, filepath.Join(dir, identityFile))
}

func TestLoadRejectsCorruptIdentity(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, identityFile),
		[]byte("-----BEGIN GARBAGE-----\nzm9v\n-----END GARBAGE-----\n"), 0o600))

	_, err := LoadOrGenerate(dir)
	require.Error(t, err)
}

func TestSignCommandVerifies(t *testing.T) {
	keys, err := LoadOrGenerate(t.TempDir())
	require.NoError(t, err)

	cmd := SignedCommand{
		JobID: "j1", AgentID: "a1", ActionID: "kill",
		Args: json.RawMessage(`{"pid":42}`), IssuedAt: "2026-01-02T16:00:00Z",
	}
	keys.SignCommand(&cmd)
	require.NotEmpty(t, cmd.Signature)

	assert.True(t, VerifyCommandSignature(keys.PublicKeyBase64(), &cmd))
}

func TestVerifyRejectsTampering(t *testing.T) {
	keys, err := LoadOrGenerate(t.TempDir())
	require.NoError(t, err)

	cmd := SignedCommand{
		JobID: "j1", AgentID: "a1", ActionID: "kill",
		Args: json.RawMessage(`{"pid":42}`), IssuedAt: "2026-01-02T16:00:00Z",
	}
	keys.SignCommand(&cmd)

	tampered := cmd
	tampered.Args = json.RawMessage(`{"pid":1}`)
	assert.False(t, VerifyCommandSignature(keys.PublicKeyBase64(), &tampered))

	other, err := LoadOrGenerate(t.TempDir())
	require.NoError(t, err)
	assert.False(t, VerifyCommandSignature(other.PublicKeyBase64(), &cmd),
		"signature bound to the issuing key")

	assert.False(t, VerifyCommandSignature("not base64!!", &cmd))
}

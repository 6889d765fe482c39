package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/spaceai-browser-bridge/internal/domain"
	"github.com/xela07ax/spaceai-browser-bridge/internal/signer"
)

func TestKeygen_WritesUsableKeypair(t *testing.T) {
	dir := t.TempDir()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"keygen", "--out", dir, "--bits", "2048"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "signer.pem")

	priv, err := os.ReadFile(filepath.Join(dir, "signer.pem"))
	require.NoError(t, err)
	pub, err := os.ReadFile(filepath.Join(dir, "signer.pub.pem"))
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "signer.pem"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	sig, err := signer.FromPEM(priv, false, 0, nil)
	require.NoError(t, err)
	cmd, err := sig.Sign(domain.Command{RequestID: "r1", Capability: "open_url"})
	require.NoError(t, err)

	v, err := signer.VerifierFromPEM(pub)
	require.NoError(t, err)
	got, err := v.Verify(cmd.Signature)
	require.NoError(t, err)
	assert.Equal(t, "r1", got.RequestID)
}

func TestKeygen_RejectsWeakKeys(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"keygen", "--out", t.TempDir(), "--bits", "1024"})
	assert.Error(t, root.Execute())
}

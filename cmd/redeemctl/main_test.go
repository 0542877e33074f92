package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testRing = "k1:0123456789abcdef0123456789abcdef"

func noEnv(string) string { return "" }

func TestIssueInspectFingerprint(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(issueCommand, []string{"-keys", testRing, "-offer", "42", "-holder", "U1", "-ttl", "5m"}, &out, noEnv))
	var issued issueOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &issued))
	require.Equal(t, "k1", issued.KeyID)
	require.Len(t, issued.Fingerprint, 64)

	out.Reset()
	require.NoError(t, run(inspectCommand, []string{"-keys", testRing, issued.Token}, &out, noEnv))
	var inspected inspectOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &inspected))
	require.True(t, inspected.Valid)
	require.False(t, inspected.Expired)
	require.Equal(t, int64(42), inspected.OfferID)
	require.Equal(t, "U1", inspected.HolderID)
	require.Equal(t, issued.Fingerprint, inspected.Fingerprint)

	out.Reset()
	require.NoError(t, run(fingerprintCommand, []string{"-keys", testRing, issued.Token}, &out, noEnv))
	require.Equal(t, issued.Fingerprint, strings.TrimSpace(out.String()))
}

func TestInspectRejectsForeignKey(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(issueCommand, []string{"-keys", testRing, "-offer", "1", "-holder", "U1"}, &out, noEnv))
	var issued issueOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &issued))

	other := "k1:ffffffffffffffffffffffffffffffffffff"
	err := run(inspectCommand, []string{"-keys", other, issued.Token}, &bytes.Buffer{}, noEnv)
	require.Error(t, err)
}

func TestKeysFromEnvironment(t *testing.T) {
	env := map[string]string{
		"REDEEMD_TOKEN_KEYS":       testRing + ",k2:abcdefabcdefabcdefabcdefabcdefabcdef",
		"REDEEMD_TOKEN_ACTIVE_KEY": "k2",
	}
	getenv := func(key string) string { return env[key] }
	var out bytes.Buffer
	require.NoError(t, run(issueCommand, []string{"-offer", "7", "-holder", "H"}, &out, getenv))
	var issued issueOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &issued))
	require.Equal(t, "k2", issued.KeyID)

	delete(env, "REDEEMD_TOKEN_ACTIVE_KEY")
	err := run(issueCommand, []string{"-offer", "7", "-holder", "H"}, &bytes.Buffer{}, getenv)
	require.ErrorContains(t, err, "-active")
}

func TestKeysFromConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redeemd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
token:
  active_key: k1
  keys:
    k1: 0123456789abcdef0123456789abcdef
auth:
  issuer: fundcard-idp
  audience: [redeemd]
`), 0o600))
	var out bytes.Buffer
	require.NoError(t, run(issueCommand, []string{"-config", path, "-offer", "3", "-holder", "H"}, &out, noEnv))
	require.Contains(t, out.String(), `"keyId": "k1"`)
}

func TestKeygen(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(keygenCommand, []string{"-id", "k9"}, &out, noEnv))
	entry := strings.TrimSpace(out.String())
	id, secret, ok := strings.Cut(entry, ":")
	require.True(t, ok)
	require.Equal(t, "k9", id)
	require.Len(t, secret, 32)

	require.Error(t, run(keygenCommand, []string{"-bytes", "8"}, &bytes.Buffer{}, noEnv))
}

func TestRunErrors(t *testing.T) {
	require.Error(t, run("bogus", nil, &bytes.Buffer{}, noEnv))
	require.Error(t, run(issueCommand, []string{"-offer", "1", "-holder", "H"}, &bytes.Buffer{}, noEnv))
	require.Error(t, run(issueCommand, []string{"-keys", testRing, "-offer", "0", "-holder", "H"}, &bytes.Buffer{}, noEnv))
	require.Error(t, run(fingerprintCommand, []string{"-keys", testRing}, &bytes.Buffer{}, noEnv))
	require.Error(t, run(inspectCommand, []string{"-keys", testRing, "not-a-token"}, &bytes.Buffer{}, noEnv))
}

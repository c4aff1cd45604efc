package transport

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateNodeCertificatesReusesCA(t *testing.T) {
	dir := t.TempDir()

	first, err := GenerateNodeCertificates(dir, "alpha", []string{"alpha.example", "10.0.0.1"}, time.Hour)
	require.NoError(t, err)
	caBefore, err := os.ReadFile(first.CAPath)
	require.NoError(t, err)

	second, err := GenerateNodeCertificates(dir, "beta", []string{"beta.example"}, time.Hour)
	require.NoError(t, err)
	caAfter, err := os.ReadFile(second.CAPath)
	require.NoError(t, err)
	assert.Equal(t, caBefore, caAfter, "an existing CA is kept")

	info, err := os.Stat(second.KeyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	ca, err := LoadCertAuthority(dir)
	require.NoError(t, err)
	cert, err := loadCertificate(second.CertPath)
	require.NoError(t, err)
	require.NoError(t, ca.Verify(cert))
	assert.Equal(t, []string{"beta.example"}, cert.DNSNames)
	assert.Equal(t, "beta", cert.Subject.CommonName)
}

func TestCertAuthorityRejectsForeignCertificate(t *testing.T) {
	ours, err := NewCertAuthority("ours", time.Hour)
	require.NoError(t, err)
	theirs, err := NewCertAuthority("theirs", time.Hour)
	require.NoError(t, err)

	cert, _, err := theirs.Issue("node", []string{"127.0.0.1"}, time.Hour)
	require.NoError(t, err)
	assert.Error(t, ours.Verify(cert))
	assert.NoError(t, theirs.Verify(cert))
	assert.Len(t, cert.IPAddresses, 1)
}

func TestLoadCertAuthorityMissing(t *testing.T) {
	_, err := LoadCertAuthority(filepath.Join(t.TempDir(), "absent"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

package tls

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/ollamad/internal/config"
)

func TestSetupTLSDisabled(t *testing.T) {
	c, err := SetupTLS(config.TLSConfig{})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSetupTLSErrors(t *testing.T) {
	_, err := SetupTLS(config.TLSConfig{Enabled: true})
	assert.Error(t, err)
	_, err = SetupTLS(config.TLSConfig{Enabled: true, Dir: t.TempDir()})
	assert.Error(t, err, "dir without certificates and without auto generation")
	_, err = SetupTLS(config.TLSConfig{Enabled: true, Dir: t.TempDir(), AutoGenerate: true, MinVersion: "1.0"})
	assert.Error(t, err)
}

func TestParseTLSVersion(t *testing.T) {
	v, ok := parseTLSVersion("1.2")
	assert.True(t, ok)
	assert.Equal(t, uint16(tls.VersionTLS12), v)
	_, ok = parseTLSVersion("")
	assert.False(t, ok)
	_, ok = parseTLSVersion("ssl3")
	assert.False(t, ok)
}

func TestAutoGenerateAndServe(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")
	cfg := config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.2"}
	tc, err := SetupTLS(cfg)
	require.NoError(t, err)
	require.NotNil(t, tc)
	assert.Equal(t, uint16(tls.VersionTLS12), tc.MinVersion)
	for _, f := range []string{tlsCrt, tlsKey, tlsCaCrt} {
		assert.FileExists(t, filepath.Join(dir, f))
	}
	fi, err := os.Stat(filepath.Join(dir, tlsKey))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	// a second setup reuses the generated pair
	before, err := os.ReadFile(filepath.Join(dir, tlsCrt))
	require.NoError(t, err)
	_, err = SetupTLS(cfg)
	require.NoError(t, err)
	after, err := os.ReadFile(filepath.Join(dir, tlsCrt))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	srv.TLS = tc
	srv.StartTLS()
	defer srv.Close()

	ca, err := os.ReadFile(CAFile(cfg))
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(ca))
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}}}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestExplicitFilesWin(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "a.crt")
	key := filepath.Join(dir, "a.key")
	require.NoError(t, GenerateSelfSignedCert(CertConfig{
		CommonName: "localhost", Organization: "test", DNSNames: []string{"localhost"},
		NotAfter: timeNowPlusDay(), CertPath: cert, KeyPath: key,
	}))
	tc, err := SetupTLS(config.TLSConfig{Enabled: true, CertFile: cert, KeyFile: key, Dir: filepath.Join(dir, "unused")})
	require.NoError(t, err)
	c, err := tc.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.NotEmpty(t, c.Certificate)
	assert.NoDirExists(t, filepath.Join(dir, "unused"))
}

func timeNowPlusDay() time.Time { return time.Now().Add(24 * time.Hour) }

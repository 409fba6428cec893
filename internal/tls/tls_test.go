package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/taskboard/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	cfg, err := Setup(Options{})
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = Setup(Options{CertFile: "only.crt"})
	assert.True(t, errors.Is(err, ErrNoCertificate))
}

func TestSetupDirWithoutAutoGenerate(t *testing.T) {
	_, err := Setup(Options{Dir: t.TempDir()})
	assert.True(t, errors.Is(err, ErrNoCertificate))
}

func TestSetupAutoGenerateServesHTTPS(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")
	cfg, err := Setup(Options{Dir: dir, AutoGenerate: true, DNSNames: []string{"localhost", "127.0.0.1"}})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.FileExists(t, filepath.Join(dir, tlsCrt))
	assert.FileExists(t, filepath.Join(dir, tlsKey))
	assert.FileExists(t, filepath.Join(dir, tlsCaCrt))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("ok"))
		}),
		ReadHeaderTimeout: time.Second,
	}
	go func() { _ = srv.Serve(tls.NewListener(ln, cfg)) }()
	defer func() { _ = srv.Close() }()

	ca, err := os.ReadFile(filepath.Join(dir, tlsCaCrt))
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(ca))
	c := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}}}
	resp, err := c.Get("https://" + ln.Addr().String())
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSetupExplicitFilesAndVersion(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, GenerateSelfSignedCert(CertConfig{
		CommonName: "localhost", Organization: "test",
		DNSNames: []string{"localhost"}, NotAfter: time.Now().Add(24 * time.Hour),
		CertPath: filepath.Join(dir, "a.crt"), KeyPath: filepath.Join(dir, "a.key"),
	}))
	cfg, err := Setup(Options{CertFile: filepath.Join(dir, "a.crt"), KeyFile: filepath.Join(dir, "a.key"), MinVersion: "1.3"})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)

	_, err = Setup(Options{CertFile: filepath.Join(dir, "a.crt"), KeyFile: filepath.Join(dir, "a.key"), MinVersion: "1.0"})
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	o := FromConfig(config.FromMap(map[string]any{
		"task_table": "T", "log_table": "L",
		"tls_dir": "/etc/tb", "tls_autogen": true, "tls_hosts": []string{"tb.local"},
	}))
	assert.True(t, o.Enabled())
	assert.Equal(t, "/etc/tb", o.Dir)
	assert.True(t, o.AutoGenerate)
	assert.Equal(t, []string{"tb.local"}, o.DNSNames)
}

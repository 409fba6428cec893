// Package tls builds the server side TLS configuration of the operator API.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// ErrNoCertificate is returned when TLS is requested without a usable source.
var ErrNoCertificate = errors.New("tls: no certificate configured")

func parseTLSVersion(ver string) (uint16, error) {
	switch strings.ToLower(strings.TrimSpace(ver)) {
	case "", "default", "1.2", "tls1.2":
		return tls.VersionTLS12, nil
	case "1.3", "tls1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("tls: unsupported version %q", ver)
	}
}

// safeReadFile refuses paths that escape baseDir.
func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	if baseDir != "" {
		absBase, _ := filepath.Abs(baseDir)
		absFile, _ := filepath.Abs(clean)
		if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
			return nil, errors.New("file path outside of allowed directory")
		}
	}
	return os.ReadFile(clean)
}

// certificateFunc reloads the key pair on every handshake so rotated files
// are picked up without a restart.
func certificateFunc(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	baseDir := filepath.Dir(certFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		readCert, err := safeReadFile(baseDir, certFile)
		if err != nil {
			return nil, err
		}
		readKey, err := safeReadFile(filepath.Dir(keyFile), keyFile)
		if err != nil {
			return nil, err
		}
		certificate, err := tls.X509KeyPair(readCert, readKey)
		return &certificate, err
	}
}

// Setup returns the server TLS config for opts, or nil when TLS is off.
// Explicit files win over Dir; Dir certificates are generated on demand
// when AutoGenerate is set.
func Setup(opts Options) (*tls.Config, error) {
	if !opts.Enabled() {
		if opts.CertFile != "" || opts.KeyFile != "" {
			return nil, fmt.Errorf("%w: both cert and key are required", ErrNoCertificate)
		}
		return nil, nil
	}
	minVer, err := parseTLSVersion(opts.MinVersion)
	if err != nil {
		return nil, err
	}

	certPath, keyPath := opts.CertFile, opts.KeyFile
	if certPath == "" || keyPath == "" {
		certPath = filepath.Join(opts.Dir, tlsCrt)
		keyPath = filepath.Join(opts.Dir, tlsKey)
		if !certificatesExist(certPath, keyPath) {
			if !opts.AutoGenerate {
				return nil, fmt.Errorf("%w: %s and %s not found", ErrNoCertificate, certPath, keyPath)
			}
			if err := generateCertificate(opts); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &tls.Config{
		GetCertificate: certificateFunc(certPath, keyPath),
		MinVersion:     minVer,
	}, nil
}

func getOrDefault(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}

func getOrDefaultSlice(value, defaultValue []string) []string {
	if len(value) == 0 {
		return defaultValue
	}
	return value
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func generateCertificate(opts Options) error {
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}
	hosts := getOrDefaultSlice(opts.DNSNames, []string{"localhost", "127.0.0.1"})
	var dnsNames, ips []string
	for _, h := range hosts {
		if isIP(h) {
			ips = append(ips, h)
		} else {
			dnsNames = append(dnsNames, h)
		}
	}
	validDays := opts.ValidDays
	if validDays <= 0 {
		validDays = 365
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   getOrDefault(opts.CommonName, "localhost"),
		Organization: "taskboard",
		DNSNames:     dnsNames,
		IPAddresses:  ips,
		NotAfter:     time.Now().AddDate(0, 0, validDays),
		CertPath:     filepath.Join(opts.Dir, tlsCrt),
		KeyPath:      filepath.Join(opts.Dir, tlsKey),
		CACertPath:   filepath.Join(opts.Dir, tlsCaCrt),
	})
}

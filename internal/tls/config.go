package tls

import (
	"github.com/loykin/taskboard/internal/config"
)

// Options selects the certificate the operator API serves.
type Options struct {
	CertFile string
	KeyFile  string
	// Dir holds tls.crt and tls.key when no explicit files are given.
	Dir          string
	AutoGenerate bool
	MinVersion   string
	CommonName   string
	DNSNames     []string
	ValidDays    int
}

// Enabled reports whether any certificate source is configured.
func (o Options) Enabled() bool {
	return (o.CertFile != "" && o.KeyFile != "") || o.Dir != ""
}

// FromConfig reads the tls_* bootstrap keys.
func FromConfig(cfg *config.Manager) Options {
	return Options{
		CertFile:     cfg.String(config.KeyTLSCert),
		KeyFile:      cfg.String(config.KeyTLSKey),
		Dir:          cfg.String(config.KeyTLSDir),
		AutoGenerate: cfg.Bool(config.KeyTLSAutoGen),
		MinVersion:   cfg.String(config.KeyTLSMinVersion),
		DNSNames:     cfg.StringSlice(config.KeyTLSHosts),
	}
}

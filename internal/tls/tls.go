// Package tls builds the server side TLS configuration of the status API.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/unitd/internal/config"
)

const (
	caFile   = "tls_ca.crt"
	certFile = "tls.crt"
	keyFile  = "tls.key"
)

func parseVersion(ver string) (uint16, bool) {
	switch strings.ToLower(ver) {
	case "", "default":
		return tls.VersionTLS13, false
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// versions defaults both bounds to TLS 1.3.
func versions(c config.TLSConfig) (uint16, uint16, error) {
	min, max := uint16(tls.VersionTLS13), uint16(tls.VersionTLS13)
	if v, ok := parseVersion(c.MinVersion); ok {
		min = v
	} else if c.MinVersion != "" && c.MinVersion != "default" {
		return 0, 0, fmt.Errorf("unknown min_version %q", c.MinVersion)
	}
	if v, ok := parseVersion(c.MaxVersion); ok {
		max = v
	} else if c.MaxVersion != "" && c.MaxVersion != "default" {
		return 0, 0, fmt.Errorf("unknown max_version %q", c.MaxVersion)
	}
	if min > max {
		return 0, 0, errors.New("min_version is above max_version")
	}
	return min, max, nil
}

// readWithin reads p, refusing paths outside baseDir.
func readWithin(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	absBase, _ := filepath.Abs(baseDir)
	absFile, _ := filepath.Abs(clean)
	if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) {
		return nil, errors.New("file path outside of allowed directory")
	}
	return os.ReadFile(clean)
}

// loader re-reads the key pair on every handshake so rotated certificates
// are picked up without a restart.
func loader(cert, key string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	certDir, keyDir := filepath.Dir(cert), filepath.Dir(key)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		c, err := readWithin(certDir, cert)
		if err != nil {
			return nil, err
		}
		k, err := readWithin(keyDir, key)
		if err != nil {
			return nil, err
		}
		pair, err := tls.X509KeyPair(c, k)
		return &pair, err
	}
}

// Setup returns the TLS configuration for c, or nil when TLS is disabled.
// Explicit files are used as is; a directory gets a self-signed pair when
// AutoGenerate is set and the pair is missing.
func Setup(c config.TLSConfig) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	min, max, err := versions(c)
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	cert, key := c.CertFile, c.KeyFile
	if cert == "" || key == "" {
		if c.Dir == "" {
			return nil, errors.New("tls: enabled but no certificate configured")
		}
		cert, key = filepath.Join(c.Dir, certFile), filepath.Join(c.Dir, keyFile)
		if !exists(cert, key) {
			if !c.AutoGenerate {
				return nil, fmt.Errorf("tls: %s and %s not found", cert, key)
			}
			if err := generate(c.AutoGen, c.Dir); err != nil {
				return nil, fmt.Errorf("tls: certificate generation failed: %w", err)
			}
		}
	}
	// fail at startup rather than on the first handshake
	if _, err := loader(cert, key)(nil); err != nil {
		return nil, fmt.Errorf("tls: load key pair: %w", err)
	}
	// #nosec G402 min version is configurable down to 1.2 only
	return &tls.Config{
		GetCertificate: loader(cert, key),
		MinVersion:     min,
		MaxVersion:     max,
	}, nil
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func orDefault[T any](v []T, def []T) []T {
	if len(v) == 0 {
		return def
	}
	return v
}

func generate(g config.AutoGenTLS, dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	cn := g.CommonName
	if cn == "" {
		cn = "localhost"
	}
	days := g.ValidDays
	if days <= 0 {
		days = 365
	}
	return GenerateSelfSigned(CertRequest{
		CommonName:  cn,
		DNSNames:    orDefault(g.DNSNames, []string{"localhost"}),
		IPAddresses: orDefault(g.IPAddresses, []string{"127.0.0.1"}),
		NotAfter:    time.Now().AddDate(0, 0, days),
		CertPath:    filepath.Join(dir, certFile),
		KeyPath:     filepath.Join(dir, keyFile),
		CACertPath:  filepath.Join(dir, caFile),
	})
}

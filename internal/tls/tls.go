// Package tls builds the TLS configuration of the HTTP API.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	certName = "tls.crt"
	keyName  = "tls.key"
)

// Config is the [server.tls] section. Explicit cert and key files win over Dir.
type Config struct {
	Enabled      bool          `mapstructure:"enabled"`
	CertFile     string        `mapstructure:"cert_file"`
	KeyFile      string        `mapstructure:"key_file"`
	Dir          string        `mapstructure:"dir"`
	AutoGenerate bool          `mapstructure:"auto_generate"`
	Hosts        []string      `mapstructure:"hosts"`
	ValidFor     time.Duration `mapstructure:"valid_for"`
	MinVersion   string        `mapstructure:"min_version"`
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("server.tls: cert_file and key_file must be set together")
	}
	if c.CertFile == "" && c.Dir == "" {
		return errors.New("server.tls: enabled without cert_file/key_file or dir")
	}
	if _, err := parseVersion(c.MinVersion); err != nil {
		return err
	}
	return nil
}

// Paths returns the certificate and key paths in use.
func (c Config) Paths() (string, string) {
	if c.CertFile != "" {
		return c.CertFile, c.KeyFile
	}
	return filepath.Join(c.Dir, certName), filepath.Join(c.Dir, keyName)
}

func parseVersion(v string) (uint16, error) {
	switch strings.ToLower(v) {
	case "", "1.2", "tls1.2":
		return tls.VersionTLS12, nil
	case "1.3", "tls1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("server.tls: unsupported min_version %q", v)
}

// Setup returns nil when TLS is disabled. With AutoGenerate, a missing pair in
// Dir is created as a self-signed certificate first.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	minVer, _ := parseVersion(c.MinVersion)
	certPath, keyPath := c.Paths()
	if c.CertFile == "" && c.AutoGenerate && !exists(certPath, keyPath) {
		if err := GenerateSelfSigned(c.Dir, c.Hosts, c.ValidFor); err != nil {
			return nil, fmt.Errorf("generate certificate: %w", err)
		}
	}
	kp := &keyPair{cert: certPath, key: keyPath}
	if _, err := kp.load(); err != nil {
		return nil, err
	}
	return &tls.Config{MinVersion: minVer, GetCertificate: kp.get}, nil
}

// keyPair reloads the certificate when either file changes on disk, so renewed
// certificates are served without a restart.
type keyPair struct {
	cert, key string

	mu      sync.Mutex
	current *tls.Certificate
	modTime time.Time
}

func (k *keyPair) get(*tls.ClientHelloInfo) (*tls.Certificate, error) { return k.load() }

func (k *keyPair) load() (*tls.Certificate, error) {
	mod, err := latestMod(k.cert, k.key)
	if err != nil {
		return nil, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.current != nil && !mod.After(k.modTime) {
		return k.current, nil
	}
	pair, err := tls.LoadX509KeyPair(k.cert, k.key)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	k.current, k.modTime = &pair, mod
	return k.current, nil
}

func latestMod(paths ...string) (time.Time, error) {
	var t time.Time
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			return time.Time{}, err
		}
		if fi.ModTime().After(t) {
			t = fi.ModTime()
		}
	}
	return t, nil
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

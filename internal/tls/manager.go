package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/acme/autocert"

	"delivery-guard/internal/config"
	"delivery-guard/internal/util"
)

var errNoCertificate = errors.New("no certificate available")

// TLSManager resolves the serving certificate: autocert first, then the
// configured key pair, then (outside production) a self-signed one.
type TLSManager struct {
	server     config.ServerConfig
	production bool
	autoCert   *autocert.Manager
}

func NewTLSManager(server config.ServerConfig, production bool) *TLSManager {
	m := &TLSManager{server: server, production: production}
	if server.EnableTLS && server.AutoCert {
		m.setupAutoCert()
	}
	return m
}

func (m *TLSManager) setupAutoCert() {
	if err := os.MkdirAll(m.server.AutoCertDir, 0o700); err != nil {
		util.Warn("Could not create autocert directory", util.ErrorField(err))
		return
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.server.Domain),
		Cache:      autocert.DirCache(m.server.AutoCertDir),
		Email:      m.server.Email,
	}
	util.Info("AutoCert configured",
		util.String("domain", m.server.Domain),
		util.String("cache_dir", m.server.AutoCertDir))
}

func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		cert, err := m.autoCert.GetCertificate(hello)
		if err == nil {
			return cert, nil
		}
		util.Warn("AutoCert lookup failed", util.String("server_name", hello.ServerName), util.ErrorField(err))
	}

	if m.server.CertFile != "" && m.server.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.server.CertFile, m.server.KeyFile)
		if err == nil {
			return &cert, nil
		}
		util.Warn("Configured key pair could not be loaded", util.ErrorField(err))
	}

	// Recipients open QR links on their phones; a self-signed cert there
	// only makes sense on a developer machine.
	if m.production {
		return nil, errNoCertificate
	}
	return m.selfSigned()
}

func (m *TLSManager) selfSigned() (*tls.Certificate, error) {
	dir := m.server.AutoCertDir
	if dir == "" {
		dir = os.TempDir()
	}
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if m.server.Domain != "" {
		hosts = append(hosts, m.server.Domain)
	}

	cert, err := NewDevCertGenerator(dir).GenerateCert(hosts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	return &cert, nil
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

func (m *TLSManager) GetAutocertManager() *autocert.Manager {
	return m.autoCert
}

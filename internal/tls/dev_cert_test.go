package tls

import (
	"crypto/x509"
	"testing"
	"time"

	"delivery-guard/internal/config"
)

func TestDevCertGeneratorReusesValidCert(t *testing.T) {
	dir := t.TempDir()
	gen := NewDevCertGenerator(dir)
	hosts := []string{"localhost", "127.0.0.1"}

	first, err := gen.GenerateCert(hosts)
	if err != nil {
		t.Fatalf("GenerateCert: %v", err)
	}
	leaf, err := x509.ParseCertificate(first.Certificate[0])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := leaf.VerifyHostname("localhost"); err != nil {
		t.Errorf("certificate does not cover localhost: %v", err)
	}

	second, err := gen.GenerateCert(hosts)
	if err != nil {
		t.Fatalf("GenerateCert again: %v", err)
	}
	if string(second.Certificate[0]) != string(first.Certificate[0]) {
		t.Error("a still-valid certificate should be reused")
	}

	gen.now = func() time.Time { return time.Now().Add(devCertValidity + time.Hour) }
	third, err := gen.GenerateCert(hosts)
	if err != nil {
		t.Fatalf("GenerateCert after expiry: %v", err)
	}
	if string(third.Certificate[0]) == string(first.Certificate[0]) {
		t.Error("an expired certificate should be replaced")
	}
}

func TestTLSManagerRefusesSelfSignedInProduction(t *testing.T) {
	m := NewTLSManager(config.ServerConfig{EnableTLS: true, AutoCertDir: t.TempDir()}, true)
	if _, err := m.GetCertificate(nil); err == nil {
		t.Fatal("production must not fall back to a self-signed certificate")
	}

	dev := NewTLSManager(config.ServerConfig{EnableTLS: true, AutoCertDir: t.TempDir()}, false)
	if _, err := dev.GetCertificate(nil); err != nil {
		t.Fatalf("development fallback: %v", err)
	}
}

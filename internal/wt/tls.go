package wt

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// MaxCertValidity is the longest lifetime browsers accept for a certificate
// pinned through serverCertificateHashes.
const MaxCertValidity = 14 * 24 * time.Hour

// backdate covers clock skew between server and browser.
const backdate = time.Hour

// Certificate is a self-signed WebTransport certificate and the hash a
// browser pins it by.
type Certificate struct {
	TLS      *tls.Config
	Hash     [sha256.Size]byte
	NotAfter time.Time
}

// Fingerprint returns the hash as hex, for logs and the CLI.
func (c *Certificate) Fingerprint() string { return hex.EncodeToString(c.Hash[:]) }

// HashBase64 returns the hash the way a browser client embeds it in
// serverCertificateHashes.
func (c *Certificate) HashBase64() string { return base64.StdEncoding.EncodeToString(c.Hash[:]) }

// NewCertificate issues an ECDSA P-256 certificate for localhost and host.
// Browsers only pin ECDSA certificates, and reject pinned ones whose whole
// lifetime, backdating included, exceeds MaxCertValidity; a validity outside
// (0, MaxCertValidity-backdate] is clamped to that bound.
func NewCertificate(host string, validity time.Duration, now time.Time) (*Certificate, error) {
	if limit := MaxCertValidity - backdate; validity <= 0 || validity > limit {
		validity = limit
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: certName(host)},
		NotBefore:             now.Add(-backdate),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              certHosts(host),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	return &Certificate{
		TLS: &tls.Config{
			Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}},
			NextProtos:   []string{"h3"},
		},
		Hash:     sha256.Sum256(der),
		NotAfter: leaf.NotAfter,
	}, nil
}

func certName(host string) string {
	if host == "" {
		return "please"
	}
	return host
}

func certHosts(host string) []string {
	if host == "" || host == "localhost" {
		return []string{"localhost"}
	}
	return []string{"localhost", host}
}

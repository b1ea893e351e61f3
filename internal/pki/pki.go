// Package pki handles x509 certificate identity for the relay. Every user and
// peer relay is identified by the SHA-256 fingerprint of its DER encoded
// certificate; the subject and issuer distinguished names are kept for
// display and auditing.
package pki

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Identity is the parsed identity of a client certificate.
type Identity struct {
	// Fingerprint is the uppercase hex SHA-256 of the DER encoded certificate.
	Fingerprint string
	SubjectDN   string
	IssuerDN    string
}

// ParseCertificate computes the fingerprint and extracts the subject and
// issuer distinguished names from a DER encoded certificate.
func ParseCertificate(der []byte) (Identity, error) {
	sum := sha256.Sum256(der)
	fingerprint := strings.ToUpper(fmt.Sprintf("%x", sum))

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return Identity{}, fmt.Errorf("parse certificate: %w", err)
	}

	return Identity{
		Fingerprint: fingerprint,
		SubjectDN:   cert.Subject.String(),
		IssuerDN:    cert.Issuer.String(),
	}, nil
}

// ParsePEM parses the first certificate in a PEM bundle.
func ParsePEM(pemBytes []byte) (Identity, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return Identity{}, fmt.Errorf("no certificate found in PEM data")
	}
	return ParseCertificate(block.Bytes)
}

// ParseURLEncodedPEM parses a url-encoded PEM certificate, as forwarded by a
// trusted reverse proxy in a header after terminating mTLS.
func ParseURLEncodedPEM(encoded string) (Identity, error) {
	decoded, err := url.QueryUnescape(encoded)
	if err != nil {
		return Identity{}, fmt.Errorf("url decode client cert: %w", err)
	}
	return ParsePEM([]byte(decoded))
}

// FingerprintFromFile computes the identity of the first certificate in a PEM
// file. Used to derive the local relay's own fingerprint from its client cert.
func FingerprintFromFile(path string) (Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, fmt.Errorf("read cert file %s: %w", path, err)
	}
	return ParsePEM(data)
}

// LoadCertPool builds a certificate pool from a CA bundle file.
func LoadCertPool(caFile string) (*x509.CertPool, error) {
	caBytes, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", caFile, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("no certificates parsed from %s", caFile)
	}
	return pool, nil
}

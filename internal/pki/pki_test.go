package pki_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/relaymesh/relay/internal/pki"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// selfSignedDER generates a throwaway self-signed certificate for tests.
func selfSignedDER(t *testing.T, cn string) []byte {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn, Organization: []string{"mesh-test"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return der
}

func TestParseCertificate(t *testing.T) {
	der := selfSignedDER(t, "relay-a")

	id, err := pki.ParseCertificate(der)
	require.NoError(t, err)

	sum := sha256.Sum256(der)
	assert.Equal(t, strings.ToUpper(fmt.Sprintf("%x", sum)), id.Fingerprint)
	assert.Contains(t, id.SubjectDN, "CN=relay-a")
	assert.Contains(t, id.IssuerDN, "CN=relay-a")
}

func TestParsePEMAndURLEncoded(t *testing.T) {
	der := selfSignedDER(t, "user-1")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	fromPEM, err := pki.ParsePEM(pemBytes)
	require.NoError(t, err)

	fromHeader, err := pki.ParseURLEncodedPEM(url.QueryEscape(string(pemBytes)))
	require.NoError(t, err)

	assert.Equal(t, fromPEM.Fingerprint, fromHeader.Fingerprint)
	assert.Contains(t, fromHeader.SubjectDN, "CN=user-1")
}

func TestParsePEMRejectsGarbage(t *testing.T) {
	_, err := pki.ParsePEM([]byte("not a certificate"))
	assert.Error(t, err)

	_, err = pki.ParseCertificate([]byte{0x01, 0x02})
	assert.Error(t, err)
}

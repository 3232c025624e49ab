package peer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// generateSelfSignedCert creates a short-lived certificate for one session.
// Trust comes from the fingerprint exchanged over signaling, not from X.509
// chain validation.
func generateSelfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"credvault"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create cert: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse cert: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// Fingerprint is the hex SHA-256 of a certificate's SubjectPublicKeyInfo
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return hex.EncodeToString(sum[:])
}

func fingerprintMatches(raw []byte, want string) error {
	cert, err := x509.ParseCertificate(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFingerprintMismatch, err)
	}
	if subtle.ConstantTimeCompare([]byte(Fingerprint(cert)), []byte(want)) != 1 {
		return ErrFingerprintMismatch
	}
	return nil
}

func serverTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		// the client certificate is checked against the answer after accept
		ClientAuth: tls.RequireAnyClientCert,
		NextProtos: []string{alpnProtocol},
		MinVersion: tls.VersionTLS13,
	}
}

func clientTLSConfig(cert tls.Certificate, serverFingerprint string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		// #nosec G402 -- the server is pinned by VerifyPeerCertificate.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(raw [][]byte, _ [][]*x509.Certificate) error {
			if len(raw) == 0 {
				return ErrFingerprintMismatch
			}
			return fingerprintMatches(raw[0], serverFingerprint)
		},
		NextProtos: []string{alpnProtocol},
		MinVersion: tls.VersionTLS13,
	}
}

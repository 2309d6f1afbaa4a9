// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package crypto holds the primitives shared by the protocol clients: key
// pair generation, CSR construction, certificate parsing and the
// lifetime-percentage math driving the renewal decision.
package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"strings"
	"time"

	"github.com/absmach/certs-agent/pkg/errors"
)

type Algorithm string

const (
	AlgRSA2048   Algorithm = "rsa-2048"
	AlgECDSAP256 Algorithm = "ecdsa-p256"
)

const (
	certPEMType = "CERTIFICATE"
	keyPEMType  = "PRIVATE KEY"
	csrPEMType  = "CERTIFICATE REQUEST"

	rsaKeyBits = 2048
)

var (
	ErrKeyGeneration        = errors.New("failed to generate key pair")
	ErrInvalidAlgorithm     = errors.New("unsupported key algorithm")
	ErrInvalidSubject       = errors.New("malformed subject")
	ErrCSRCreation          = errors.New("failed to create certificate signing request")
	ErrMalformedCertificate = errors.New("malformed certificate")
	ErrMalformedKey         = errors.New("malformed private key")
)

// KeyPair is generated fresh for every enrollment. The private key never
// leaves the process except through the installer.
type KeyPair struct {
	Algorithm Algorithm
	Private   crypto.Signer
}

// GenerateKeyPair creates a new key pair. It fails only on entropy or
// parameter errors.
func GenerateKeyPair(alg Algorithm) (KeyPair, error) {
	switch alg {
	case AlgRSA2048:
		key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
		if err != nil {
			return KeyPair{}, errors.Wrap(ErrKeyGeneration, err)
		}
		return KeyPair{Algorithm: alg, Private: key}, nil
	case AlgECDSAP256:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return KeyPair{}, errors.Wrap(ErrKeyGeneration, err)
		}
		return KeyPair{Algorithm: alg, Private: key}, nil
	default:
		return KeyPair{}, errors.Wrap(ErrKeyGeneration, ErrInvalidAlgorithm)
	}
}

// BuildCSR creates a DER-encoded PKCS#10 request with a SHA-256 signature.
// The common name is mandatory; SANs are optional.
func BuildCSR(commonName string, sans []string, kp KeyPair) ([]byte, error) {
	if strings.TrimSpace(commonName) == "" {
		return nil, errors.Wrap(ErrCSRCreation, ErrInvalidSubject)
	}

	tmpl := x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: commonName},
		DNSNames: sans,
	}
	switch kp.Algorithm {
	case AlgRSA2048:
		tmpl.SignatureAlgorithm = x509.SHA256WithRSA
	case AlgECDSAP256:
		tmpl.SignatureAlgorithm = x509.ECDSAWithSHA256
	default:
		return nil, errors.Wrap(ErrCSRCreation, ErrInvalidAlgorithm)
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, &tmpl, kp.Private)
	if err != nil {
		return nil, errors.Wrap(ErrCSRCreation, err)
	}
	return der, nil
}

// ParseCertificate accepts PEM or raw DER. A parse failure is reported as
// ErrMalformedCertificate and must not be confused with a missing file.
func ParseCertificate(data []byte) (*x509.Certificate, error) {
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedCertificate, err)
	}
	return cert, nil
}

// ParsePrivateKey accepts a PEM-encoded PKCS#8, PKCS#1 or SEC1 key.
func ParsePrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.Wrap(ErrMalformedKey, errors.New("no PEM block found"))
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		if signer, ok := key.(crypto.Signer); ok {
			return signer, nil
		}
		return nil, ErrMalformedKey
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, ErrMalformedKey
}

// EncodeCertificatePEM wraps one or more DER certificates into a PEM chain.
// Output uses the standard base64 alphabet with 64-column wrapping per
// RFC 7468.
func EncodeCertificatePEM(der ...[]byte) []byte {
	var out []byte
	for _, d := range der {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: certPEMType, Bytes: d})...)
	}
	return out
}

// EncodePrivateKeyPEM serializes the private key as PKCS#8 PEM.
func EncodePrivateKeyPEM(kp KeyPair) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(kp.Private)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedKey, err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: keyPEMType, Bytes: der}), nil
}

// EncodeCSRPEM wraps a DER CSR for diagnostics. Protocol clients submit the
// raw DER, not this form.
func EncodeCSRPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: csrPEMType, Bytes: der})
}

// LifetimeElapsedPercent returns how much of the validity window has passed
// at the given instant. Values at or above 100 mean the certificate is
// expired; negative values mean now precedes notBefore and should be
// surfaced as clock skew, not hidden.
func LifetimeElapsedPercent(cert *x509.Certificate, now time.Time) float64 {
	total := cert.NotAfter.Sub(cert.NotBefore)
	if total <= 0 {
		return 100
	}
	elapsed := now.Sub(cert.NotBefore)
	return float64(elapsed) / float64(total) * 100
}

// DaysRemaining returns the days until notAfter, negative once expired.
func DaysRemaining(cert *x509.Certificate, now time.Time) float64 {
	return cert.NotAfter.Sub(now).Hours() / 24
}

// NormalizeSerial strips separators and lowercases a serial-number string so
// differently formatted representations compare equal.
func NormalizeSerial(serial string) string {
	var b strings.Builder
	for _, r := range serial {
		switch r {
		case ':', '-', ' ':
			continue
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimLeft(strings.ToLower(b.String()), "0")
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package est_test

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	agentcrypto "github.com/absmach/certs-agent/crypto"
	"github.com/absmach/certs-agent/est"
	"github.com/absmach/certs-agent/install"
	"github.com/absmach/certs-agent/pkg/errors"
	"github.com/digitorus/pkcs7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testProvisioner = "agents"
	testDevice      = "device-7"
	testToken       = "bootstrap-secret"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeEST is a minimal RFC 7030 server: cacerts, bearer-token simpleenroll
// and mTLS simplereenroll under the provisioner's well-known prefix.
type fakeEST struct {
	t *testing.T

	mu             sync.Mutex
	srv            *httptest.Server
	rejectReenroll bool
	enrolls        int
	reenrolls      int

	caKey  agentcrypto.KeyPair
	caCert *x509.Certificate
}

func newFakeEST(t *testing.T) *fakeEST {
	t.Helper()

	kp, err := agentcrypto.GenerateKeyPair(agentcrypto.AlgECDSAP256)
	require.NoError(t, err)
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Fake EST CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, kp.Private.Public(), kp.Private)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	f := &fakeEST{t: t, caKey: kp, caCert: caCert}

	srv := httptest.NewUnstartedServer(http.HandlerFunc(f.handle))
	srv.TLS = &tls.Config{ClientAuth: tls.RequestClientCert}
	srv.StartTLS()
	t.Cleanup(srv.Close)
	f.srv = srv

	return f
}

func (f *fakeEST) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := "/.well-known/est/" + testProvisioner + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}

	switch strings.TrimPrefix(r.URL.Path, prefix) {
	case "cacerts":
		f.respondPKCS7(w, f.caCert.Raw)
	case "simpleenroll":
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		f.enrolls++
		f.issue(w, r)
	case "simplereenroll":
		if f.rejectReenroll || len(r.TLS.PeerCertificates) == 0 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		f.reenrolls++
		f.issue(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeEST) issue(w http.ResponseWriter, r *http.Request) {
	assert.Equal(f.t, "application/pkcs10", r.Header.Get("Content-Type"))
	assert.Equal(f.t, "base64", r.Header.Get("Content-Transfer-Encoding"))

	body, err := io.ReadAll(r.Body)
	require.NoError(f.t, err)
	csrDER, err := base64.StdEncoding.DecodeString(string(body))
	require.NoError(f.t, err)
	csr, err := x509.ParseCertificateRequest(csrDER)
	require.NoError(f.t, err)
	require.NoError(f.t, csr.CheckSignature())
	assert.Equal(f.t, testDevice, csr.Subject.CommonName)

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(0x7e57),
		Subject:      csr.Subject,
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(30 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, f.caCert, csr.PublicKey, f.caKey.Private)
	require.NoError(f.t, err)
	f.respondPKCS7(w, der)
}

func (f *fakeEST) respondPKCS7(w http.ResponseWriter, certDER []byte) {
	degenerate, err := pkcs7.DegenerateCertificate(certDER)
	require.NoError(f.t, err)
	w.Header().Set("Content-Type", "application/pkcs7-mime")
	w.Header().Set("Content-Transfer-Encoding", "base64")
	w.Write([]byte(base64.StdEncoding.EncodeToString(degenerate)))
}

func newTestClient(t *testing.T, f *fakeEST, dir string, selfHealAfter int) (*est.Client, string, string) {
	t.Helper()

	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	remover := install.New(certPath, keyPath, nil, logger)

	client := est.NewClient(est.Config{
		BaseURL:        f.srv.URL,
		Provisioner:    testProvisioner,
		DeviceName:     testDevice,
		BootstrapToken: testToken,
		CertPath:       certPath,
		KeyPath:        keyPath,
		KeyAlgorithm:   agentcrypto.AlgECDSAP256,
		SelfHealAfter:  selfHealAfter,
		Timeout:        5 * time.Second,
		TLSConfig:      &tls.Config{InsecureSkipVerify: true},
	}, remover, logger)

	return client, certPath, keyPath
}

func installPair(t *testing.T, certPath, keyPath string, certPEM, keyPEM []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(certPath, certPEM, 0o644))
	require.NoError(t, os.WriteFile(keyPath, keyPEM, 0o600))
}

func TestCACerts(t *testing.T) {
	f := newFakeEST(t)
	client, _, _ := newTestClient(t, f, t.TempDir(), 1)

	chain, err := client.CACerts(context.Background())
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "Fake EST CA", chain[0].Subject.CommonName)
}

func TestEnrollBootstrap(t *testing.T) {
	f := newFakeEST(t)
	client, _, _ := newTestClient(t, f, t.TempDir(), 1)

	cert, err := client.Enroll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, f.enrolls)
	assert.Equal(t, 0, f.reenrolls)
	assert.Equal(t, "7e57", cert.SerialNumber)
	assert.Contains(t, cert.Subject, testDevice)

	leaf, err := agentcrypto.ParseCertificate(cert.Certificate)
	require.NoError(t, err)
	signer, err := agentcrypto.ParsePrivateKey(cert.Key)
	require.NoError(t, err)
	assert.Equal(t, leaf.PublicKey, signer.Public())
}

func TestReenrollWithFreshKey(t *testing.T) {
	f := newFakeEST(t)
	dir := t.TempDir()
	client, certPath, keyPath := newTestClient(t, f, dir, 1)

	first, err := client.Enroll(context.Background())
	require.NoError(t, err)
	installPair(t, certPath, keyPath, first.Certificate, first.Key)

	second, err := client.Enroll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, f.enrolls)
	assert.Equal(t, 1, f.reenrolls)

	// Every enrollment uses a fresh key.
	firstKey, err := agentcrypto.ParsePrivateKey(first.Key)
	require.NoError(t, err)
	secondKey, err := agentcrypto.ParsePrivateKey(second.Key)
	require.NoError(t, err)
	assert.NotEqual(t, firstKey.Public(), secondKey.Public())
}

func TestSelfHealAfterRejection(t *testing.T) {
	f := newFakeEST(t)
	dir := t.TempDir()
	client, certPath, keyPath := newTestClient(t, f, dir, 1)

	first, err := client.Enroll(context.Background())
	require.NoError(t, err)
	installPair(t, certPath, keyPath, first.Certificate, first.Key)

	// The CA stops recognizing the client certificate; with the bound at
	// one rejection the client deletes the pair and re-bootstraps within
	// the same cycle.
	f.mu.Lock()
	f.rejectReenroll = true
	f.mu.Unlock()

	cert, err := client.Enroll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, f.enrolls)
	assert.NotEmpty(t, cert.Certificate)
	assert.NoFileExists(t, certPath)
	assert.NoFileExists(t, keyPath)
}

func TestSelfHealHeldOffBelowBound(t *testing.T) {
	f := newFakeEST(t)
	dir := t.TempDir()
	client, certPath, keyPath := newTestClient(t, f, dir, 2)

	first, err := client.Enroll(context.Background())
	require.NoError(t, err)
	installPair(t, certPath, keyPath, first.Certificate, first.Key)

	f.mu.Lock()
	f.rejectReenroll = true
	f.mu.Unlock()

	// First rejection stays below the bound: error surfaces, pair kept.
	_, err = client.Enroll(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.KindAuthorization, errors.KindOf(err))
	assert.FileExists(t, certPath)
	assert.FileExists(t, keyPath)

	// Second consecutive rejection crosses it: pair deleted, bootstrap
	// enrollment succeeds.
	cert, err := client.Enroll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, f.enrolls)
	assert.NotEmpty(t, cert.SerialNumber)
	assert.NoFileExists(t, certPath)
}

func TestEnrollNonAuthorizationErrorDoesNotSelfHeal(t *testing.T) {
	f := newFakeEST(t)
	dir := t.TempDir()
	client, certPath, keyPath := newTestClient(t, f, dir, 1)

	first, err := client.Enroll(context.Background())
	require.NoError(t, err)
	installPair(t, certPath, keyPath, first.Certificate, first.Key)

	// A malformed local pair is a storage defect, not an authorization
	// rejection, and must not burn the bootstrap token.
	require.NoError(t, os.WriteFile(keyPath, []byte("garbage"), 0o600))

	_, err = client.Enroll(context.Background())
	assert.True(t, errors.Contains(err, est.ErrClientPair), "expected %v, got %v", est.ErrClientPair, err)
	assert.Equal(t, 1, f.enrolls)
	assert.FileExists(t, certPath)
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package acme_test

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/absmach/certs-agent/acme"
	agentcrypto "github.com/absmach/certs-agent/crypto"
	"github.com/absmach/certs-agent/pkg/errors"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDomain = "agent.example.com"

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeCA is a minimal RFC 8555 server: directory, nonce, account, one order
// with one http-01 authorization. It enforces single-use nonces and
// validates the challenge by fetching the solver like a real CA would.
type fakeCA struct {
	t *testing.T

	mu           sync.Mutex
	srv          *httptest.Server
	solverURL    string
	accountJWK   *jose.JSONWebKey
	nonceSeq     int
	usedNonces   map[string]bool
	issuedNonces map[string]bool

	authzStatus     string
	authzExpires    time.Time
	orderStatus     string
	orderPosts      int
	failOrderOnce   bool
	rejectChallenge bool
	neverValidate   bool

	caKey  agentcrypto.KeyPair
	caCert *x509.Certificate
	chain  []byte
}

func newFakeCA(t *testing.T) *fakeCA {
	t.Helper()

	kp, err := agentcrypto.GenerateKeyPair(agentcrypto.AlgECDSAP256)
	require.NoError(t, err)
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Fake ACME CA"},
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

	ca := &fakeCA{
		t:            t,
		usedNonces:   map[string]bool{},
		issuedNonces: map[string]bool{},
		authzStatus:  "pending",
		authzExpires: time.Now().Add(time.Hour),
		orderStatus:  "pending",
		caKey:        kp,
		caCert:       caCert,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/directory", ca.directory)
	mux.HandleFunc("/new-nonce", ca.newNonce)
	mux.HandleFunc("/new-account", ca.newAccount)
	mux.HandleFunc("/new-order", ca.newOrder)
	mux.HandleFunc("/authz/1", ca.authz)
	mux.HandleFunc("/chal/1", ca.challenge)
	mux.HandleFunc("/order/1", ca.order)
	mux.HandleFunc("/finalize/1", ca.finalize)
	mux.HandleFunc("/cert/1", ca.certificate)
	ca.srv = httptest.NewServer(mux)
	t.Cleanup(ca.srv.Close)

	return ca
}

func (ca *fakeCA) url(path string) string {
	return ca.srv.URL + path
}

func (ca *fakeCA) issueNonce(w http.ResponseWriter) {
	ca.nonceSeq++
	nonce := fmt.Sprintf("nonce-%d", ca.nonceSeq)
	ca.issuedNonces[nonce] = true
	w.Header().Set("Replay-Nonce", nonce)
}

// readJWS decodes the flattened serialization, enforces nonce single-use
// and captures the account JWK when embedded.
func (ca *fakeCA) readJWS(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	var envelope struct {
		Protected string `json:"protected"`
		Payload   string `json:"payload"`
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		ca.problem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", err.Error())
		return nil, false
	}
	protRaw, err := base64.RawURLEncoding.DecodeString(envelope.Protected)
	require.NoError(ca.t, err)

	var protected struct {
		Alg   string           `json:"alg"`
		Nonce string           `json:"nonce"`
		URL   string           `json:"url"`
		Kid   string           `json:"kid"`
		JWK   *jose.JSONWebKey `json:"jwk"`
	}
	require.NoError(ca.t, json.Unmarshal(protRaw, &protected))
	require.NotEmpty(ca.t, envelope.Signature)
	assert.Equal(ca.t, "ES256", protected.Alg)

	if !ca.issuedNonces[protected.Nonce] || ca.usedNonces[protected.Nonce] {
		ca.problem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:badNonce", "nonce reused or unknown")
		return nil, false
	}
	ca.usedNonces[protected.Nonce] = true

	if protected.JWK != nil {
		ca.accountJWK = protected.JWK
	} else {
		assert.NotEmpty(ca.t, protected.Kid, "kid required after registration")
	}

	payload, err := base64.RawURLEncoding.DecodeString(envelope.Payload)
	require.NoError(ca.t, err)
	return payload, true
}

func (ca *fakeCA) problem(w http.ResponseWriter, status int, typ, detail string) {
	ca.issueNonce(w)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"type": typ, "detail": detail, "status": status})
}

func (ca *fakeCA) directory(w http.ResponseWriter, _ *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"newNonce":   ca.url("/new-nonce"),
		"newAccount": ca.url("/new-account"),
		"newOrder":   ca.url("/new-order"),
	})
}

func (ca *fakeCA) newNonce(w http.ResponseWriter, _ *http.Request) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.issueNonce(w)
	w.WriteHeader(http.StatusOK)
}

func (ca *fakeCA) newAccount(w http.ResponseWriter, r *http.Request) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if _, ok := ca.readJWS(w, r); !ok {
		return
	}
	require.NotNil(ca.t, ca.accountJWK, "newAccount must embed the JWK")
	ca.issueNonce(w)
	w.Header().Set("Location", ca.url("/account/1"))
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"status": "valid"})
}

func (ca *fakeCA) orderJSON() map[string]any {
	out := map[string]any{
		"status":         ca.orderStatus,
		"expires":        time.Now().Add(time.Hour).Format(time.RFC3339),
		"identifiers":    []map[string]string{{"type": "dns", "value": testDomain}},
		"authorizations": []string{ca.url("/authz/1")},
		"finalize":       ca.url("/finalize/1"),
	}
	if ca.orderStatus == "valid" {
		out["certificate"] = ca.url("/cert/1")
	}
	return out
}

func (ca *fakeCA) newOrder(w http.ResponseWriter, r *http.Request) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if _, ok := ca.readJWS(w, r); !ok {
		return
	}
	ca.orderPosts++
	if ca.failOrderOnce {
		ca.failOrderOnce = false
		ca.problem(w, http.StatusInternalServerError, "urn:ietf:params:acme:error:serverInternal", "try again")
		return
	}
	ca.issueNonce(w)
	w.Header().Set("Location", ca.url("/order/1"))
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(ca.orderJSON())
}

func (ca *fakeCA) authzJSON() map[string]any {
	chal := map[string]any{
		"type":   "http-01",
		"url":    ca.url("/chal/1"),
		"token":  "tok-1",
		"status": ca.authzStatus,
	}
	if ca.authzStatus == "invalid" {
		chal["error"] = map[string]any{"type": "urn:ietf:params:acme:error:unauthorized", "detail": "key authorization mismatch"}
	}
	return map[string]any{
		"status":     ca.authzStatus,
		"expires":    ca.authzExpires.Format(time.RFC3339),
		"identifier": map[string]string{"type": "dns", "value": testDomain},
		"challenges": []map[string]any{chal},
	}
}

func (ca *fakeCA) authz(w http.ResponseWriter, r *http.Request) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if _, ok := ca.readJWS(w, r); !ok {
		return
	}
	ca.issueNonce(w)
	json.NewEncoder(w).Encode(ca.authzJSON())
}

// challenge validates like a real CA: fetch the well-known path from the
// solver and compare against the thumbprint-derived key authorization.
func (ca *fakeCA) challenge(w http.ResponseWriter, r *http.Request) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	payload, ok := ca.readJWS(w, r)
	if !ok {
		return
	}
	assert.JSONEq(ca.t, "{}", string(payload))

	switch {
	case ca.rejectChallenge:
		ca.authzStatus = "invalid"
	case ca.neverValidate:
		// leave pending
	default:
		resp, err := http.Get(ca.solverURL + acme.ChallengePath + "/tok-1")
		require.NoError(ca.t, err)
		served, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(ca.t, err)

		thumb, err := ca.accountJWK.Thumbprint(crypto.SHA256)
		require.NoError(ca.t, err)
		expected := "tok-1." + base64.RawURLEncoding.EncodeToString(thumb)
		if string(served) == expected {
			ca.authzStatus = "valid"
		} else {
			ca.authzStatus = "invalid"
		}
	}

	ca.issueNonce(w)
	json.NewEncoder(w).Encode(ca.authzJSON()["challenges"].([]map[string]any)[0])
}

func (ca *fakeCA) order(w http.ResponseWriter, r *http.Request) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if _, ok := ca.readJWS(w, r); !ok {
		return
	}
	ca.issueNonce(w)
	json.NewEncoder(w).Encode(ca.orderJSON())
}

func (ca *fakeCA) finalize(w http.ResponseWriter, r *http.Request) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	payload, ok := ca.readJWS(w, r)
	if !ok {
		return
	}

	var req struct {
		CSR string `json:"csr"`
	}
	require.NoError(ca.t, json.Unmarshal(payload, &req))
	csrDER, err := base64.RawURLEncoding.DecodeString(req.CSR)
	require.NoError(ca.t, err)
	csr, err := x509.ParseCertificateRequest(csrDER)
	require.NoError(ca.t, err)
	require.NoError(ca.t, csr.CheckSignature())
	assert.Equal(ca.t, testDomain, csr.Subject.CommonName)

	if ca.orderStatus != "invalid" {
		tmpl := x509.Certificate{
			SerialNumber: big.NewInt(0x51ab),
			Subject:      csr.Subject,
			DNSNames:     csr.DNSNames,
			NotBefore:    time.Now().Add(-time.Minute),
			NotAfter:     time.Now().Add(90 * 24 * time.Hour),
		}
		der, err := x509.CreateCertificate(rand.Reader, &tmpl, ca.caCert, csr.PublicKey, ca.caKey.Private)
		require.NoError(ca.t, err)
		ca.chain = agentcrypto.EncodeCertificatePEM(der, ca.caCert.Raw)
		ca.orderStatus = "valid"
	}

	ca.issueNonce(w)
	json.NewEncoder(w).Encode(ca.orderJSON())
}

func (ca *fakeCA) certificate(w http.ResponseWriter, r *http.Request) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if _, ok := ca.readJWS(w, r); !ok {
		return
	}
	ca.issueNonce(w)
	w.Header().Set("Content-Type", "application/pem-certificate-chain")
	w.Write(ca.chain)
}

func newTestClient(t *testing.T, ca *fakeCA) (*acme.Client, *acme.ChallengeStore) {
	t.Helper()

	solver := acme.NewChallengeStore()
	solverSrv := httptest.NewServer(solver.Handler())
	t.Cleanup(solverSrv.Close)
	ca.solverURL = solverSrv.URL

	client, err := acme.NewClient(acme.Config{
		DirectoryURL: ca.url("/directory"),
		Domain:       testDomain,
		PollInterval: 10 * time.Millisecond,
	}, solver, &http.Client{Timeout: 5 * time.Second}, logger)
	require.NoError(t, err)
	return client, solver
}

func TestEnroll(t *testing.T) {
	ca := newFakeCA(t)
	client, _ := newTestClient(t, ca)

	cert, err := client.Enroll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, acme.StateCertificateIssued, client.State())
	assert.Equal(t, "51ab", cert.SerialNumber)
	assert.Contains(t, cert.Subject, testDomain)
	assert.NotEmpty(t, cert.Key)

	leaf, err := agentcrypto.ParseCertificate(cert.Certificate)
	require.NoError(t, err)
	assert.Equal(t, []string{testDomain}, leaf.DNSNames)

	// The issued key matches the certificate.
	signer, err := agentcrypto.ParsePrivateKey(cert.Key)
	require.NoError(t, err)
	assert.Equal(t, leaf.PublicKey, signer.Public())

	// The challenge token is cleaned up after validation.
	resp, err := http.Get(ca.solverURL + acme.ChallengePath + "/tok-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEnrollChallengeRejected(t *testing.T) {
	ca := newFakeCA(t)
	ca.rejectChallenge = true
	client, _ := newTestClient(t, ca)

	_, err := client.Enroll(context.Background())
	assert.True(t, errors.Contains(err, acme.ErrChallengeFailed), "expected %v, got %v", acme.ErrChallengeFailed, err)
	assert.Equal(t, acme.StateOrderInvalid, client.State())
}

func TestEnrollAuthorizationExpires(t *testing.T) {
	ca := newFakeCA(t)
	ca.neverValidate = true
	ca.authzExpires = time.Now().Add(50 * time.Millisecond)
	client, _ := newTestClient(t, ca)

	_, err := client.Enroll(context.Background())
	assert.True(t, errors.Contains(err, acme.ErrAuthorizationExpired), "expected %v, got %v", acme.ErrAuthorizationExpired, err)
	assert.Equal(t, errors.KindTransient, errors.KindOf(err))
}

func TestEnrollRetriesTransientFailures(t *testing.T) {
	ca := newFakeCA(t)
	ca.failOrderOnce = true
	client, _ := newTestClient(t, ca)

	_, err := client.Enroll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, ca.orderPosts)
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package est drives RFC 7030 enrollment against an EST provisioner.
// Initial enrollment authenticates with a bootstrap bearer token;
// re-enrollment authenticates with mutual TLS using the currently installed
// pair. Every enrollment submits a freshly keyed CSR.
package est

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	agent "github.com/absmach/certs-agent"
	agentcrypto "github.com/absmach/certs-agent/crypto"
	"github.com/absmach/certs-agent/pkg/errors"
	"github.com/cenkalti/backoff/v4"
	"github.com/digitorus/pkcs7"
	"moul.io/http2curl"
)

const (
	wellKnownPrefix = "/.well-known/est"

	contentTypePKCS10 = "application/pkcs10"
	contentTypePKCS7  = "application/pkcs7-mime"

	maxTransientRetries = 4
)

var (
	ErrCACerts          = errors.NewKind("failed to fetch EST CA certificates", errors.KindTransient)
	ErrEnroll           = errors.New("EST enrollment failed")
	ErrReenroll         = errors.New("EST re-enrollment failed")
	ErrPKCS7Decode      = errors.NewKind("failed to decode PKCS#7 response", errors.KindMalformed)
	ErrNoCertInResponse = errors.NewKind("PKCS#7 response contains no certificate", errors.KindMalformed)
	ErrClientPair       = errors.NewKind("failed to load client certificate pair", errors.KindStorage)
)

// Remover deletes the installed pair during self-heal. Satisfied by the
// certificate installer.
type Remover interface {
	Remove() error
}

// Config parameterizes the client. BaseURL is the PKI root; endpoints are
// derived as {base}/.well-known/est/{provisioner}/....
type Config struct {
	BaseURL        string
	Provisioner    string
	DeviceName     string
	BootstrapToken string
	CertPath       string
	KeyPath        string
	KeyAlgorithm   agentcrypto.Algorithm

	// SelfHealAfter bounds the fallback: only after this many consecutive
	// authorization rejections is the local pair deleted and bootstrap
	// enrollment retried. Guards against a misconfigured CA burning the
	// bootstrap token in a loop.
	SelfHealAfter int

	Timeout   time.Duration
	CurlDebug bool
	TLSConfig *tls.Config
}

type Client struct {
	cfg    Config
	logger *slog.Logger
	rm     Remover

	authFailures int
}

var _ agent.Enroller = (*Client)(nil)

func NewClient(cfg Config, rm Remover, logger *slog.Logger) *Client {
	if cfg.KeyAlgorithm == "" {
		cfg.KeyAlgorithm = agentcrypto.AlgRSA2048
	}
	if cfg.SelfHealAfter <= 0 {
		cfg.SelfHealAfter = 1
	}
	return &Client{cfg: cfg, logger: logger, rm: rm}
}

// Enroll picks the enrollment path: mTLS re-enrollment when a local pair
// exists, bootstrap-token enrollment otherwise. When re-enrollment is
// rejected as unauthorized often enough to cross the self-heal bound, the
// local pair is deleted and bootstrap enrollment is attempted once within
// the same cycle.
func (c *Client) Enroll(ctx context.Context) (agent.Certificate, error) {
	if !c.hasLocalPair() {
		return c.enroll(ctx, "simpleenroll", nil)
	}

	pair, err := tls.LoadX509KeyPair(c.cfg.CertPath, c.cfg.KeyPath)
	if err != nil {
		return agent.Certificate{}, errors.Wrap(ErrClientPair, err)
	}
	cert, err := c.enroll(ctx, "simplereenroll", &pair)
	if err == nil {
		c.authFailures = 0
		return cert, nil
	}

	if errors.KindOf(err) != errors.KindAuthorization {
		return agent.Certificate{}, err
	}

	c.authFailures++
	if c.authFailures < c.cfg.SelfHealAfter {
		c.logger.Warn("EST re-enrollment rejected, holding off self-heal",
			slog.Int("consecutive_failures", c.authFailures),
			slog.Int("self_heal_after", c.cfg.SelfHealAfter))
		return agent.Certificate{}, err
	}

	c.logger.Warn("EST client certificate rejected, falling back to bootstrap enrollment")
	c.authFailures = 0
	if err := c.rm.Remove(); err != nil {
		return agent.Certificate{}, err
	}
	return c.enroll(ctx, "simpleenroll", nil)
}

// CACerts fetches the provisioner's trust chain. The endpoint is
// unauthenticated.
func (c *Client) CACerts(ctx context.Context) ([]*x509.Certificate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("cacerts"), nil)
	if err != nil {
		return nil, errors.Wrap(ErrCACerts, err)
	}
	resp, err := c.newHTTPClient(nil).Do(req)
	if err != nil {
		return nil, errors.Wrap(ErrCACerts, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrap(ErrCACerts, errors.New(resp.Status))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(ErrCACerts, err)
	}
	return decodePKCS7(body)
}

// enroll is the shared CSR-submission core behind both endpoints. A fresh
// key pair is generated on every call; the previous key is never reused.
func (c *Client) enroll(ctx context.Context, endpoint string, clientPair *tls.Certificate) (agent.Certificate, error) {
	wrapper := ErrEnroll
	if clientPair != nil {
		wrapper = ErrReenroll
	}

	kp, err := agentcrypto.GenerateKeyPair(c.cfg.KeyAlgorithm)
	if err != nil {
		return agent.Certificate{}, err
	}
	csrDER, err := agentcrypto.BuildCSR(c.cfg.DeviceName, nil, kp)
	if err != nil {
		return agent.Certificate{}, err
	}

	// The wire format is base64 standard alphabet over raw DER, no PEM
	// armor. Not to be confused with the base64url inside ACME JWS.
	body := base64.StdEncoding.EncodeToString(csrDER)

	respBody, err := c.postWithRetry(ctx, c.endpoint(endpoint), body, clientPair)
	if err != nil {
		return agent.Certificate{}, errors.Wrap(wrapper, err)
	}

	issued, err := decodePKCS7(respBody)
	if err != nil {
		return agent.Certificate{}, errors.Wrap(wrapper, err)
	}
	leaf := issued[0]

	keyPEM, err := agentcrypto.EncodePrivateKeyPEM(kp)
	if err != nil {
		return agent.Certificate{}, errors.Wrap(wrapper, err)
	}
	var ders [][]byte
	for _, crt := range issued {
		ders = append(ders, crt.Raw)
	}

	return agent.Certificate{
		SerialNumber: leaf.SerialNumber.Text(16),
		Certificate:  agentcrypto.EncodeCertificatePEM(ders...),
		Key:          keyPEM,
		Subject:      leaf.Subject.String(),
		Issuer:       leaf.Issuer.String(),
		NotBefore:    leaf.NotBefore,
		NotAfter:     leaf.NotAfter,
	}, nil
}

func (c *Client) postWithRetry(ctx context.Context, url, body string, clientPair *tls.Certificate) ([]byte, error) {
	httpClient := c.newHTTPClient(clientPair)
	var out []byte

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", contentTypePKCS10)
		req.Header.Set("Content-Transfer-Encoding", "base64")
		if clientPair == nil {
			req.Header.Set("Authorization", "Bearer "+c.cfg.BootstrapToken)
		}

		if c.cfg.CurlDebug {
			if curl, err := http2curl.GetCurlCommand(req); err == nil {
				log.Println(curl.String())
			}
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			return errors.NewKind(err.Error(), errors.KindTransient)
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.NewKind(err.Error(), errors.KindTransient)
		}

		if resp.StatusCode != http.StatusOK {
			err := errors.NewKind(fmt.Sprintf("%s: %s", resp.Status, strings.TrimSpace(string(b))), errors.KindFromStatus(resp.StatusCode))
			if resp.StatusCode >= 500 {
				return err
			}
			return backoff.Permanent(err)
		}

		out = b
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxTransientRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) newHTTPClient(clientPair *tls.Certificate) *http.Client {
	tlsCfg := &tls.Config{}
	if c.cfg.TLSConfig != nil {
		tlsCfg = c.cfg.TLSConfig.Clone()
	}
	if clientPair != nil {
		tlsCfg.Certificates = []tls.Certificate{*clientPair}
	}
	return &http.Client{
		Timeout:   c.cfg.Timeout,
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}
}

func (c *Client) endpoint(op string) string {
	return fmt.Sprintf("%s%s/%s/%s", strings.TrimRight(c.cfg.BaseURL, "/"), wellKnownPrefix, c.cfg.Provisioner, op)
}

func (c *Client) hasLocalPair() bool {
	if _, err := os.Stat(c.cfg.CertPath); err != nil {
		return false
	}
	_, err := os.Stat(c.cfg.KeyPath)
	return err == nil
}

// decodePKCS7 accepts the base64 (standard alphabet) SignedData EST
// responds with, tolerating raw DER for servers that skip the transfer
// encoding.
func decodePKCS7(body []byte) ([]*x509.Certificate, error) {
	der := body
	if decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(strings.TrimSpace(string(body)), "\n", "")); err == nil {
		der = decoded
	}
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, errors.Wrap(ErrPKCS7Decode, err)
	}
	if len(p7.Certificates) == 0 {
		return nil, ErrNoCertInResponse
	}
	return p7.Certificates, nil
}

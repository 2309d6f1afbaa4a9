// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package acme drives the RFC 8555 order lifecycle against an ACME
// provisioner: account registration, order creation, HTTP-01 challenge,
// finalization and certificate download. All authenticated calls are
// JWS-signed with a single-use nonce.
package acme

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	agent "github.com/absmach/certs-agent"
	agentcrypto "github.com/absmach/certs-agent/crypto"
	"github.com/absmach/certs-agent/pkg/errors"
	"github.com/cenkalti/backoff/v4"
	"moul.io/http2curl"
)

// Order lifecycle states. OrderInvalid is terminal: a fresh order must be
// started, there is no resume.
type State string

const (
	StateNoAccount            State = "no_account"
	StateAccountReady         State = "account_ready"
	StateOrderCreated         State = "order_created"
	StateAuthorizationPending State = "authorization_pending"
	StateChallengeServing     State = "challenge_serving"
	StateChallengeValidating  State = "challenge_validating"
	StateOrderReady           State = "order_ready"
	StateFinalizing           State = "finalizing"
	StateCertificateIssued    State = "certificate_issued"
	StateOrderInvalid         State = "order_invalid"
)

const (
	contentTypeJOSE = "application/jose+json"

	statusPending    = "pending"
	statusReady      = "ready"
	statusProcessing = "processing"
	statusValid      = "valid"
	statusInvalid    = "invalid"

	challengeHTTP01 = "http-01"

	defaultPollInterval = 2 * time.Second
	maxTransientRetries = 4
)

var (
	ErrDirectory            = errors.NewKind("failed to fetch ACME directory", errors.KindTransient)
	ErrNewAccount           = errors.New("failed to register ACME account")
	ErrNewOrder             = errors.New("failed to create ACME order")
	ErrNoHTTP01Challenge    = errors.NewKind("authorization offers no http-01 challenge", errors.KindMalformed)
	ErrChallengeFailed      = errors.New("CA reported the challenge invalid")
	ErrAuthorizationExpired = errors.NewKind("authorization expired before validation completed", errors.KindTransient)
	ErrOrderInvalid         = errors.New("order entered terminal invalid state")
	ErrFinalize             = errors.New("failed to finalize order")
	ErrCertificateDownload  = errors.New("failed to download issued certificate")
)

var cryptoSHA256 = crypto.SHA256

func base64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Solver makes HTTP-01 key authorizations reachable at
// /.well-known/acme-challenge/{token} for the CA's validation GET. The
// value must stay available until validation completes or the
// authorization expires.
type Solver interface {
	Present(token, keyAuth string)
	Cleanup(token string)
}

type directory struct {
	NewNonce   string `json:"newNonce"`
	NewAccount string `json:"newAccount"`
	NewOrder   string `json:"newOrder"`
	RevokeCert string `json:"revokeCert"`
	KeyChange  string `json:"keyChange"`
}

type identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type order struct {
	Status         string       `json:"status"`
	Expires        time.Time    `json:"expires"`
	Identifiers    []identifier `json:"identifiers"`
	Authorizations []string     `json:"authorizations"`
	Finalize       string       `json:"finalize"`
	Certificate    string       `json:"certificate"`
}

type challenge struct {
	Type   string   `json:"type"`
	URL    string   `json:"url"`
	Token  string   `json:"token"`
	Status string   `json:"status"`
	Error  *problem `json:"error,omitempty"`
}

type authorization struct {
	Status     string      `json:"status"`
	Expires    time.Time   `json:"expires"`
	Identifier identifier  `json:"identifier"`
	Challenges []challenge `json:"challenges"`
}

type problem struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
	Status int    `json:"status"`
}

func (p *problem) Error() string {
	return fmt.Sprintf("%s: %s", p.Type, p.Detail)
}

// Config parameterizes the client. DirectoryURL points at the
// provisioner's directory endpoint, e.g.
// {pki_url}/acme/{provisioner}/directory.
type Config struct {
	DirectoryURL string
	Domain       string
	KeyAlgorithm agentcrypto.Algorithm
	PollInterval time.Duration
	CurlDebug    bool
}

// Client holds the per-process ACME session: account key, kid once
// registered, cached directory and the nonce pool.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	solver     Solver

	accountKey *ecdsa.PrivateKey
	kid        string
	dir        *directory
	nonces     *nonceSource
	state      State
}

var _ agent.Enroller = (*Client)(nil)

func NewClient(cfg Config, solver Solver, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	key, err := generateAccountKey()
	if err != nil {
		return nil, err
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.KeyAlgorithm == "" {
		cfg.KeyAlgorithm = agentcrypto.AlgECDSAP256
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
		solver:     solver,
		accountKey: key,
		state:      StateNoAccount,
	}, nil
}

// State reports where in the order lifecycle the client currently is.
func (c *Client) State() State {
	return c.state
}

// Enroll runs one complete order: register (or look up) the account, create
// an order for the configured domain, satisfy the HTTP-01 challenge,
// finalize with a freshly keyed CSR and download the chain.
func (c *Client) Enroll(ctx context.Context) (agent.Certificate, error) {
	if err := c.ensureDirectory(ctx); err != nil {
		return agent.Certificate{}, err
	}
	if err := c.ensureAccount(ctx); err != nil {
		return agent.Certificate{}, err
	}

	ord, orderURL, err := c.newOrder(ctx)
	if err != nil {
		return agent.Certificate{}, err
	}

	for _, authzURL := range ord.Authorizations {
		if err := c.completeAuthorization(ctx, authzURL); err != nil {
			return agent.Certificate{}, err
		}
	}

	kp, err := agentcrypto.GenerateKeyPair(c.cfg.KeyAlgorithm)
	if err != nil {
		return agent.Certificate{}, err
	}
	csr, err := agentcrypto.BuildCSR(c.cfg.Domain, []string{c.cfg.Domain}, kp)
	if err != nil {
		return agent.Certificate{}, err
	}

	certURL, err := c.finalize(ctx, ord, orderURL, csr)
	if err != nil {
		return agent.Certificate{}, err
	}

	chainPEM, err := c.downloadCertificate(ctx, certURL)
	if err != nil {
		return agent.Certificate{}, err
	}
	c.state = StateCertificateIssued

	leaf, err := agentcrypto.ParseCertificate(chainPEM)
	if err != nil {
		return agent.Certificate{}, err
	}
	keyPEM, err := agentcrypto.EncodePrivateKeyPEM(kp)
	if err != nil {
		return agent.Certificate{}, err
	}

	return agent.Certificate{
		SerialNumber: leaf.SerialNumber.Text(16),
		Certificate:  chainPEM,
		Key:          keyPEM,
		Subject:      leaf.Subject.String(),
		Issuer:       leaf.Issuer.String(),
		NotBefore:    leaf.NotBefore,
		NotAfter:     leaf.NotAfter,
	}, nil
}

// ensureDirectory fetches and caches the endpoint map for the process
// lifetime.
func (c *Client) ensureDirectory(ctx context.Context) error {
	if c.dir != nil {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.DirectoryURL, nil)
	if err != nil {
		return errors.Wrap(ErrDirectory, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(ErrDirectory, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Wrap(ErrDirectory, errors.New(resp.Status))
	}
	var dir directory
	if err := json.NewDecoder(resp.Body).Decode(&dir); err != nil {
		return errors.Wrap(ErrDirectory, err)
	}
	c.dir = &dir
	c.nonces = &nonceSource{newNonceURL: dir.NewNonce, client: c.httpClient}
	return nil
}

func (c *Client) ensureAccount(ctx context.Context) error {
	if c.kid != "" {
		return nil
	}
	payload := []byte(`{"termsOfServiceAgreed":true}`)
	resp, body, err := c.post(ctx, c.dir.NewAccount, payload, true)
	if err != nil {
		return errors.Wrap(ErrNewAccount, err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return errors.Wrap(ErrNewAccount, c.problemError(resp.StatusCode, body))
	}
	kid := resp.Header.Get("Location")
	if kid == "" {
		return errors.Wrap(ErrNewAccount, errors.NewKind("missing account URL", errors.KindMalformed))
	}
	c.kid = kid
	c.state = StateAccountReady
	c.logger.Info("ACME account ready", slog.String("kid", kid))
	return nil
}

func (c *Client) newOrder(ctx context.Context) (*order, string, error) {
	payload, err := json.Marshal(struct {
		Identifiers []identifier `json:"identifiers"`
	}{[]identifier{{Type: "dns", Value: c.cfg.Domain}}})
	if err != nil {
		return nil, "", errors.Wrap(ErrNewOrder, err)
	}
	resp, body, err := c.post(ctx, c.dir.NewOrder, payload, false)
	if err != nil {
		return nil, "", errors.Wrap(ErrNewOrder, err)
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, "", errors.Wrap(ErrNewOrder, c.problemError(resp.StatusCode, body))
	}
	var ord order
	if err := json.Unmarshal(body, &ord); err != nil {
		return nil, "", errors.Wrap(ErrNewOrder, err)
	}
	c.state = StateOrderCreated
	return &ord, resp.Header.Get("Location"), nil
}

// completeAuthorization serves the key authorization and polls until the CA
// reports valid. A CA-reported invalid is surfaced as ErrChallengeFailed;
// running out of time before the authorization's own expiry is a distinct
// ErrAuthorizationExpired.
func (c *Client) completeAuthorization(ctx context.Context, authzURL string) error {
	c.state = StateAuthorizationPending
	authz, err := c.getAuthorization(ctx, authzURL)
	if err != nil {
		return err
	}
	if authz.Status == statusValid {
		return nil
	}

	var chal *challenge
	for i := range authz.Challenges {
		if authz.Challenges[i].Type == challengeHTTP01 {
			chal = &authz.Challenges[i]
			break
		}
	}
	if chal == nil {
		return ErrNoHTTP01Challenge
	}

	keyAuth, err := c.keyAuthorization(chal.Token)
	if err != nil {
		return err
	}
	c.solver.Present(chal.Token, keyAuth)
	defer c.solver.Cleanup(chal.Token)
	c.state = StateChallengeServing

	// Empty JSON object tells the CA the challenge is ready for validation.
	resp, body, err := c.post(ctx, chal.URL, []byte("{}"), false)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Wrap(ErrChallengeFailed, c.problemError(resp.StatusCode, body))
	}
	c.state = StateChallengeValidating

	deadline := authz.Expires
	if deadline.IsZero() {
		deadline = time.Now().Add(5 * time.Minute)
	}
	for {
		authz, err := c.getAuthorization(ctx, authzURL)
		if err != nil {
			return err
		}
		switch authz.Status {
		case statusValid:
			return nil
		case statusInvalid:
			c.state = StateOrderInvalid
			for _, ch := range authz.Challenges {
				if ch.Error != nil {
					return errors.Wrap(ErrChallengeFailed, ch.Error)
				}
			}
			return ErrChallengeFailed
		}

		if time.Now().After(deadline) {
			return ErrAuthorizationExpired
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ErrAuthorizationExpired, ctx.Err())
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

func (c *Client) getAuthorization(ctx context.Context, url string) (*authorization, error) {
	resp, body, err := c.post(ctx, url, nil, false) // POST-as-GET
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.problemError(resp.StatusCode, body)
	}
	var authz authorization
	if err := json.Unmarshal(body, &authz); err != nil {
		return nil, errors.Wrap(ErrNewOrder, err)
	}
	return &authz, nil
}

func (c *Client) finalize(ctx context.Context, ord *order, orderURL string, csrDER []byte) (string, error) {
	c.state = StateOrderReady
	payload, err := json.Marshal(struct {
		CSR string `json:"csr"`
	}{base64URL(csrDER)})
	if err != nil {
		return "", errors.Wrap(ErrFinalize, err)
	}
	resp, body, err := c.post(ctx, ord.Finalize, payload, false)
	if err != nil {
		return "", errors.Wrap(ErrFinalize, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Wrap(ErrFinalize, c.problemError(resp.StatusCode, body))
	}
	c.state = StateFinalizing

	deadline := time.Now().Add(2 * time.Minute)
	for {
		var cur order
		resp, body, err := c.post(ctx, orderURL, nil, false)
		if err != nil {
			return "", errors.Wrap(ErrFinalize, err)
		}
		if resp.StatusCode != http.StatusOK {
			return "", errors.Wrap(ErrFinalize, c.problemError(resp.StatusCode, body))
		}
		if err := json.Unmarshal(body, &cur); err != nil {
			return "", errors.Wrap(ErrFinalize, err)
		}
		switch cur.Status {
		case statusValid:
			return cur.Certificate, nil
		case statusInvalid:
			c.state = StateOrderInvalid
			return "", ErrOrderInvalid
		}
		if time.Now().After(deadline) {
			return "", errors.Wrap(ErrFinalize, ErrAuthorizationExpired)
		}
		select {
		case <-ctx.Done():
			return "", errors.Wrap(ErrFinalize, ctx.Err())
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

func (c *Client) downloadCertificate(ctx context.Context, url string) ([]byte, error) {
	resp, body, err := c.post(ctx, url, nil, false)
	if err != nil {
		return nil, errors.Wrap(ErrCertificateDownload, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrap(ErrCertificateDownload, c.problemError(resp.StatusCode, body))
	}
	return body, nil
}

// post signs payload into a JWS envelope and sends it, retrying transient
// failures with exponential backoff and honoring a Retry-After hint. The
// response's replay nonce is always banked for the next call; a failed
// request burns its nonce, so each attempt signs afresh.
func (c *Client) post(ctx context.Context, url string, payload []byte, embedJWK bool) (*http.Response, []byte, error) {
	var (
		resp *http.Response
		body []byte
	)

	op := func() error {
		signed, err := c.signJWS(url, payload, embedJWK)
		if err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(signed))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", contentTypeJOSE)

		if c.cfg.CurlDebug {
			if curl, err := http2curl.GetCurlCommand(req); err == nil {
				log.Println(curl.String())
			}
		}

		r, err := c.httpClient.Do(req)
		if err != nil {
			return errors.NewKind(err.Error(), errors.KindTransient)
		}
		defer r.Body.Close()
		c.nonces.Observe(r)

		b, err := io.ReadAll(r.Body)
		if err != nil {
			return errors.NewKind(err.Error(), errors.KindTransient)
		}

		if r.StatusCode >= 500 {
			if wait := retryAfter(r); wait > 0 {
				select {
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				case <-time.After(wait):
				}
			}
			return errors.NewKind(r.Status, errors.KindTransient)
		}

		resp, body = r, b
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxTransientRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

func (c *Client) problemError(status int, body []byte) error {
	kind := errors.KindFromStatus(status)
	var prob problem
	if err := json.Unmarshal(body, &prob); err == nil && prob.Detail != "" {
		return errors.Wrap(errors.NewKind(prob.Type, kind), errors.New(prob.Detail))
	}
	return errors.NewKind(strconv.Itoa(status), kind)
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

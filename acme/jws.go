// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package acme

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"net/http"

	"github.com/absmach/certs-agent/pkg/errors"
	jose "github.com/go-jose/go-jose/v4"
)

const replayNonceHeader = "Replay-Nonce"

var (
	ErrAccountKey = errors.New("failed to generate account key")
	ErrSignJWS    = errors.NewKind("failed to sign ACME request", errors.KindMalformed)
	ErrNoNonce    = errors.NewKind("failed to obtain a fresh nonce", errors.KindTransient)
)

func generateAccountKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(ErrAccountKey, err)
	}
	return key, nil
}

// nonceSource hands out single-use nonces for the JWS protected header.
// Every CA response replenishes the pool through Observe; when the pool is
// empty a fresh nonce is fetched from the newNonce endpoint. A nonce is
// never handed out twice.
type nonceSource struct {
	newNonceURL string
	client      *http.Client
	pool        []string
}

var _ jose.NonceSource = (*nonceSource)(nil)

func (n *nonceSource) Nonce() (string, error) {
	if len(n.pool) > 0 {
		last := n.pool[len(n.pool)-1]
		n.pool = n.pool[:len(n.pool)-1]
		return last, nil
	}

	resp, err := n.client.Head(n.newNonceURL)
	if err != nil {
		return "", errors.Wrap(ErrNoNonce, err)
	}
	defer resp.Body.Close()
	nonce := resp.Header.Get(replayNonceHeader)
	if nonce == "" {
		return "", ErrNoNonce
	}
	return nonce, nil
}

// Observe stores the replay nonce from a CA response for the next request.
func (n *nonceSource) Observe(resp *http.Response) {
	if nonce := resp.Header.Get(replayNonceHeader); nonce != "" {
		n.pool = append(n.pool, nonce)
	}
}

// signJWS wraps payload in the flattened JWS JSON serialization RFC 8555
// requires: protected header with alg, nonce, url and either the full
// account JWK (newAccount only) or the account URL as kid. The payload of a
// POST-as-GET is empty.
func (c *Client) signJWS(url string, payload []byte, embedJWK bool) ([]byte, error) {
	opts := &jose.SignerOptions{NonceSource: c.nonces}
	opts.WithHeader(jose.HeaderKey("url"), url)

	var key interface{} = c.accountKey
	if embedJWK {
		opts.EmbedJWK = true
	} else {
		key = jose.JSONWebKey{Key: c.accountKey, KeyID: c.kid, Algorithm: string(jose.ES256)}
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: key}, opts)
	if err != nil {
		return nil, errors.Wrap(ErrSignJWS, err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return nil, errors.Wrap(ErrSignJWS, err)
	}
	return []byte(jws.FullSerialize()), nil
}

// keyAuthorization builds the HTTP-01 proof: token.base64url(SHA-256 JWK
// thumbprint of the account key).
func (c *Client) keyAuthorization(token string) (string, error) {
	jwk := jose.JSONWebKey{Key: c.accountKey.Public()}
	thumb, err := jwk.Thumbprint(cryptoSHA256)
	if err != nil {
		return "", errors.Wrap(ErrSignJWS, err)
	}
	return token + "." + base64URL(thumb), nil
}

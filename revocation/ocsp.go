// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package revocation

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"io"
	"net/http"

	"github.com/absmach/certs-agent/pkg/errors"
	"golang.org/x/crypto/ocsp"
)

var ErrOCSPProbe = errors.NewKind("OCSP probe failed", errors.KindTransient)

// Prober asks an OCSP responder for the status of a single certificate.
// It backs the revocation check for CAs that publish a responder instead of
// a CRL distribution point.
type Prober struct {
	client *http.Client
}

func NewProber(client *http.Client) *Prober {
	if client == nil {
		client = &http.Client{}
	}
	return &Prober{client: client}
}

// Probe maps the responder's answer onto the same three-valued outcome the
// CRL path uses.
func (p *Prober) Probe(ctx context.Context, cert, issuer *x509.Certificate, responderURL string) (Outcome, error) {
	req, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: crypto.SHA256})
	if err != nil {
		return Unknown, errors.Wrap(ErrOCSPProbe, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, responderURL, bytes.NewBuffer(req))
	if err != nil {
		return Unknown, errors.Wrap(ErrOCSPProbe, err)
	}
	httpReq.Header.Add("Content-Type", "application/ocsp-request")
	httpReq.Header.Add("Accept", "application/ocsp-response")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Unknown, errors.Wrap(ErrOCSPProbe, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Unknown, errors.Wrap(ErrOCSPProbe, err)
	}

	parsed, err := ocsp.ParseResponseForCert(raw, cert, issuer)
	if err != nil {
		return Unknown, errors.Wrap(ErrOCSPProbe, err)
	}

	switch parsed.Status {
	case ocsp.Good:
		return Good, nil
	case ocsp.Revoked:
		return Revoked, nil
	default:
		return Unknown, nil
	}
}

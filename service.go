// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"crypto/x509"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/absmach/certs-agent/crypto"
	"github.com/absmach/certs-agent/install"
	"github.com/absmach/certs-agent/monitor"
	"github.com/absmach/certs-agent/pkg/errors"
	"github.com/absmach/certs-agent/revocation"
)

// CRL downloads use a shorter timeout than enrollment calls: a failed fetch
// falls back to the cached copy, so there is no point waiting long.
const crlTimeoutFraction = 3

var (
	ErrRevocationUnknown = errors.New("revocation status unknown")
	ErrIssuerFetch       = errors.NewKind("failed to fetch issuer certificate", errors.KindTransient)
)

type service struct {
	cfg       Config
	monitor   *monitor.Monitor
	crl       *revocation.Validator
	prober    *revocation.Prober
	enroller  Enroller
	installer *install.Installer
	logger    *slog.Logger
}

var _ Service = (*service)(nil)

func NewService(cfg Config, enroller Enroller, logger *slog.Logger) Service {
	svc := &service{
		cfg:       cfg,
		monitor:   monitor.New(cfg.CertPath),
		enroller:  enroller,
		installer: install.New(cfg.CertPath, cfg.KeyPath, cfg.ReloadCmd, logger),
		logger:    logger,
	}
	httpTimeout := time.Duration(cfg.HTTPTimeoutSec) * time.Second
	if cfg.CRL.Enabled {
		maxAge := time.Duration(cfg.CRL.MaxAgeHours * float64(time.Hour))
		svc.crl = revocation.NewValidator(cfg.CRL.URL, cfg.CRL.CachePath, maxAge, httpTimeout/crlTimeoutFraction)
	} else {
		svc.prober = revocation.NewProber(&http.Client{Timeout: httpTimeout / crlTimeoutFraction})
	}
	return svc
}

func (s *service) InspectCertificate(ctx context.Context) (CertificateStatus, error) {
	st, err := s.monitor.Inspect()
	if err != nil {
		return CertificateStatus{}, err
	}
	return CertificateStatus{
		Exists:         st.Exists,
		Record:         st.Record,
		SerialNumber:   st.SerialNumber,
		DaysRemaining:  st.DaysRemaining,
		ElapsedPercent: st.ElapsedPercent,
	}, nil
}

// CheckRevocation consults the CRL when configured, falling back to an OCSP
// probe when the certificate advertises a responder. A refresh failure is a
// soft error: the stale cache still answers, and without any cache the
// outcome is Unknown, which callers must not treat as Good.
func (s *service) CheckRevocation(ctx context.Context, cert *x509.Certificate) (RevocationOutcome, error) {
	if s.crl != nil {
		if _, err := s.crl.RefreshIfStale(ctx); err != nil {
			s.logger.Warn("CRL refresh failed, using cached copy", slog.Any("error", err))
		}
		return outcomeFromCRL(s.crl.IsRevoked(cert)), nil
	}

	if len(cert.OCSPServer) == 0 || len(cert.IssuingCertificateURL) == 0 {
		return RevocationUnknown, nil
	}
	issuer, err := s.fetchIssuer(ctx, cert.IssuingCertificateURL[0])
	if err != nil {
		return RevocationUnknown, err
	}
	out, err := s.prober.Probe(ctx, cert, issuer, cert.OCSPServer[0])
	if err != nil {
		return RevocationUnknown, err
	}
	return outcomeFromCRL(out), nil
}

func (s *service) RenewCertificate(ctx context.Context) (Certificate, error) {
	return s.enroller.Enroll(ctx)
}

func (s *service) InstallCertificate(ctx context.Context, cert Certificate) error {
	return s.installer.InstallAtomic(ctx, cert.Certificate, cert.Key)
}

func (s *service) RemoveCertificate(ctx context.Context) error {
	return s.installer.Remove()
}

func (s *service) fetchIssuer(ctx context.Context, url string) (*x509.Certificate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(ErrIssuerFetch, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(ErrIssuerFetch, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(ErrIssuerFetch, err)
	}
	return crypto.ParseCertificate(raw)
}

func outcomeFromCRL(out revocation.Outcome) RevocationOutcome {
	switch out {
	case revocation.Good:
		return RevocationGood
	case revocation.Revoked:
		return RevocationRevoked
	default:
		return RevocationUnknown
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"crypto/x509"
	"time"

	agent "github.com/absmach/certs-agent"
	"github.com/go-kit/kit/metrics"
)

var _ agent.Service = (*metricsMiddleware)(nil)

type metricsMiddleware struct {
	counter metrics.Counter
	latency metrics.Histogram
	svc     agent.Service
}

// MetricsMiddleware instruments core service by tracking request count and latency.
func MetricsMiddleware(svc agent.Service, counter metrics.Counter, latency metrics.Histogram) agent.Service {
	return &metricsMiddleware{
		counter: counter,
		latency: latency,
		svc:     svc,
	}
}

func (mm *metricsMiddleware) InspectCertificate(ctx context.Context) (agent.CertificateStatus, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "inspect_certificate").Add(1)
		mm.latency.With("method", "inspect_certificate").Observe(time.Since(begin).Seconds())
	}(time.Now())
	return mm.svc.InspectCertificate(ctx)
}

func (mm *metricsMiddleware) CheckRevocation(ctx context.Context, cert *x509.Certificate) (agent.RevocationOutcome, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "check_revocation").Add(1)
		mm.latency.With("method", "check_revocation").Observe(time.Since(begin).Seconds())
	}(time.Now())
	return mm.svc.CheckRevocation(ctx, cert)
}

func (mm *metricsMiddleware) RenewCertificate(ctx context.Context) (agent.Certificate, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "renew_certificate").Add(1)
		mm.latency.With("method", "renew_certificate").Observe(time.Since(begin).Seconds())
	}(time.Now())
	return mm.svc.RenewCertificate(ctx)
}

func (mm *metricsMiddleware) InstallCertificate(ctx context.Context, cert agent.Certificate) error {
	defer func(begin time.Time) {
		mm.counter.With("method", "install_certificate").Add(1)
		mm.latency.With("method", "install_certificate").Observe(time.Since(begin).Seconds())
	}(time.Now())
	return mm.svc.InstallCertificate(ctx, cert)
}

func (mm *metricsMiddleware) RemoveCertificate(ctx context.Context) error {
	defer func(begin time.Time) {
		mm.counter.With("method", "remove_certificate").Add(1)
		mm.latency.With("method", "remove_certificate").Observe(time.Since(begin).Seconds())
	}(time.Now())
	return mm.svc.RemoveCertificate(ctx)
}

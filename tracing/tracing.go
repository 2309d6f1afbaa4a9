// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tracing

import (
	"context"
	"crypto/x509"

	agent "github.com/absmach/certs-agent"
	"go.opentelemetry.io/otel/trace"
)

var _ agent.Service = (*tracingMiddleware)(nil)

type tracingMiddleware struct {
	tracer trace.Tracer
	svc    agent.Service
}

// New returns a new lifecycle service with tracing capabilities.
func New(svc agent.Service, tracer trace.Tracer) agent.Service {
	return &tracingMiddleware{tracer, svc}
}

func (tm *tracingMiddleware) InspectCertificate(ctx context.Context) (agent.CertificateStatus, error) {
	ctx, span := tm.tracer.Start(ctx, "inspect_certificate")
	defer span.End()
	return tm.svc.InspectCertificate(ctx)
}

func (tm *tracingMiddleware) CheckRevocation(ctx context.Context, cert *x509.Certificate) (agent.RevocationOutcome, error) {
	ctx, span := tm.tracer.Start(ctx, "check_revocation")
	defer span.End()
	return tm.svc.CheckRevocation(ctx, cert)
}

func (tm *tracingMiddleware) RenewCertificate(ctx context.Context) (agent.Certificate, error) {
	ctx, span := tm.tracer.Start(ctx, "renew_certificate")
	defer span.End()
	return tm.svc.RenewCertificate(ctx)
}

func (tm *tracingMiddleware) InstallCertificate(ctx context.Context, cert agent.Certificate) error {
	ctx, span := tm.tracer.Start(ctx, "install_certificate")
	defer span.End()
	return tm.svc.InstallCertificate(ctx, cert)
}

func (tm *tracingMiddleware) RemoveCertificate(ctx context.Context) error {
	ctx, span := tm.tracer.Start(ctx, "remove_certificate")
	defer span.End()
	return tm.svc.RemoveCertificate(ctx)
}

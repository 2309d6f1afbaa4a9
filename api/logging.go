// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"
	"time"

	agent "github.com/absmach/certs-agent"
)

var _ agent.Service = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger *slog.Logger
	svc    agent.Service
}

// LoggingMiddleware adds logging facilities to the core service.
func LoggingMiddleware(svc agent.Service, logger *slog.Logger) agent.Service {
	return &loggingMiddleware{logger, svc}
}

func (lm *loggingMiddleware) InspectCertificate(ctx context.Context) (status agent.CertificateStatus, err error) {
	defer func(begin time.Time) {
		message := fmt.Sprintf("Method inspect_certificate took %s to complete", time.Since(begin))
		if err != nil {
			lm.logger.Warn(fmt.Sprintf("%s with error: %s.", message, err))
			return
		}
		lm.logger.Info(message)
	}(time.Now())
	return lm.svc.InspectCertificate(ctx)
}

func (lm *loggingMiddleware) CheckRevocation(ctx context.Context, cert *x509.Certificate) (outcome agent.RevocationOutcome, err error) {
	defer func(begin time.Time) {
		message := fmt.Sprintf("Method check_revocation took %s to complete", time.Since(begin))
		if err != nil {
			lm.logger.Warn(fmt.Sprintf("%s with error: %s.", message, err))
			return
		}
		lm.logger.Info(fmt.Sprintf("%s with outcome %s", message, outcome))
	}(time.Now())
	return lm.svc.CheckRevocation(ctx, cert)
}

func (lm *loggingMiddleware) RenewCertificate(ctx context.Context) (cert agent.Certificate, err error) {
	defer func(begin time.Time) {
		message := fmt.Sprintf("Method renew_certificate took %s to complete", time.Since(begin))
		if err != nil {
			lm.logger.Warn(fmt.Sprintf("%s with error: %s.", message, err))
			return
		}
		lm.logger.Info(message)
	}(time.Now())
	return lm.svc.RenewCertificate(ctx)
}

func (lm *loggingMiddleware) InstallCertificate(ctx context.Context, cert agent.Certificate) (err error) {
	defer func(begin time.Time) {
		message := fmt.Sprintf("Method install_certificate for cert %s took %s to complete", cert.SerialNumber, time.Since(begin))
		if err != nil {
			lm.logger.Warn(fmt.Sprintf("%s with error: %s.", message, err))
			return
		}
		lm.logger.Info(message)
	}(time.Now())
	return lm.svc.InstallCertificate(ctx, cert)
}

func (lm *loggingMiddleware) RemoveCertificate(ctx context.Context) (err error) {
	defer func(begin time.Time) {
		message := fmt.Sprintf("Method remove_certificate took %s to complete", time.Since(begin))
		if err != nil {
			lm.logger.Warn(fmt.Sprintf("%s with error: %s.", message, err))
			return
		}
		lm.logger.Info(message)
	}(time.Now())
	return lm.svc.RemoveCertificate(ctx)
}

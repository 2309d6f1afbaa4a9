// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"log/slog"

	"github.com/absmach/certs-agent/workflow"
)

// RenewalDue is the renewal decision. A revoked certificate collapses the
// decision to renew-now regardless of remaining validity; a missing one
// routes to initial enrollment. Elapsed at or past 100 means expired and
// always renews, whatever the threshold.
func RenewalDue(status CertificateStatus, thresholdPct int, outcome RevocationOutcome) bool {
	if !status.Exists {
		return true
	}
	if outcome == RevocationRevoked {
		return true
	}
	return status.ElapsedPercent >= float64(thresholdPct)
}

// cycleState carries the monitor and revocation results across the steps of
// one iteration. It is rebuilt from scratch every cycle.
type cycleState struct {
	status  CertificateStatus
	outcome RevocationOutcome
}

// Steps builds the check-decide-act sequence shared by both agents:
// inspect the installed certificate, consult the CRL, then renew and
// install if the decision calls for it. The revocation step continues on
// error: a failed check must not block a renewal that is due anyway.
func Steps(svc Service, cfg Config, logger *slog.Logger) []workflow.Step {
	state := &cycleState{}

	inspect := workflow.Step{
		Name: "inspect",
		Run: func(ctx context.Context) error {
			*state = cycleState{outcome: RevocationUnknown}
			status, err := svc.InspectCertificate(ctx)
			if err != nil {
				return err
			}
			state.status = status
			if status.Exists && status.ElapsedPercent < 0 {
				logger.Warn("certificate notBefore is in the future, check system clock",
					slog.String("serial", status.SerialNumber),
					slog.Float64("elapsed_percent", status.ElapsedPercent))
			}
			return nil
		},
	}

	checkRevocation := workflow.Step{
		Name:            "revocation_check",
		ContinueOnError: true,
		Run: func(ctx context.Context) error {
			if !state.status.Exists || !cfg.CRL.CheckBeforeRenewal {
				return nil
			}
			outcome, err := svc.CheckRevocation(ctx, state.status.Record)
			if err != nil {
				return err
			}
			state.outcome = outcome
			if outcome == RevocationRevoked {
				logger.Error("installed certificate is revoked, forcing renewal",
					slog.String("serial", state.status.SerialNumber))
			}
			return nil
		},
	}

	renew := workflow.Step{
		Name: "renew",
		Run: func(ctx context.Context) error {
			if !RenewalDue(state.status, cfg.RenewalThresholdPct, state.outcome) {
				logger.Debug("certificate within threshold, nothing to do",
					slog.Float64("elapsed_percent", state.status.ElapsedPercent),
					slog.Int("threshold_pct", cfg.RenewalThresholdPct))
				return nil
			}
			cert, err := svc.RenewCertificate(ctx)
			if err != nil {
				return err
			}
			if err := svc.InstallCertificate(ctx, cert); err != nil {
				return err
			}
			logger.Info("certificate renewed and installed",
				slog.String("serial", cert.SerialNumber),
				slog.Time("not_after", cert.NotAfter))
			return nil
		},
	}

	return []workflow.Step{inspect, checkRevocation, renew}
}

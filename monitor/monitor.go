// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package monitor inspects the installed certificate and reports how far
// through its validity window it is.
package monitor

import (
	"crypto/x509"
	"os"
	"time"

	"github.com/absmach/certs-agent/crypto"
	"github.com/absmach/certs-agent/pkg/errors"
)

var ErrCertificateRead = errors.NewKind("failed to read certificate", errors.KindStorage)

// Status describes the installed certificate. A missing file yields
// Exists=false with no error: first run is a normal state.
type Status struct {
	Exists         bool
	Record         *x509.Certificate
	SerialNumber   string
	DaysRemaining  float64
	ElapsedPercent float64
}

// Monitor reads the certificate at a fixed path.
type Monitor struct {
	certPath string
	now      func() time.Time
}

func New(certPath string) *Monitor {
	return &Monitor{certPath: certPath, now: time.Now}
}

// WithClock overrides the time source. Used in tests.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Exists reports whether a certificate file is present. It never fails;
// unreadable files are resolved by Inspect.
func (m *Monitor) Exists() bool {
	_, err := os.Stat(m.certPath)
	return err == nil
}

// Inspect parses the installed certificate and computes the renewal
// metrics. Parse failures are reported as ErrCertificateRead, distinct from
// the not-installed state.
func (m *Monitor) Inspect() (Status, error) {
	raw, err := os.ReadFile(m.certPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Status{Exists: false}, nil
		}
		return Status{}, errors.Wrap(ErrCertificateRead, err)
	}

	cert, err := crypto.ParseCertificate(raw)
	if err != nil {
		return Status{}, errors.Wrap(ErrCertificateRead, err)
	}

	now := m.now()
	return Status{
		Exists:         true,
		Record:         cert,
		SerialNumber:   cert.SerialNumber.Text(16),
		DaysRemaining:  crypto.DaysRemaining(cert, now),
		ElapsedPercent: crypto.LifetimeElapsedPercent(cert, now),
	}, nil
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"crypto/x509"
	"time"
)

// Protocol identifies the enrollment protocol an agent speaks.
type Protocol string

const (
	ProtocolACME Protocol = "acme"
	ProtocolEST  Protocol = "est"
)

// Certificate is an issued certificate together with the key pair it was
// enrolled with. A renewal always produces a new Certificate; records are
// never mutated in place.
type Certificate struct {
	SerialNumber string
	Certificate  []byte // PEM-encoded leaf, optionally followed by the chain.
	Key          []byte // PEM-encoded private key.
	Subject      string
	Issuer       string
	NotBefore    time.Time
	NotAfter     time.Time
}

// CertificateStatus is the monitor's view of the installed certificate.
type CertificateStatus struct {
	Exists         bool
	Record         *x509.Certificate
	SerialNumber   string
	DaysRemaining  float64
	ElapsedPercent float64
}

// RevocationOutcome is a three-valued revocation answer. Unknown means no
// usable CRL was available; callers must not treat it as Good.
type RevocationOutcome int

const (
	RevocationUnknown RevocationOutcome = iota
	RevocationGood
	RevocationRevoked
)

func (o RevocationOutcome) String() string {
	switch o {
	case RevocationGood:
		return "good"
	case RevocationRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Enroller obtains a fresh certificate from the CA. The ACME and EST clients
// both implement it; each enrollment generates a new key pair.
type Enroller interface {
	Enroll(ctx context.Context) (Certificate, error)
}

//go:generate mockery --name Service --output=./mocks --filename service.go --quiet --note "Copyright (c) Abstract Machines"
type Service interface {
	// InspectCertificate reads the installed certificate and reports
	// existence, validity window and lifetime-elapsed percentage. A missing
	// file is a normal state, not an error.
	InspectCertificate(ctx context.Context) (CertificateStatus, error)

	// CheckRevocation answers whether the given certificate appears on the
	// configured CRL, refreshing the cache if it is stale.
	CheckRevocation(ctx context.Context, cert *x509.Certificate) (RevocationOutcome, error)

	// RenewCertificate runs a full enrollment through the protocol client
	// and returns the newly issued certificate and key.
	RenewCertificate(ctx context.Context) (Certificate, error)

	// InstallCertificate atomically writes the certificate and key to their
	// configured paths and triggers the reload hook.
	InstallCertificate(ctx context.Context, cert Certificate) error

	// RemoveCertificate deletes the installed pair. Used by the EST
	// self-heal path before falling back to bootstrap enrollment.
	RemoveCertificate(ctx context.Context) error
}

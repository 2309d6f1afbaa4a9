// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the operator commands for poking at a sidecar's
// certificate material without going through the agent loop.
package cli

import (
	"context"
	"crypto/tls"
	"time"

	agentcrypto "github.com/absmach/certs-agent/crypto"
	"github.com/absmach/certs-agent/est"
	"github.com/absmach/certs-agent/monitor"
	"github.com/absmach/certs-agent/pkg/errors"
	"github.com/absmach/certs-agent/revocation"
	"github.com/spf13/cobra"
)

// Keep the resolved configuration in a global var, set by the root command.
var conf Config

func SetConfig(c Config) {
	conf = c
}

const cmdTimeout = 30 * time.Second

var errKeyMismatch = errors.New("certificate and key do not match")

type certStatus struct {
	Exists         bool    `json:"exists"`
	SerialNumber   string  `json:"serial_number,omitempty"`
	Subject        string  `json:"subject,omitempty"`
	Issuer         string  `json:"issuer,omitempty"`
	NotBefore      string  `json:"not_before,omitempty"`
	NotAfter       string  `json:"not_after,omitempty"`
	DaysRemaining  float64 `json:"days_remaining,omitempty"`
	ElapsedPercent float64 `json:"elapsed_percent,omitempty"`
}

var cmdCert = []cobra.Command{
	{
		Use:   "inspect <cert_path>",
		Short: "Inspect certificate",
		Long:  `Reads a local certificate and reports its identity and lifetime position.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)
				return
			}
			st, err := monitor.New(args[0]).Inspect()
			if err != nil {
				logErrorCmd(*cmd, err)
				return
			}
			out := certStatus{Exists: st.Exists}
			if st.Exists {
				out.SerialNumber = st.SerialNumber
				out.Subject = st.Record.Subject.String()
				out.Issuer = st.Record.Issuer.String()
				out.NotBefore = st.Record.NotBefore.Format(time.RFC3339)
				out.NotAfter = st.Record.NotAfter.Format(time.RFC3339)
				out.DaysRemaining = st.DaysRemaining
				out.ElapsedPercent = st.ElapsedPercent
			}
			logJSONCmd(*cmd, out)
		},
	},
	{
		Use:   "verify <cert_path> <key_path>",
		Short: "Verify pair",
		Long:  `Checks that the certificate and private key form a usable pair.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 2 {
				logUsageCmd(*cmd, cmd.Use)
				return
			}
			if _, err := tls.LoadX509KeyPair(args[0], args[1]); err != nil {
				logErrorCmd(*cmd, errors.Wrap(errKeyMismatch, err))
				return
			}
			logOKCmd(*cmd)
		},
	},
	{
		Use:   "csr <common_name>",
		Short: "Create CSR",
		Long:  `Generates a fresh key pair and a CSR for the given common name.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)
				return
			}
			kp, err := agentcrypto.GenerateKeyPair(agentcrypto.AlgECDSAP256)
			if err != nil {
				logErrorCmd(*cmd, err)
				return
			}
			csrDER, err := agentcrypto.BuildCSR(args[0], nil, kp)
			if err != nil {
				logErrorCmd(*cmd, err)
				return
			}
			keyPEM, err := agentcrypto.EncodePrivateKeyPEM(kp)
			if err != nil {
				logErrorCmd(*cmd, err)
				return
			}
			logSavePEMFiles(*cmd, map[string][]byte{
				"file.csr": agentcrypto.EncodeCSRPEM(csrDER),
				"key.pem":  keyPEM,
			})
		},
	},
}

// NewCertCmd returns the local certificate command.
func NewCertCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "cert [inspect | verify | csr]",
		Short: "Local certificate operations",
		Long:  `Local certificate operations: inspect, verify pair, create CSR.`,
	}

	for i := range cmdCert {
		cmd.AddCommand(&cmdCert[i])
	}

	return &cmd
}

type crlStatus struct {
	Issuer       string `json:"issuer"`
	ThisUpdate   string `json:"this_update"`
	NextUpdate   string `json:"next_update"`
	RevokedCount int    `json:"revoked_count"`
	Refreshed    bool   `json:"refreshed"`
}

var cmdCRL = []cobra.Command{
	{
		Use:   "refresh",
		Short: "Refresh CRL",
		Long:  `Downloads the configured CRL and reports the cache summary.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 0 {
				logUsageCmd(*cmd, cmd.Use)
				return
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cmdTimeout)
			defer cancel()

			// maxAge zero forces a fetch on every invocation.
			v := revocation.NewValidator(conf.CRLURL, conf.CRLCachePath, 0, cmdTimeout)
			refreshed, err := v.RefreshIfStale(ctx)
			if err != nil {
				logErrorCmd(*cmd, err)
				return
			}
			cache := v.Cache()
			logJSONCmd(*cmd, crlStatus{
				Issuer:       cache.Issuer,
				ThisUpdate:   cache.ThisUpdate.Format(time.RFC3339),
				NextUpdate:   cache.NextUpdate.Format(time.RFC3339),
				RevokedCount: cache.RevokedCount(),
				Refreshed:    refreshed,
			})
		},
	},
	{
		Use:   "check <serial_number>",
		Short: "Check revocation",
		Long:  `Checks a serial number against the configured CRL.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)
				return
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cmdTimeout)
			defer cancel()

			v := revocation.NewValidator(conf.CRLURL, conf.CRLCachePath, time.Hour, cmdTimeout)
			if _, err := v.RefreshIfStale(ctx); err != nil && v.Cache() == nil {
				logErrorCmd(*cmd, err)
				return
			}
			outcome := "good"
			if v.Cache().Contains(args[0]) {
				outcome = "revoked"
			}
			logJSONCmd(*cmd, map[string]string{
				"serial_number": agentcrypto.NormalizeSerial(args[0]),
				"outcome":       outcome,
			})
		},
	},
}

// NewCRLCmd returns the revocation command.
func NewCRLCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "crl [refresh | check]",
		Short: "Revocation list operations",
		Long:  `Revocation list operations: refresh cache, check serial number.`,
	}

	for i := range cmdCRL {
		cmd.AddCommand(&cmdCRL[i])
	}

	return &cmd
}

var cmdEST = []cobra.Command{
	{
		Use:   "cacerts",
		Short: "Fetch CA certificates",
		Long:  `Fetches the provisioner trust chain over EST and saves it as ca.pem.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 0 {
				logUsageCmd(*cmd, cmd.Use)
				return
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cmdTimeout)
			defer cancel()

			client := est.NewClient(est.Config{
				BaseURL:     conf.PKIURL,
				Provisioner: conf.Provisioner,
				Timeout:     cmdTimeout,
				CurlDebug:   conf.CurlFlag,
				TLSConfig:   &tls.Config{InsecureSkipVerify: !conf.TLSVerification},
			}, nil, nil)
			chain, err := client.CACerts(ctx)
			if err != nil {
				logErrorCmd(*cmd, err)
				return
			}
			var ders [][]byte
			for _, crt := range chain {
				ders = append(ders, crt.Raw)
			}
			logSavePEMFiles(*cmd, map[string][]byte{
				"ca.pem": agentcrypto.EncodeCertificatePEM(ders...),
			})
		},
	},
}

// NewESTCmd returns the EST command.
func NewESTCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "est [cacerts]",
		Short: "EST operations",
		Long:  `EST operations against the configured provisioner.`,
	}

	for i := range cmdEST {
		cmd.AddCommand(&cmdEST[i])
	}

	return &cmd
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package agent_test

import (
	"os"
	"path/filepath"
	"testing"

	agent "github.com/absmach/certs-agent"
	"github.com/absmach/certs-agent/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validACMEConfig = `
pki_url: https://ca.example.com
cert_path: /etc/agent/cert.pem
key_path: /etc/agent/key.pem
domain_name: agent.example.com
`

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, validACMEConfig)

	cfg, err := agent.LoadConfig(path, agent.ProtocolACME)
	require.NoError(t, err)

	assert.Equal(t, "https://ca.example.com", cfg.PKIURL)
	assert.Equal(t, "agent.example.com", cfg.DomainName)
	assert.Equal(t, 75, cfg.RenewalThresholdPct)
	assert.Equal(t, 60, cfg.CheckIntervalSec)
	assert.Equal(t, 30, cfg.HTTPTimeoutSec)
	assert.Equal(t, 1, cfg.SelfHealAfter)
	assert.InDelta(t, 2.0, cfg.CRL.MaxAgeHours, 0.001)
	assert.False(t, cfg.CRL.Enabled)
}

func TestLoadConfigWithoutFile(t *testing.T) {
	t.Setenv("AGENT_PKI_URL", "https://ca.example.com")
	t.Setenv("AGENT_CERT_PATH", "/tmp/cert.pem")
	t.Setenv("AGENT_KEY_PATH", "/tmp/key.pem")
	t.Setenv("AGENT_DEVICE_NAME", "device-7")

	cfg, err := agent.LoadConfig("", agent.ProtocolEST)
	require.NoError(t, err)
	assert.Equal(t, "device-7", cfg.DeviceName)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, validACMEConfig+"renewal_threshold_pct: 50\n")
	t.Setenv("AGENT_RENEWAL_THRESHOLD_PCT", "80")

	cfg, err := agent.LoadConfig(path, agent.ProtocolACME)
	require.NoError(t, err)
	assert.Equal(t, 80, cfg.RenewalThresholdPct)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, validACMEConfig+"renwal_threshold_pct: 50\n")

	_, err := agent.LoadConfig(path, agent.ProtocolACME)
	assert.True(t, errors.Contains(err, agent.ErrConfigUnknown), "expected %v, got %v", agent.ErrConfigUnknown, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := agent.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"), agent.ProtocolACME)
	assert.True(t, errors.Contains(err, agent.ErrConfigRead), "expected %v, got %v", agent.ErrConfigRead, err)
}

func TestValidate(t *testing.T) {
	base := func() agent.Config {
		return agent.Config{
			PKIURL:              "https://ca.example.com",
			CertPath:            "/tmp/cert.pem",
			KeyPath:             "/tmp/key.pem",
			DomainName:          "agent.example.com",
			DeviceName:          "device-7",
			RenewalThresholdPct: 75,
			CheckIntervalSec:    60,
			HTTPTimeoutSec:      30,
			SelfHealAfter:       1,
		}
	}

	testCases := []struct {
		desc     string
		mutate   func(*agent.Config)
		protocol agent.Protocol
		err      error
	}{
		{
			desc:     "valid ACME config",
			mutate:   func(*agent.Config) {},
			protocol: agent.ProtocolACME,
		},
		{
			desc:     "valid EST config",
			mutate:   func(*agent.Config) {},
			protocol: agent.ProtocolEST,
		},
		{
			desc:     "missing PKI URL",
			mutate:   func(c *agent.Config) { c.PKIURL = "" },
			protocol: agent.ProtocolACME,
			err:      agent.ErrConfigInvalid,
		},
		{
			desc:     "missing key path",
			mutate:   func(c *agent.Config) { c.KeyPath = "" },
			protocol: agent.ProtocolACME,
			err:      agent.ErrConfigInvalid,
		},
		{
			desc:     "threshold over 100",
			mutate:   func(c *agent.Config) { c.RenewalThresholdPct = 101 },
			protocol: agent.ProtocolACME,
			err:      agent.ErrConfigInvalid,
		},
		{
			desc:     "threshold zero",
			mutate:   func(c *agent.Config) { c.RenewalThresholdPct = 0 },
			protocol: agent.ProtocolACME,
			err:      agent.ErrConfigInvalid,
		},
		{
			desc:     "negative interval",
			mutate:   func(c *agent.Config) { c.CheckIntervalSec = -1 },
			protocol: agent.ProtocolACME,
			err:      agent.ErrConfigInvalid,
		},
		{
			desc:     "missing domain for ACME",
			mutate:   func(c *agent.Config) { c.DomainName = "" },
			protocol: agent.ProtocolACME,
			err:      agent.ErrConfigInvalid,
		},
		{
			desc:     "missing device for EST",
			mutate:   func(c *agent.Config) { c.DeviceName = "" },
			protocol: agent.ProtocolEST,
			err:      agent.ErrConfigInvalid,
		},
		{
			desc:     "CRL enabled without URL",
			mutate:   func(c *agent.Config) { c.CRL = agent.CRLConfig{Enabled: true, MaxAgeHours: 2} },
			protocol: agent.ProtocolACME,
			err:      agent.ErrConfigInvalid,
		},
		{
			desc: "CRL enabled with bad max age",
			mutate: func(c *agent.Config) {
				c.CRL = agent.CRLConfig{Enabled: true, URL: "https://ca.example.com/crl"}
			},
			protocol: agent.ProtocolACME,
			err:      agent.ErrConfigInvalid,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate(tc.protocol)
			if tc.err != nil {
				assert.True(t, errors.Contains(err, tc.err), "expected %v, got %v", tc.err, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestIdentity(t *testing.T) {
	cfg := agent.Config{DomainName: "agent.example.com", DeviceName: "device-7"}
	assert.Equal(t, "agent.example.com", cfg.Identity(agent.ProtocolACME))
	assert.Equal(t, "device-7", cfg.Identity(agent.ProtocolEST))
}

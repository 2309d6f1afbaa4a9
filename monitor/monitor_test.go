// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package monitor_test

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/certs-agent/crypto"
	"github.com/absmach/certs-agent/monitor"
	"github.com/absmach/certs-agent/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspectMissing(t *testing.T) {
	m := monitor.New(filepath.Join(t.TempDir(), "absent.pem"))

	assert.False(t, m.Exists())
	st, err := m.Inspect()
	require.NoError(t, err)
	assert.False(t, st.Exists)
	assert.Nil(t, st.Record)
}

func TestInspectMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cert.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0o644))

	m := monitor.New(path)
	assert.True(t, m.Exists())

	_, err := m.Inspect()
	assert.True(t, errors.Contains(err, monitor.ErrCertificateRead), "expected %v, got %v", monitor.ErrCertificateRead, err)
	assert.Equal(t, errors.KindStorage, errors.KindOf(err))
}

func TestInspect(t *testing.T) {
	notBefore := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	notAfter := notBefore.Add(90 * 24 * time.Hour)
	path := writeCert(t, notBefore, notAfter)

	testCases := []struct {
		desc        string
		now         time.Time
		wantElapsed float64
		wantDays    float64
	}{
		{
			desc:        "fresh certificate",
			now:         notBefore.Add(9 * 24 * time.Hour),
			wantElapsed: 10,
			wantDays:    81,
		},
		{
			desc:        "past renewal threshold",
			now:         notBefore.Add(81 * 24 * time.Hour),
			wantElapsed: 90,
			wantDays:    9,
		},
		{
			desc:        "expired",
			now:         notAfter.Add(9 * 24 * time.Hour),
			wantElapsed: 110,
			wantDays:    -9,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			m := monitor.New(path).WithClock(func() time.Time { return tc.now })
			st, err := m.Inspect()
			require.NoError(t, err)

			assert.True(t, st.Exists)
			require.NotNil(t, st.Record)
			assert.Equal(t, "2a", st.SerialNumber)
			assert.InDelta(t, tc.wantElapsed, st.ElapsedPercent, 0.01)
			assert.InDelta(t, tc.wantDays, st.DaysRemaining, 0.01)
		})
	}
}

func writeCert(t *testing.T, notBefore, notAfter time.Time) string {
	t.Helper()

	kp, err := crypto.GenerateKeyPair(crypto.AlgECDSAP256)
	require.NoError(t, err)
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "monitored"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, kp.Private.Public(), kp.Private)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "cert.pem")
	require.NoError(t, os.WriteFile(path, crypto.EncodeCertificatePEM(der), 0o644))
	return path
}

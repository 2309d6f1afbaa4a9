// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package revocation answers "is this certificate revoked?" from a cached
// CRL, with a staleness-aware refresh and an OCSP probe as a fallback for
// deployments without a CRL distribution point.
package revocation

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/absmach/certs-agent/crypto"
	"github.com/absmach/certs-agent/pkg/errors"
)

const crlPEMType = "X509 CRL"

var (
	ErrRefreshFailed = errors.NewKind("CRL refresh failed, using cached copy", errors.KindTransient)
	ErrMalformedCRL  = errors.New("malformed CRL")
	ErrNoCache       = errors.New("no CRL cache available")
)

// Outcome is the three-valued revocation answer. Unknown means no usable
// CRL; callers must never coerce it to Good.
type Outcome int

const (
	Unknown Outcome = iota
	Good
	Revoked
)

// Cache holds one fully parsed CRL. A refresh either replaces the whole
// cache or leaves it untouched; there is no partial update.
type Cache struct {
	Issuer     string
	ThisUpdate time.Time
	NextUpdate time.Time
	FetchedAt  time.Time

	revoked map[string]struct{}
}

// Contains tests serial membership after normalization.
func (c *Cache) Contains(serial string) bool {
	_, ok := c.revoked[crypto.NormalizeSerial(serial)]
	return ok
}

// RevokedCount returns the size of the revoked-serial set.
func (c *Cache) RevokedCount() int {
	return len(c.revoked)
}

// Validator downloads, caches and queries a CRL. It is owned by a single
// agent loop and needs no locking.
type Validator struct {
	url       string
	cachePath string
	maxAge    time.Duration
	client    *http.Client
	now       func() time.Time

	cache *Cache
}

func NewValidator(url, cachePath string, maxAge time.Duration, timeout time.Duration) *Validator {
	v := &Validator{
		url:       url,
		cachePath: cachePath,
		maxAge:    maxAge,
		client:    &http.Client{Timeout: timeout},
		now:       time.Now,
	}
	v.loadFromDisk()
	return v
}

// WithClock overrides the time source. Used in tests.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Cache exposes the current cache for inspection, nil when none was ever
// loaded.
func (v *Validator) Cache() *Cache {
	return v.cache
}

// RefreshIfStale fetches the CRL when the cache is absent or older than the
// configured maximum age. On fetch or parse failure the stale cache is kept
// and a soft error is returned: a stale-but-present CRL beats none at all.
// The returned bool reports whether a network fetch replaced the cache.
func (v *Validator) RefreshIfStale(ctx context.Context) (bool, error) {
	if v.cache != nil && v.now().Sub(v.cache.FetchedAt) <= v.maxAge {
		return false, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url, nil)
	if err != nil {
		return false, errors.Wrap(ErrRefreshFailed, err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return false, errors.Wrap(ErrRefreshFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, errors.Wrap(ErrRefreshFailed, errors.New(resp.Status))
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, errors.Wrap(ErrRefreshFailed, err)
	}

	cache, err := parseCRL(raw, v.now())
	if err != nil {
		return false, errors.Wrap(ErrRefreshFailed, err)
	}

	v.cache = cache
	v.persist(raw)
	return true, nil
}

// IsRevoked answers from the current cache. Without any cache the outcome
// is Unknown, never Good.
func (v *Validator) IsRevoked(cert *x509.Certificate) Outcome {
	if v.cache == nil {
		return Unknown
	}
	if v.cache.Contains(cert.SerialNumber.Text(16)) {
		return Revoked
	}
	return Good
}

func parseCRL(raw []byte, fetchedAt time.Time) (*Cache, error) {
	der := raw
	if block, _ := pem.Decode(raw); block != nil && block.Type == crlPEMType {
		der = block.Bytes
	}
	list, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedCRL, err)
	}

	revoked := make(map[string]struct{}, len(list.RevokedCertificateEntries))
	for _, entry := range list.RevokedCertificateEntries {
		revoked[crypto.NormalizeSerial(entry.SerialNumber.Text(16))] = struct{}{}
	}

	return &Cache{
		Issuer:     list.Issuer.String(),
		ThisUpdate: list.ThisUpdate,
		NextUpdate: list.NextUpdate,
		FetchedAt:  fetchedAt,
		revoked:    revoked,
	}, nil
}

// loadFromDisk seeds the cache from a previous run. The file's mtime stands
// in for the fetch timestamp, so an old file is immediately considered
// stale.
func (v *Validator) loadFromDisk() {
	if v.cachePath == "" {
		return
	}
	raw, err := os.ReadFile(v.cachePath)
	if err != nil {
		return
	}
	info, err := os.Stat(v.cachePath)
	if err != nil {
		return
	}
	cache, err := parseCRL(raw, info.ModTime())
	if err != nil {
		return
	}
	v.cache = cache
}

func (v *Validator) persist(raw []byte) {
	if v.cachePath == "" {
		return
	}
	tmp, err := os.CreateTemp(filepath.Dir(v.cachePath), ".crl-*")
	if err != nil {
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return
	}
	tmp.Close()
	_ = os.Rename(tmp.Name(), v.cachePath)
}

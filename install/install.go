// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package install writes issued certificate material to disk. The write is
// atomic: consumers either see the complete new pair or the complete old
// one, never a mix.
package install

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/absmach/certs-agent/pkg/errors"
)

const (
	certFileMode = 0o644
	keyFileMode  = 0o600
)

var (
	ErrInstall    = errors.NewKind("failed to install certificate pair", errors.KindStorage)
	ErrRemove     = errors.NewKind("failed to remove certificate pair", errors.KindStorage)
	ErrReloadHook = errors.New("reload hook failed")
)

// Installer persists one cert/key pair and optionally signals a peer
// process after a successful install.
type Installer struct {
	certPath  string
	keyPath   string
	reloadCmd []string
	logger    *slog.Logger
}

func New(certPath, keyPath string, reloadCmd []string, logger *slog.Logger) *Installer {
	return &Installer{
		certPath:  certPath,
		keyPath:   keyPath,
		reloadCmd: reloadCmd,
		logger:    logger,
	}
}

// InstallAtomic writes both files to temporaries in the destination
// directories and renames them into place, key first. A crash between the
// two renames leaves a new key with the old certificate only for the
// instant before the second rename; the pair is re-installed on the next
// cycle in that case, never served half-written.
func (i *Installer) InstallAtomic(ctx context.Context, certPEM, keyPEM []byte) error {
	keyTmp, err := writeTemp(i.keyPath, keyPEM, keyFileMode)
	if err != nil {
		return errors.Wrap(ErrInstall, err)
	}
	certTmp, err := writeTemp(i.certPath, certPEM, certFileMode)
	if err != nil {
		os.Remove(keyTmp)
		return errors.Wrap(ErrInstall, err)
	}

	if err := os.Rename(keyTmp, i.keyPath); err != nil {
		os.Remove(keyTmp)
		os.Remove(certTmp)
		return errors.Wrap(ErrInstall, err)
	}
	if err := os.Rename(certTmp, i.certPath); err != nil {
		os.Remove(certTmp)
		return errors.Wrap(ErrInstall, err)
	}

	i.runReloadHook(ctx)
	return nil
}

// Remove deletes the installed pair. Missing files are not an error; the
// EST self-heal path calls this on a possibly half-present state.
func (i *Installer) Remove() error {
	for _, path := range []string{i.certPath, i.keyPath} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(ErrRemove, err)
		}
	}
	return nil
}

// runReloadHook executes the configured command. A failing hook is logged
// and reported through metrics elsewhere, but never rolls the install back:
// the certificate on disk is valid either way.
func (i *Installer) runReloadHook(ctx context.Context) {
	if len(i.reloadCmd) == 0 {
		return
	}
	cmd := exec.CommandContext(ctx, i.reloadCmd[0], i.reloadCmd[1:]...)
	if out, err := cmd.CombinedOutput(); err != nil {
		i.logger.Warn("reload hook failed",
			slog.String("cmd", i.reloadCmd[0]),
			slog.String("output", string(out)),
			slog.Any("error", err))
		return
	}
	i.logger.Info("reload hook completed", slog.String("cmd", i.reloadCmd[0]))
}

func writeTemp(dest string, data []byte, mode os.FileMode) (string, error) {
	dir := filepath.Dir(dest)
	f, err := os.CreateTemp(dir, "."+filepath.Base(dest)+"-*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	if err := f.Chmod(mode); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

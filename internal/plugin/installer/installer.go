// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package installer runs the shared provisioning script inside a plugin
// directory that declares dependencies.
package installer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/samber/oops"
)

// CodeInstallFailed reports a provisioning run that did not succeed.
const CodeInstallFailed = "DEPENDENCY_INSTALL_FAILED"

// maxOutput bounds the stdout/stderr kept for error reports.
const maxOutput = 16 << 10

// Options configures an Installer.
type Options struct {
	// Manifest is the dependency manifest file name, e.g. requirements.txt.
	Manifest string
	// Script is the shared provisioning script. Empty disables installation.
	Script string
	// Shell runs the copied script.
	Shell string
	// Timeout bounds a single run; zero means no limit beyond ctx.
	Timeout time.Duration
}

// Installer provisions plugin dependencies.
type Installer struct {
	opts Options
}

// New returns an Installer.
func New(opts Options) *Installer {
	return &Installer{opts: opts}
}

// Result describes a completed provisioning run.
type Result struct {
	Ran      bool
	Duration time.Duration
	Stdout   string
	Stderr   string
}

// Install runs the provisioning script in dir when dir holds a dependency
// manifest. On failure dir is removed.
func (i *Installer) Install(ctx context.Context, dir string) (Result, error) {
	if !exists(filepath.Join(dir, i.opts.Manifest)) {
		return Result{}, nil
	}
	if i.opts.Script == "" || !exists(i.opts.Script) {
		slog.Warn("provisioning script not found, skipping dependency install",
			"dir", dir,
			"script", i.opts.Script)
		return Result{}, nil
	}

	script := filepath.Base(i.opts.Script)
	if err := copyFile(i.opts.Script, filepath.Join(dir, script)); err != nil {
		i.discard(dir)
		return Result{}, oops.Code(CodeInstallFailed).In("installer").
			With("dir", dir).Wrapf(err, "copy provisioning script")
	}

	if i.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.opts.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, i.opts.Shell, script) // #nosec G204 -- shell and script come from operator configuration
	cmd.Dir = dir
	cmd.Stdout = &limitedBuffer{buf: &stdout}
	cmd.Stderr = &limitedBuffer{buf: &stderr}
	cmd.WaitDelay = 5 * time.Second
	setProcessGroup(cmd)

	start := time.Now()
	runErr := cmd.Run()
	res := Result{
		Ran:      true,
		Duration: time.Since(start),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}

	if runErr != nil {
		i.discard(dir)
		b := oops.Code(CodeInstallFailed).In("installer").
			With("dir", dir).
			With("stderr", res.Stderr).
			Hint("check the dependency manifest; the installer output is attached")
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			b = b.With("timeout", i.opts.Timeout.String())
		}
		return res, b.Wrapf(runErr, "dependency installation failed")
	}

	slog.Info("dependencies installed", "dir", dir, "duration", res.Duration)
	return res, nil
}

func (i *Installer) discard(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		slog.Warn("failed to remove plugin directory after install failure", "dir", dir, "error", err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // operator-configured path
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck // read-only

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o750) //nolint:gosec // script must be executable
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close() //nolint:errcheck // copy error wins
		return err
	}
	return out.Close()
}

// limitedBuffer keeps the first maxOutput bytes and discards the rest.
type limitedBuffer struct {
	buf *bytes.Buffer
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if room := maxOutput - l.buf.Len(); room > 0 {
		if len(p) > room {
			l.buf.Write(p[:room])
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	errStillRunning = errors.New("process still running")
	errDirInUse     = errors.New("directory still in use")
)

// ProcessTerminator stops tracked plugin processes and waits for them to
// release the plugin directory. Waits are bounded polls.
type ProcessTerminator struct {
	// Timeout bounds each wait; after it a terminated process is killed.
	Timeout  time.Duration
	Interval time.Duration
}

// NewProcessTerminator returns a terminator. Zero values take defaults.
func NewProcessTerminator(timeout time.Duration) *ProcessTerminator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ProcessTerminator{Timeout: timeout, Interval: 100 * time.Millisecond}
}

func (t *ProcessTerminator) backoff() retry.Backoff {
	return retry.WithMaxDuration(t.Timeout, retry.NewConstant(t.Interval))
}

// Terminate sends SIGTERM to pid and waits for it to exit, escalating to
// SIGKILL once the timeout passes. A pid that does not exist fails.
func (t *ProcessTerminator) Terminate(ctx context.Context, pid int) error {
	if pid <= 0 || pid == os.Getpid() {
		return TerminationFailed(pid, oops.Errorf("refusing to terminate pid %d", pid))
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		return TerminationFailed(pid, err)
	}
	if err := p.TerminateWithContext(ctx); err != nil {
		return TerminationFailed(pid, err)
	}
	if err := t.awaitExit(ctx, p); err == nil {
		return nil
	}
	if err := p.KillWithContext(ctx); err != nil && alive(ctx, p) {
		return TerminationFailed(pid, err)
	}
	if err := t.awaitExit(ctx, p); err != nil {
		return TerminationFailed(pid, err)
	}
	return nil
}

func (t *ProcessTerminator) awaitExit(ctx context.Context, p *process.Process) error {
	return retry.Do(ctx, t.backoff(), func(ctx context.Context) error {
		if alive(ctx, p) {
			return retry.RetryableError(errStillRunning)
		}
		return nil
	})
}

// alive reports whether p still runs. Zombies count as exited.
func alive(ctx context.Context, p *process.Process) bool {
	running, err := p.IsRunningWithContext(ctx)
	if err != nil || !running {
		return false
	}
	status, err := p.StatusWithContext(ctx)
	if err == nil && slices.Contains(status, process.Zombie) {
		return false
	}
	return true
}

// OwnedBy reports whether pid runs with dir as its working directory. It is
// used to confirm a pid recorded by a previous run still belongs to the plugin
// before terminating it.
func (t *ProcessTerminator) OwnedBy(ctx context.Context, pid int, dir string) (bool, error) {
	if pid <= 0 || pid == os.Getpid() {
		return false, nil
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return false, nil
		}
		return false, oops.In("lifecycle").With("pid", pid).Wrap(err)
	}
	cwd, err := p.CwdWithContext(ctx)
	if err != nil {
		return false, oops.In("lifecycle").With("pid", pid).Wrapf(err, "read working directory")
	}
	return within(cwd, dir), nil
}

// AwaitRelease polls until no process other than this one has its working
// directory inside dir.
func (t *ProcessTerminator) AwaitRelease(ctx context.Context, dir string) error {
	self := int32(os.Getpid()) //nolint:gosec // pids fit in int32
	err := retry.Do(ctx, t.backoff(), func(ctx context.Context) error {
		procs, err := process.ProcessesWithContext(ctx)
		if err != nil {
			return err
		}
		for _, p := range procs {
			if p.Pid == self {
				continue
			}
			cwd, err := p.CwdWithContext(ctx)
			if err != nil || !within(cwd, dir) || !alive(ctx, p) {
				continue
			}
			return retry.RetryableError(oops.With("pid", p.Pid).Wrap(errDirInUse))
		}
		return nil
	})
	if err != nil {
		return oops.In("lifecycle").With("dir", dir).Wrapf(err, "wait for directory release")
	}
	return nil
}

// within reports whether path is dir or below it.
func within(path, dir string) bool {
	if path == "" || dir == "" {
		return false
	}
	path, dir = filepath.Clean(path), filepath.Clean(dir)
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		if p, err := filepath.EvalSymlinks(path); err == nil {
			path, dir = p, resolved
		}
	}
	return path == dir || strings.HasPrefix(path, dir+string(filepath.Separator))
}

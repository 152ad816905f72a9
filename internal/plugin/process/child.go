// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package process

import (
	"net/http/httputil"
	"net/url"
	"os/exec"
	"sync"

	"github.com/holomush/botmanager/internal/plugin"
)

type child struct {
	id         string
	dir        string
	generation string
	cmd        *exec.Cmd
	output     *tail
	target     *url.URL
	proxy      *httputil.ReverseProxy

	done    chan struct{}
	mu      sync.Mutex
	waitErr error
}

func (c *child) wait() {
	err := c.cmd.Wait()
	c.mu.Lock()
	c.waitErr = err
	c.mu.Unlock()
	close(c.done)
}

func (c *child) running() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *child) exitError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitErr
}

func (c *child) instance() *plugin.Instance {
	return &plugin.Instance{
		ID:         c.id,
		Runtime:    plugin.KindScript,
		Generation: c.generation,
		Handler:    c.proxy,
		PID:        c.cmd.Process.Pid,
	}
}

// tail keeps the last max bytes written to it.
type tail struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTail(limit int) *tail {
	return &tail{max: limit}
}

func (t *tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

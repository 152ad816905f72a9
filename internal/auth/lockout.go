// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"sync"
	"time"
)

// Lockout defaults.
const (
	// LockoutThreshold is the number of consecutive failures that locks a client out.
	LockoutThreshold = 7
	// LockoutDuration is how long a locked-out client is refused.
	LockoutDuration = 15 * time.Minute
)

type attempts struct {
	failures    int
	lockedUntil time.Time
}

// Lockout counts failed logins per client and locks a client out after
// LockoutThreshold consecutive failures.
type Lockout struct {
	threshold int
	duration  time.Duration
	now       func() time.Time

	mu      sync.Mutex
	clients map[string]*attempts
}

// NewLockout returns a tracker with the default threshold and duration.
func NewLockout() *Lockout {
	return &Lockout{
		threshold: LockoutThreshold,
		duration:  LockoutDuration,
		now:       time.Now,
		clients:   make(map[string]*attempts),
	}
}

// Locked returns the remaining lockout of client, or zero.
func (l *Lockout) Locked(client string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.clients[client]
	if !ok {
		return 0
	}
	if remaining := a.lockedUntil.Sub(l.now()); remaining > 0 {
		return remaining
	}
	return 0
}

// Fail records a failure and reports whether the client is now locked out.
func (l *Lockout) Fail(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.clients[client]
	if !ok {
		a = &attempts{}
		l.clients[client] = a
	}
	if !a.lockedUntil.IsZero() && !a.lockedUntil.After(l.now()) {
		*a = attempts{}
	}
	a.failures++
	if a.failures >= l.threshold {
		a.lockedUntil = l.now().Add(l.duration)
		return true
	}
	return false
}

// Succeed forgets the client's failures.
func (l *Lockout) Succeed(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, client)
}

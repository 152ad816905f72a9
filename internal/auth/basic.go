// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
)

// Realm is sent in WWW-Authenticate challenges.
const Realm = "botmanager"

// Basic guards handlers with HTTP basic auth for one account.
type Basic struct {
	username string
	hash     string
	hasher   *Hasher
	lockout  *Lockout

	// verified is the SHA-256 of the last password that matched hash.
	mu       sync.RWMutex
	verified [sha256.Size]byte
	ok       bool
}

// NewBasic returns a guard for username. The hash must be a valid argon2id
// PHC string.
func NewBasic(username, hash string) (*Basic, error) {
	if err := CheckHash(hash); err != nil {
		return nil, err
	}
	return &Basic{username: username, hash: hash, hasher: NewHasher(), lockout: NewLockout()}, nil
}

// Check reports whether the credentials are valid.
func (b *Basic) Check(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(b.username)) == 1
	digest := sha256.Sum256([]byte(password))

	b.mu.RLock()
	cached := b.ok && subtle.ConstantTimeCompare(digest[:], b.verified[:]) == 1
	b.mu.RUnlock()
	if cached {
		return userOK
	}

	match, err := b.hasher.Verify(password, b.hash)
	if err != nil || !match {
		return false
	}
	b.mu.Lock()
	b.verified, b.ok = digest, true
	b.mu.Unlock()
	return userOK
}

// Middleware rejects requests without valid credentials.
func (b *Basic) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientAddr(r)
		if remaining := b.lockout.Locked(client); remaining > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(remaining.Seconds()))))
			http.Error(w, "too many failed logins", http.StatusTooManyRequests)
			return
		}

		user, pass, ok := r.BasicAuth()
		if ok && b.Check(user, pass) {
			b.lockout.Succeed(client)
			next.ServeHTTP(w, r)
			return
		}
		if ok && b.lockout.Fail(client) {
			slog.Warn("client locked out after failed logins", "client", client)
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="`+Realm+`", charset="UTF-8"`)
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

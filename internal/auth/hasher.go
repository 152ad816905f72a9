// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/crypto/argon2"
)

// Error codes for password hashing.
const (
	CodeEmptyPassword = "AUTH_EMPTY_PASSWORD"
	CodeInvalidHash   = "AUTH_INVALID_HASH"
)

// params are the argon2id cost parameters encoded in a PHC string.
type params struct {
	memory  uint32 // KiB
	time    uint32
	threads uint8
	saltLen int
	keyLen  uint32
}

// defaultParams follow the OWASP argon2id recommendation.
var defaultParams = params{memory: 64 * 1024, time: 1, threads: 4, saltLen: 16, keyLen: 32}

// Hasher hashes and verifies passwords with argon2id.
type Hasher struct {
	p params
}

// NewHasher returns a Hasher with the default cost.
func NewHasher() *Hasher {
	return &Hasher{p: defaultParams}
}

// Hash returns the PHC encoding $argon2id$v=19$m=..,t=..,p=..$salt$key.
func (h *Hasher) Hash(password string) (string, error) {
	if password == "" {
		return "", oops.Code(CodeEmptyPassword).In("auth").Errorf("password cannot be empty")
	}
	salt := make([]byte, h.p.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", oops.In("auth").Wrapf(err, "generate salt")
	}
	key := argon2.IDKey([]byte(password), salt, h.p.time, h.p.memory, h.p.threads, h.p.keyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.p.memory, h.p.time, h.p.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether password matches encoded. A malformed hash is an error.
func (h *Hasher) Verify(password, encoded string) (bool, error) {
	p, salt, want, err := decode(encoded)
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, p.keyLen)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// CheckHash validates the format of encoded without verifying a password.
func CheckHash(encoded string) error {
	_, _, _, err := decode(encoded)
	return err
}

func decode(encoded string) (params, []byte, []byte, error) {
	invalid := func(format string, args ...any) (params, []byte, []byte, error) {
		return params{}, nil, nil, oops.Code(CodeInvalidHash).In("auth").Errorf(format, args...)
	}

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return invalid("invalid hash format")
	}
	if parts[1] != "argon2id" {
		return invalid("unsupported hash algorithm: %s", parts[1])
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return invalid("unsupported argon2 version %q", parts[2])
	}

	var memory, time, threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return invalid("invalid parameters %q", parts[3])
	}
	if threads == 0 || threads > 255 {
		return invalid("threads value %d out of range", threads)
	}
	if time == 0 || memory == 0 {
		return invalid("invalid cost parameters %q", parts[3])
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return invalid("invalid salt encoding")
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return invalid("invalid key encoding")
	}
	if len(key) == 0 || len(key) > 1024 {
		return invalid("invalid key length %d", len(key))
	}

	p := params{memory: memory, time: time, threads: uint8(threads), saltLen: len(salt), keyLen: uint32(len(key))} //nolint:gosec // bounds checked above
	return p, salt, key, nil
}

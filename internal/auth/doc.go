// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package auth protects the management routes with HTTP basic auth against
// a single operator account whose password is stored as an argon2id hash.
//
// Generate the hash with `botmanager hash-password` and put it in
// auth.password_hash. An empty hash disables authentication. Repeated
// failures from one client address lock that address out for a while.
package auth

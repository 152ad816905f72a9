// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"os"
	"strings"
)

// inheritedEnv lists the host variables a plugin process may see. Anything
// else, DATABASE_URL included, stays with the manager.
var inheritedEnv = []string{
	"PATH",
	"HOME",
	"LANG",
	"LC_ALL",
	"LC_CTYPE",
	"TZ",
	"TMPDIR",
	"SYSTEMROOT",
}

// ChildEnv returns the environment for a plugin process: the allow-listed
// host variables followed by extra. Later entries win on duplicate keys.
func ChildEnv(extra ...string) []string {
	env := make([]string, 0, len(inheritedEnv)+len(extra))
	for _, key := range inheritedEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	for _, kv := range extra {
		if strings.Contains(kv, "=") {
			env = append(env, kv)
		}
	}
	return env
}

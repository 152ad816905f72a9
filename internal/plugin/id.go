// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"slices"
	"strings"
)

// reservedIDs collide with the manager's own root routes.
var reservedIDs = []string{"upload", "edit", "delete", "static", "api"}

// DeriveID turns a display name into a plugin id: the name is lowercased
// and every code point outside [A-Za-z0-9_-] becomes an underscore.
// "My Bot!" becomes "my_bot_".
func DeriveID(displayName string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, strings.ToLower(displayName))
}

// IsReserved reports whether id would shadow a root route.
func IsReserved(id string) bool {
	return slices.Contains(reservedIDs, id)
}

// ValidateDisplayName checks a display name and returns its derived id.
func ValidateDisplayName(displayName string) (string, error) {
	if strings.TrimSpace(displayName) == "" {
		return "", InvalidInput("button_name", "button name is required")
	}
	id := DeriveID(displayName)
	if IsReserved(id) {
		return "", InvalidInput("button_name", "button name %q maps to reserved id %q", displayName, id)
	}
	return id, nil
}

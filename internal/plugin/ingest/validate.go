// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package ingest

import (
	"path/filepath"
	"slices"
	"strings"

	"github.com/holomush/botmanager/internal/plugin"
)

// IconExtensions lists the accepted icon file extensions, lowercase.
var IconExtensions = []string{".png", ".jpg", ".jpeg", ".gif"}

// ValidateArchiveName accepts only .zip uploads, case-insensitively.
func ValidateArchiveName(name string) error {
	if strings.TrimSpace(name) == "" {
		return plugin.InvalidInput("zip_file", "no archive uploaded")
	}
	if !strings.EqualFold(filepath.Ext(name), ".zip") {
		return plugin.InvalidInput("zip_file", "archive %q must be a .zip file", name)
	}
	return nil
}

// ValidateIconName accepts the image formats browsers render as button icons.
func ValidateIconName(name string) error {
	ext := strings.ToLower(filepath.Ext(name))
	if !slices.Contains(IconExtensions, ext) {
		return plugin.InvalidInput("image", "icon %q must be one of %s", name, strings.Join(IconExtensions, ", "))
	}
	return nil
}

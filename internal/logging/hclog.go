// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package logging

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// PluginLogger returns an hclog.Logger for go-plugin clients, named after the
// plugin and formatted like the rest of the process output.
func PluginLogger(pluginID, format, level string, w io.Writer) hclog.Logger {
	if w == nil {
		w = os.Stderr
	}
	hcLevel := hclog.LevelFromString(level)
	if hcLevel == hclog.NoLevel {
		hcLevel = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       "plugin." + pluginID,
		Level:      hcLevel,
		Output:     w,
		JSONFormat: format != "text",
	})
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package web

import (
	"net/http"

	"github.com/samber/oops"

	"github.com/holomush/botmanager/internal/lifecycle"
	"github.com/holomush/botmanager/internal/plugin"
	"github.com/holomush/botmanager/internal/plugin/ingest"
	"github.com/holomush/botmanager/internal/plugin/installer"
	"github.com/holomush/botmanager/pkg/errutil"
)

// CodeUploadTooLarge reports a request body over the configured limit.
const CodeUploadTooLarge = "UPLOAD_TOO_LARGE"

func tooLarge(limit int64) error {
	return oops.Code(CodeUploadTooLarge).In("web").
		With("limit", limit).
		Errorf("upload exceeds %d bytes", limit)
}

// Status maps an error code to the HTTP status reported to the client.
func Status(err error) int {
	switch errutil.Code(err) {
	case plugin.CodeInvalidInput,
		plugin.CodeInvalidManifest,
		plugin.CodeNoEntryPoint,
		ingest.CodeCorruptArchive,
		installer.CodeInstallFailed:
		return http.StatusBadRequest
	case lifecycle.CodePluginNotFound:
		return http.StatusNotFound
	case lifecycle.CodePluginExists:
		return http.StatusConflict
	case CodeUploadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// exposed reports whether err's message is safe to show the client.
func exposed(err error, status int) bool {
	return status < http.StatusInternalServerError || errutil.Code(err) == lifecycle.CodeFileLocked
}

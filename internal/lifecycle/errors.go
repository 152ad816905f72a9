// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lifecycle

import "github.com/samber/oops"

// Error codes returned by the controller.
const (
	CodePluginNotFound    = "PLUGIN_NOT_FOUND"
	CodePluginExists      = "PLUGIN_EXISTS"
	CodeTerminationFailed = "PROCESS_TERMINATION_FAILED"
	CodeFileLocked        = "FILE_LOCKED"
	CodeBackupFailed      = "BACKUP_FAILED"
)

// NotFound reports an id with neither a registry entry nor a directory.
func NotFound(id string) error {
	return oops.Code(CodePluginNotFound).In("lifecycle").With("plugin", id).Errorf("app not found")
}

// Exists reports a create whose id is already taken while replacement is off.
func Exists(id string) error {
	return oops.Code(CodePluginExists).In("lifecycle").
		With("plugin", id).
		Hint("set replace=true to overwrite it, or choose another name").
		Errorf("an app with id %q already exists", id)
}

// TerminationFailed reports a tracked process that could not be stopped.
func TerminationFailed(pid int, err error) error {
	return oops.Code(CodeTerminationFailed).In("lifecycle").With("pid", pid).Wrapf(err, "terminate process %d", pid)
}

// FileLocked reports a directory that survived the forced removal.
func FileLocked(id, dir string, err error) error {
	return oops.Code(CodeFileLocked).In("lifecycle").
		With("plugin", id).
		With("dir", dir).
		Hint("restart the bot manager to release file locks, then delete again").
		Wrapf(err, "could not delete %q even after forced removal; restart the bot manager and try again", id)
}

// BackupFailed reports a snapshot that could not be written.
func BackupFailed(id string, err error) error {
	return oops.Code(CodeBackupFailed).In("lifecycle").With("plugin", id).Wrapf(err, "back up %q", id)
}

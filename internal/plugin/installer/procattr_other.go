// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build !unix

package installer

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

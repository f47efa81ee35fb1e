// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package runtimeenv holds small OS-integration helpers that don't belong
// to any one domain package: systemd readiness notification today.
package runtimeenv

import (
	"fmt"
	"os"
	"os/exec"
)

// SystemdNotify tells systemd (via the sd_notify protocol, shelled out to
// systemd-notify) that the process reached a ready or stopping state. A
// no-op outside a systemd unit, detected by the absence of NOTIFY_SOCKET.
func SystemdNotify(ready bool, status string) {
	if os.Getenv("NOTIFY_SOCKET") == "" {
		return
	}

	args := []string{fmt.Sprintf("--pid=%d", os.Getpid())}
	if ready {
		args = append(args, "--ready")
	}
	if status != "" {
		args = append(args, fmt.Sprintf("--status=%s", status))
	}

	cmd := exec.Command("systemd-notify", args...)
	_ = cmd.Run()
}

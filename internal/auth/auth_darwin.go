// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

//go:build darwin

package auth

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

const platformSupported = true

// platformPeerCredentials extracts UID and GID from the Unix socket
// connection via LOCAL_PEERCRED. macOS's Xucred carries no PID.
func platformPeerCredentials(conn *net.UnixConn) (Credentials, error) {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return Credentials{}, fmt.Errorf("getting raw connection: %w", err)
	}

	var xucred *unix.Xucred
	var credErr error

	err = rawConn.Control(func(fd uintptr) {
		xucred, credErr = unix.GetsockoptXucred(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
	})
	if err != nil {
		return Credentials{}, fmt.Errorf("controlling raw connection: %w", err)
	}
	if credErr != nil {
		return Credentials{}, fmt.Errorf("getsockopt LOCAL_PEERCRED: %w", credErr)
	}

	var gid uint32
	if len(xucred.Groups) > 0 {
		gid = xucred.Groups[0]
	}

	return Credentials{UID: xucred.Uid, GID: gid}, nil
}

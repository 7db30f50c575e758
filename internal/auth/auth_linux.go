// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package auth

import (
	"fmt"
	"net"
	"syscall"
)

const platformSupported = true

// platformPeerCredentials extracts PID, UID, and GID from the Unix
// socket connection via SO_PEERCRED.
func platformPeerCredentials(conn *net.UnixConn) (Credentials, error) {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return Credentials{}, fmt.Errorf("getting raw connection: %w", err)
	}

	var ucred *syscall.Ucred
	var credErr error

	err = rawConn.Control(func(fd uintptr) {
		ucred, credErr = syscall.GetsockoptUcred(int(fd), syscall.SOL_SOCKET, syscall.SO_PEERCRED)
	})
	if err != nil {
		return Credentials{}, fmt.Errorf("controlling raw connection: %w", err)
	}
	if credErr != nil {
		return Credentials{}, fmt.Errorf("getsockopt SO_PEERCRED: %w", credErr)
	}

	return Credentials{PID: ucred.Pid, UID: ucred.Uid, GID: ucred.Gid}, nil
}

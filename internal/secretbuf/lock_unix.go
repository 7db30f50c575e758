// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

//go:build linux || darwin

package secretbuf

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// platformLock best-effort mlocks buf's pages so they are never written
// to swap. A failure (commonly EPERM/ENOMEM under RLIMIT_MEMLOCK) is
// returned to the caller, which treats it as non-fatal.
func platformLock(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if err := unix.Mlock(buf); err != nil {
		return fmt.Errorf("mlock: %w", err)
	}
	return nil
}

// platformUnlock releases a page lock acquired by platformLock.
func platformUnlock(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if err := unix.Munlock(buf); err != nil {
		return fmt.Errorf("munlock: %w", err)
	}
	return nil
}

//go:build !linux && !darwin

package secretbuf

import "errors"

// errLockUnsupported is returned on platforms without an mlock facility.
var errLockUnsupported = errors.New("secretbuf: page locking unsupported on this platform")

func platformLock(buf []byte) error {
	return errLockUnsupported
}

func platformUnlock(buf []byte) error {
	return nil
}

//go:build !linux && !darwin

package auth

import "net"

const platformSupported = false

func platformPeerCredentials(conn *net.UnixConn) (Credentials, error) {
	return Credentials{}, ErrUnsupportedPlatform
}

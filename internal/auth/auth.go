// Package auth implements the Peer authenticator component: it resolves
// the effective UID of the process on the other end of a Unix socket
// connection using the kernel's socket-credential facility, and checks it
// against a configured allow-list. There is no password, token, or
// challenge-response — the socket's filesystem permissions and the
// kernel-reported UID are the entire trust boundary.
package auth

import (
	"errors"
	"fmt"
	"net"
)

// Supported reports whether this platform exposes a peer-credential
// facility. The server refuses to start if this is false: it has no
// trustworthy way to identify peers otherwise.
const Supported = platformSupported

// ErrUnsupportedPlatform is returned by PeerCredentials when the platform has
// no peer-credential facility.
var ErrUnsupportedPlatform = errors.New("auth: platform lacks peer credential support")

// ErrForbidden is returned by Authenticate when the peer's UID is not in
// the allow-list.
type ErrForbidden struct {
	UID uint32
}

func (e *ErrForbidden) Error() string {
	return fmt.Sprintf("auth: uid %d not in allow-list", e.UID)
}

// Credentials is the kernel-reported identity of a Unix socket peer.
type Credentials struct {
	PID int32
	UID uint32
	GID uint32
}

// PeerCredentials extracts the credentials of the process at the other
// end of conn.
func PeerCredentials(conn *net.UnixConn) (Credentials, error) {
	return platformPeerCredentials(conn)
}

// Authenticator checks peer credentials against an allow-list of UIDs.
type Authenticator struct {
	allowed map[uint32]struct{}
}

// NewAuthenticator builds an Authenticator whose allow-list is the union
// of uids.
func NewAuthenticator(uids []uint32) *Authenticator {
	allowed := make(map[uint32]struct{}, len(uids))
	for _, uid := range uids {
		allowed[uid] = struct{}{}
	}
	return &Authenticator{allowed: allowed}
}

// Authenticate resolves conn's peer credentials and checks the UID
// against the allow-list. On success it returns the credentials; on
// rejection it returns *ErrForbidden with the rejected UID so the caller
// can log it.
func (a *Authenticator) Authenticate(conn *net.UnixConn) (Credentials, error) {
	creds, err := PeerCredentials(conn)
	if err != nil {
		return Credentials{}, fmt.Errorf("resolving peer credentials: %w", err)
	}

	if _, ok := a.allowed[creds.UID]; !ok {
		return creds, &ErrForbidden{UID: creds.UID}
	}

	return creds, nil
}

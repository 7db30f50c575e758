// Package conn implements the per-connection handler: authenticate once,
// then loop reading requests and dispatching them against the store until
// the peer disconnects, sends QUIT, or goes idle past the configured
// timeout.
package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"

	"github.com/secmemhq/secmem/internal/auth"
	"github.com/secmemhq/secmem/internal/clock"
	"github.com/secmemhq/secmem/internal/protocol"
	"github.com/secmemhq/secmem/internal/secretbuf"
	"github.com/secmemhq/secmem/internal/store"
)

// Limits bounds what a connection handler will accept, sourced from the
// running configuration.
type Limits struct {
	MaxValueBytes int
	DefaultTTL    time.Duration
	MaxTTL        time.Duration
	IdleTimeout   time.Duration
}

// Handler owns one accepted connection end to end.
type Handler struct {
	store *store.Store
	auth  *auth.Authenticator
	clock clock.Clock
	limit Limits
}

// New builds a Handler serving st, authenticating with a, bounded by limit.
func New(st *store.Store, a *auth.Authenticator, clk clock.Clock, limit Limits) *Handler {
	return &Handler{store: st, auth: a, clock: clk, limit: limit}
}

// Serve runs a connection to completion: authenticate, then read-dispatch-
// write until the connection closes. It never panics out to the caller —
// a per-request dispatch panic is recovered and logged so one bad request
// cannot take the listener down.
func (h *Handler) Serve(ctx context.Context, rawConn net.Conn) {
	defer rawConn.Close()

	uc, ok := rawConn.(*net.UnixConn)
	if !ok {
		clog.FromContext(ctx).Errorf("connection is not a unix socket: %T", rawConn)
		return
	}

	connID := uuid.NewString()
	log := clog.FromContext(ctx).With("conn_id", connID)

	creds, err := h.auth.Authenticate(uc)
	var forbidden *auth.ErrForbidden
	if errors.As(err, &forbidden) {
		log.Warnf("rejecting uid %d: not in allow-list", forbidden.UID)
		_ = protocol.WriteErr(uc, protocol.Forbidden, "uid not permitted")
		return
	}
	if err != nil {
		log.Errorf("resolving peer credentials: %v", err)
		_ = protocol.WriteErr(uc, protocol.Internal, "")
		return
	}

	log = log.With("uid", creds.UID)
	log.Infof("connection authenticated")
	defer log.Infof("connection closed")

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("connection handler panicked: %v", r)
		}
	}()

	reader := protocol.NewReader(uc, h.limit.MaxValueBytes)

	for {
		if h.limit.IdleTimeout > 0 {
			_ = uc.SetReadDeadline(time.Now().Add(h.limit.IdleTimeout))
		}

		req, err := reader.Next()
		if err != nil {
			h.handleReadError(log, uc, err)
			return
		}

		if req.Verb == protocol.Quit {
			_ = protocol.WriteOK(uc)
			log.Debugf("connection closed by QUIT")
			return
		}

		if !h.dispatch(log, uc, req) {
			return
		}
	}
}

// handleReadError logs and, where appropriate, responds to a failure from
// Reader.Next. A plain disconnect (io.EOF) and an idle timeout both close
// silently; everything else gets a best-effort error response first.
func (h *Handler) handleReadError(log *clog.Logger, uc *net.UnixConn, err error) {
	if errors.Is(err, io.EOF) {
		return
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		log.Debugf("closing idle connection")
		return
	}

	var protoErr *protocol.Error
	if errors.As(err, &protoErr) {
		_ = protocol.WriteErr(uc, protoErr.Kind, protoErr.Detail)
		return
	}

	log.Errorf("reading request: %v", err)
	_ = protocol.WriteErr(uc, protocol.Internal, "")
}

// dispatch executes one request and writes its response. It returns false
// if the connection must be closed afterward (a fatal protocol error).
func (h *Handler) dispatch(log *clog.Logger, uc *net.UnixConn, req *protocol.Request) bool {
	switch req.Verb {
	case protocol.Put:
		return h.handlePut(uc, req)
	case protocol.Get:
		return h.handleGet(uc, req)
	case protocol.Del:
		return h.handleDel(uc, req)
	case protocol.List:
		return h.handleList(uc)
	case protocol.TTL:
		return h.handleTTL(uc, req)
	case protocol.Ping:
		if err := protocol.WriteOK(uc); err != nil {
			log.Debugf("writing PING response: %v", err)
			return false
		}
		return true
	default:
		_ = protocol.WriteErr(uc, protocol.BadRequest, "unhandled verb")
		return false
	}
}

func (h *Handler) handlePut(uc *net.UnixConn, req *protocol.Request) bool {
	ttl := h.limit.DefaultTTL
	if req.TTL != "" {
		parsed, err := store.ParseTTL(req.TTL)
		if err != nil {
			return writeErrKeepOpen(uc, protocol.TTLInvalid, err.Error())
		}
		ttl = parsed
	}
	if ttl > h.limit.MaxTTL {
		return writeErrKeepOpen(uc, protocol.TTLInvalid, fmt.Sprintf("ttl exceeds maximum of %s", h.limit.MaxTTL))
	}

	buf, err := secretbuf.New(req.Payload)
	if err != nil {
		return writeErrKeepOpen(uc, protocol.BadRequest, err.Error())
	}

	expiresAt := h.clock.Now().Add(ttl)
	if _, err := h.store.Put(req.Key, buf, expiresAt); err != nil {
		buf.Destroy()
		return writeStoreError(uc, err)
	}

	return writeOKKeepOpen(uc)
}

func (h *Handler) handleGet(uc *net.UnixConn, req *protocol.Request) bool {
	outcome, data, err := h.store.Get(req.Key)
	if err != nil {
		return writeErrKeepOpen(uc, protocol.Internal, "")
	}
	if outcome == store.NotFound {
		return writeErrKeepOpen(uc, protocol.NotFound, "")
	}
	defer secretbuf.Wipe(data)
	if err := protocol.WriteValue(uc, data); err != nil {
		return false
	}
	return true
}

func (h *Handler) handleDel(uc *net.UnixConn, req *protocol.Request) bool {
	n := uint64(0)
	if h.store.Delete(req.Key) {
		n = 1
	}
	return writeOKNumKeepOpen(uc, n)
}

func (h *Handler) handleList(uc *net.UnixConn) bool {
	entries := h.store.List()
	items := make([]protocol.ListItem, len(entries))
	for i, e := range entries {
		items[i] = protocol.ListItem{Key: e.Key, Seconds: e.SecondsToLive}
	}
	if err := protocol.WriteList(uc, items); err != nil {
		return false
	}
	return true
}

func (h *Handler) handleTTL(uc *net.UnixConn, req *protocol.Request) bool {
	seconds, ok := h.store.TTLRemaining(req.Key)
	if !ok {
		return writeErrKeepOpen(uc, protocol.NotFound, "")
	}
	return writeOKNumKeepOpen(uc, uint64(seconds))
}

func writeOKKeepOpen(uc *net.UnixConn) bool {
	return protocol.WriteOK(uc) == nil
}

func writeOKNumKeepOpen(uc *net.UnixConn, n uint64) bool {
	return protocol.WriteOKNum(uc, n) == nil
}

func writeErrKeepOpen(uc *net.UnixConn, kind protocol.ErrorKind, detail string) bool {
	_ = protocol.WriteErr(uc, kind, detail)
	return !kind.Fatal()
}

// writeStoreError maps a store.Put failure to a wire error.
func writeStoreError(uc *net.UnixConn, err error) bool {
	var invalid *store.ErrInvalidArgument
	if errors.As(err, &invalid) {
		return writeErrKeepOpen(uc, protocol.BadRequest, invalid.Reason)
	}
	if errors.Is(err, store.ErrCapacityExceeded) {
		return writeErrKeepOpen(uc, protocol.Capacity, "")
	}
	return writeErrKeepOpen(uc, protocol.Internal, "")
}

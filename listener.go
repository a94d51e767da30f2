// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads

import (
	"errors"
	"fmt"
	"time"

	"github.com/creachadair/xroads/internal/poller"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// A listener accepts connections on a bound TCP or IPC endpoint. Each
// accepted connection gets an engine and a new session, owned by the
// listener.
type listener struct {
	own
	ioObject

	socket   *Socket
	log      zerolog.Logger
	fd       int
	handle   *poller.Handle
	addr     netAddress
	endpoint string // the bound address, with any ephemeral port resolved
}

func newListener(t *ioThread, s *Socket, opts options) *listener {
	l := &listener{
		socket: s,
		fd:     -1,
		log:    s.ctx.root.With().Str("component", "listener").Uint32("socket", s.id).Logger(),
	}
	l.init(s.ctx, t.tid(), l, opts)
	l.ioObject.plug(t)
	return l
}

// setAddress creates the listening socket. It runs on the thread of the
// socket, before the listener is launched.
func (l *listener) setAddress(proto, addr string) error {
	na, err := resolveAddress(proto, addr, true, l.options.ipv4only)
	if err != nil {
		return err
	}
	if na.family == unix.AF_UNIX {
		// A stale socket file from an earlier process would block the bind.
		unix.Unlink(addr)
	}

	fd, err := openSocket(na.family)
	if err != nil {
		return err
	}
	if err := l.listen(fd, na); err != nil {
		unix.Close(fd)
		return err
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("getsockname: %w", err)
	}
	l.fd = fd
	l.addr = na
	l.endpoint = sockaddrString(proto, sa)
	l.log = l.log.With().Str("endpoint", l.endpoint).Logger()
	return nil
}

func (l *listener) listen(fd int, na netAddress) error {
	switch na.family {
	case unix.AF_INET6:
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
			return fmt.Errorf("enable dual-stack: %w", err)
		}
		fallthrough
	case unix.AF_INET:
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return fmt.Errorf("set SO_REUSEADDR: %w", err)
		}
	}
	if err := unix.Bind(fd, na.sa); err != nil {
		if errors.Is(err, unix.EADDRINUSE) {
			return fmt.Errorf("bind %v: %w", sockaddrString(na.proto, na.sa), ErrAddrInUse)
		}
		return fmt.Errorf("bind %v: %w", sockaddrString(na.proto, na.sa), err)
	}
	if err := unix.Listen(fd, l.options.backlog); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func (l *listener) processPlug() {
	l.handle = l.addFD(l.fd, l)
	l.setPollIn(l.handle)
}

func (l *listener) processTerm(linger time.Duration) {
	l.rmFD(l.handle)
	l.handle = nil
	l.close()
	l.own.processTerm(linger)
}

func (l *listener) close() {
	if err := unix.Close(l.fd); err != nil {
		l.log.Error().Err(err).Msg("close listener")
	}
	l.fd = -1
	if l.addr.family == unix.AF_UNIX {
		unix.Unlink(l.addr.sa.(*unix.SockaddrUnix).Name)
	}
}

// InEvent accepts a pending connection, and hands it to a new session.
func (l *listener) InEvent() {
	fd, err := acceptConn(l.fd)
	if err != nil {
		// The peer may have gone away before we got to it, or we are out of
		// descriptors. Either way, wait for the next one.
		if err != unix.EAGAIN {
			l.log.Debug().Err(err).Msg("accept failed")
		}
		return
	}
	if l.addr.family != unix.AF_UNIX {
		tuneTCP(fd)
	}
	rootMetrics.connAccepted.Add(1)
	l.log.Debug().Msg("accepted connection")

	e := newStreamEngine(fd, l.options, l.endpoint, l.socket.ctx.root)
	t := l.chooseIOThread(l.options.affinity)
	if t == nil {
		panic("xroads: no I/O thread for accepted session")
	}
	sess := newSession(t, false, l.socket, l.options, l.addr.proto, "")
	l.launchChild(sess)
	l.sendAttach(sess, e, true)
}

func (*listener) OutEvent()      { panic("xroads: unexpected output event on listener") }
func (*listener) TimerEvent(int) { panic("xroads: unexpected timer on listener") }

// openSocket creates a non-blocking stream socket.
func openSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set non-blocking: %w", err)
	}
	return fd, nil
}

// acceptConn accepts a connection on a listening socket, and makes it
// non-blocking.
func acceptConn(lfd int) (int, error) {
	fd, _, err := unix.Accept(lfd)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// tuneTCP disables Nagle's algorithm on a connected TCP socket, since
// messages are already batched.
func tuneTCP(fd int) {
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}

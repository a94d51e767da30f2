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

const reconnectTimerID = 0x21

// A connecter makes one outbound connection for a session, retrying until
// it succeeds. It hands the connection to the session in a new engine and
// then terminates.
type connecter struct {
	own
	ioObject

	session     *session
	log         zerolog.Logger
	proto, addr string
	delay       time.Duration // before the first attempt
	backoff     backoff

	fd     int
	handle *poller.Handle
	timer  *poller.Timer
}

func newConnecter(t *ioThread, sess *session, opts options, proto, addr string, delay time.Duration, b backoff) *connecter {
	c := &connecter{
		session: sess,
		proto:   proto,
		addr:    addr,
		delay:   delay,
		backoff: b,
		fd:      -1,
		log: sess.socket.ctx.root.With().Str("component", "connecter").
			Uint32("socket", sess.socket.id).Str("peer", proto+"://"+addr).Logger(),
	}
	c.init(sess.ctx, t.tid(), c, opts)
	c.ioObject.plug(t)
	return c
}

func (c *connecter) processPlug() {
	if c.delay > 0 {
		c.addReconnectTimer(c.delay)
	} else {
		c.startConnecting()
	}
}

func (c *connecter) processTerm(linger time.Duration) {
	if c.timer != nil {
		c.cancelTimer(c.timer)
		c.timer = nil
	}
	if c.handle != nil {
		c.rmFD(c.handle)
		c.handle = nil
	}
	if c.fd >= 0 {
		c.close()
	}
	c.own.processTerm(linger)
}

// startConnecting begins a non-blocking connect. The outcome is reported
// by the poller as an output event.
func (c *connecter) startConnecting() {
	if err := c.open(); err != nil {
		c.log.Debug().Err(err).Msg("connect failed")
		if c.fd >= 0 {
			c.close()
		}
		c.addReconnectTimer(c.retryDelay())
		return
	}
	c.handle = c.addFD(c.fd, c)
	c.setPollOut(c.handle)
}

func (c *connecter) open() error {
	na, err := resolveAddress(c.proto, c.addr, false, c.options.ipv4only)
	if err != nil {
		return err
	}
	c.fd, err = openSocket(na.family)
	if err != nil {
		return err
	}
	if err := unix.Connect(c.fd, na.sa); err != nil && !errors.Is(err, unix.EINPROGRESS) {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// connected reports whether the pending connect succeeded.
func (c *connecter) connected() error {
	soerr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	} else if soerr != 0 {
		return unix.Errno(soerr)
	}
	return nil
}

// Some pollers report a failed connect as input rather than output.
func (c *connecter) InEvent() { c.OutEvent() }

func (c *connecter) OutEvent() {
	c.rmFD(c.handle)
	c.handle = nil

	if err := c.connected(); err != nil {
		c.log.Debug().Err(err).Msg("connect failed")
		c.close()
		c.addReconnectTimer(c.retryDelay())
		return
	}
	if c.proto == "tcp" {
		tuneTCP(c.fd)
	}
	rootMetrics.connEstab.Add(1)
	c.log.Debug().Msg("connection established")

	e := newStreamEngine(c.fd, c.options, c.proto+"://"+c.addr, c.ctx.root)
	c.fd = -1
	c.sendAttach(c.session, e, true)

	// The session owns the connection now; this connecter is done.
	c.terminate()
}

func (c *connecter) TimerEvent(id int) {
	if id != reconnectTimerID {
		panic("xroads: unexpected connecter timer")
	}
	c.timer = nil
	c.startConnecting()
}

func (c *connecter) addReconnectTimer(d time.Duration) {
	rootMetrics.reconnects.Add(1)
	c.log.Debug().Dur("delay", d).Msg("scheduling reconnect")
	c.timer = c.addTimer(d, c, reconnectTimerID)
}

// retryDelay returns the wait before the next connection attempt.
func (c *connecter) retryDelay() time.Duration {
	if c.options.reconnectIvl < 0 {
		return defaultReconnectIvl
	}
	return c.backoff.next()
}

func (c *connecter) close() {
	if err := unix.Close(c.fd); err != nil {
		c.log.Error().Err(err).Msg("close connection")
	}
	c.fd = -1
}

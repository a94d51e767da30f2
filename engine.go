// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads

import (
	"errors"
	"fmt"
	"io"

	"github.com/creachadair/xroads/internal/poller"
	"github.com/creachadair/xroads/wire"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	readBufSize = 8192

	// Messages are batched into the output buffer up to about this size.
	writeBatchSize = 8192
)

// streamEngine speaks the framed wire protocol over a connected stream
// socket. Each side first sends a greeting announcing its protocol version,
// socket type and identity; after that, each frame carries one message
// part.
type streamEngine struct {
	ioObject

	fd       int
	handle   *poller.Handle
	session  *session
	options  options
	endpoint string
	log      zerolog.Logger

	dec        wire.Decoder
	inbuf      [readBufSize]byte
	handshaked bool // the greeting of the peer has been received

	// A decoded message part the session could not accept yet. Input is
	// suspended until the session asks for more.
	pending      Msg
	hasPending   bool
	inputStopped bool

	outbuf []byte
	outpos int
}

func newStreamEngine(fd int, opts options, endpoint string, log zerolog.Logger) *streamEngine {
	e := &streamEngine{
		fd:       fd,
		options:  opts,
		endpoint: endpoint,
		log:      log.With().Str("component", "engine").Str("endpoint", endpoint).Logger(),
	}
	if opts.maxMsgSize > 0 {
		e.dec.MaxSize = opts.maxMsgSize
	}
	return e
}

func (e *streamEngine) plug(t *ioThread, s *session) {
	e.ioObject.plug(t)
	e.session = s
	e.handle = e.addFD(e.fd, e)
	e.setPollIn(e.handle)

	g := wire.Greeting{
		Version:    wire.Version,
		SocketType: uint16(e.options.typ),
		Identity:   e.options.identity,
	}
	e.outbuf = wire.AppendFrame(e.outbuf, false, g.Encode())
	e.setPollOut(e.handle)
}

func (e *streamEngine) unplug() {
	e.rmFD(e.handle)
	e.handle = nil
	e.ioObject.unplug()
	e.session = nil
}

func (e *streamEngine) terminate() {
	// Make one last attempt to deliver what is buffered.
	if e.outpos < len(e.outbuf) {
		if n, err := unix.Write(e.fd, e.outbuf[e.outpos:]); err == nil {
			rootMetrics.bytesOut.Add(int64(n))
		}
	}
	e.unplug()
	e.close()
}

func (e *streamEngine) close() {
	if err := unix.Close(e.fd); err != nil {
		e.log.Error().Err(err).Msg("close connection")
	}
	e.fd = -1
	if e.hasPending {
		e.pending.Close()
		e.hasPending = false
	}
}

func (e *streamEngine) InEvent() {
	n, err := unix.Read(e.fd, e.inbuf[:])
	if err == unix.EAGAIN || err == unix.EINTR {
		return
	} else if err == nil && n == 0 {
		err = io.EOF
	}
	if err != nil {
		e.error(err)
		return
	}
	rootMetrics.bytesIn.Add(int64(n))
	e.dec.Write(e.inbuf[:n])
	e.processInput()
}

// processInput hands decoded message parts to the session until the input
// is exhausted or the session refuses one.
func (e *streamEngine) processInput() {
	for {
		if e.hasPending {
			if !e.session.write(&e.pending) {
				e.inputStopped = true
				e.resetPollIn(e.handle)
				break
			}
			e.hasPending = false
		}

		f, err := e.dec.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			e.log.Warn().Err(err).Msg("invalid frame")
			e.error(err)
			return
		}
		if !e.handshaked {
			if err := e.handshake(f); err != nil {
				rootMetrics.handshakeFail.Add(1)
				e.log.Warn().Err(err).Msg("handshake failed")
				e.error(err)
				return
			}
			continue
		}

		// The frame body aliases the decoder buffer, so copy it out.
		e.pending = NewMsg(f.Body)
		if f.More {
			e.pending.SetFlags(More)
		}
		e.hasPending = true
	}
	e.session.flush()
}

func (e *streamEngine) handshake(f wire.Frame) error {
	if f.More {
		return fmt.Errorf("%w: multi-part greeting", wire.ErrMalformed)
	}
	g, err := wire.ParseGreeting(f.Body)
	if err != nil {
		return err
	}
	if err := wire.CheckVersion(g.Version); err != nil {
		return err
	}
	if peer := SocketType(g.SocketType); !e.options.typ.compatible(peer) {
		return fmt.Errorf("socket type %v cannot talk to %v", e.options.typ, peer)
	}
	e.handshaked = true
	e.session.handshaked(g.Identity)
	return nil
}

func (e *streamEngine) OutEvent() {
	if e.outpos == len(e.outbuf) {
		e.outbuf, e.outpos = e.outbuf[:0], 0
		var m Msg
		for len(e.outbuf) < writeBatchSize && e.session.read(&m) {
			e.outbuf = wire.AppendFrame(e.outbuf, m.More(), m.Data())
			m.Close()
		}
		if len(e.outbuf) == 0 {
			e.resetPollOut(e.handle)
			return
		}
	}

	n, err := unix.Write(e.fd, e.outbuf[e.outpos:])
	if err == unix.EAGAIN || err == unix.EINTR {
		return
	} else if err != nil {
		e.error(err)
		return
	}
	rootMetrics.bytesOut.Add(int64(n))
	e.outpos += n
}

func (*streamEngine) TimerEvent(int) { panic("xroads: unexpected timer on engine") }

func (e *streamEngine) activateIn() {
	if !e.inputStopped {
		return
	}
	e.inputStopped = false
	e.setPollIn(e.handle)
	e.processInput()
}

func (e *streamEngine) activateOut() {
	e.setPollOut(e.handle)

	// Try to write at once rather than wait for the next poll.
	e.OutEvent()
}

// error abandons the connection. The session decides whether to reconnect.
func (e *streamEngine) error(err error) {
	if isDisconnect(err) {
		e.log.Debug().Err(err).Msg("peer disconnected")
	} else {
		e.log.Warn().Err(err).Msg("connection failed")
	}
	s := e.session
	e.unplug()
	e.close()
	s.detach()
}

// isDisconnect reports whether err is an ordinary end of the connection.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, unix.ECONNRESET) || errors.Is(err, unix.EPIPE)
}

// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package device implements loops that shuttle messages between a pair of
// sockets.
//
// A device runs until its context ends, or until either socket reports
// [xroads.ErrTerminated]. Whole multi-part messages are moved at once, so a
// message is never split when a device stops.
//
// The methods of a socket must not be called concurrently, so the caller
// must not use the sockets passed to a device until it returns.
package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/creachadair/xroads"
)

// Forwarder moves messages published to in (a SUB or XSUB socket) to out (a
// PUB or XPUB socket). If in is XSUB and out is XPUB, subscriptions received
// by out are forwarded to in, so that upstream publishers can filter.
func Forwarder(ctx context.Context, in, out *xroads.Socket) error {
	if err := checkTypes("forwarder", in, out, []xroads.SocketType{xroads.SUB, xroads.XSUB},
		[]xroads.SocketType{xroads.PUB, xroads.XPUB}); err != nil {
		return err
	}
	if in.Type() == xroads.XSUB && out.Type() == xroads.XPUB {
		return run(ctx, link{in, out}, link{out, in})
	}
	return run(ctx, link{in, out})
}

// Queue moves requests from in (an XREP socket) to out (an XREQ socket), and
// replies from out back to in. It is the broker between a set of clients
// and a set of services.
func Queue(ctx context.Context, in, out *xroads.Socket) error {
	if err := checkTypes("queue", in, out, []xroads.SocketType{xroads.XREP},
		[]xroads.SocketType{xroads.XREQ}); err != nil {
		return err
	}
	return run(ctx, link{in, out}, link{out, in})
}

// Streamer moves messages from in (a PULL socket) to out (a PUSH socket).
func Streamer(ctx context.Context, in, out *xroads.Socket) error {
	if err := checkTypes("streamer", in, out, []xroads.SocketType{xroads.PULL},
		[]xroads.SocketType{xroads.PUSH}); err != nil {
		return err
	}
	return run(ctx, link{in, out})
}

func checkTypes(name string, in, out *xroads.Socket, ins, outs []xroads.SocketType) error {
	if !hasType(in, ins) {
		return fmt.Errorf("%s input %v: %w", name, in.Type(), xroads.ErrInvalid)
	}
	if !hasType(out, outs) {
		return fmt.Errorf("%s output %v: %w", name, out.Type(), xroads.ErrInvalid)
	}
	return nil
}

func hasType(s *xroads.Socket, types []xroads.SocketType) bool {
	for _, t := range types {
		if s.Type() == t {
			return true
		}
	}
	return false
}

// A link is one direction of travel through a device.
type link struct {
	from, to *xroads.Socket
}

// run moves messages along each of the links until ctx ends or a socket is
// terminated. It reports nil if a socket was terminated.
func run(ctx context.Context, links ...link) error {
	items := make([]xroads.PollItem, len(links))
	for i, k := range links {
		items[i] = xroads.PollItem{Socket: k.from, Events: xroads.PollIn}
	}
	for {
		if _, err := xroads.Poll(ctx, items, -1); errors.Is(err, xroads.ErrTerminated) {
			return nil
		} else if err != nil {
			return err
		}
		for i, k := range links {
			if items[i].REvents&xroads.PollIn == 0 {
				continue
			}
			if err := k.forward(); errors.Is(err, xroads.ErrTerminated) {
				return nil
			} else if err != nil {
				return err
			}
		}
	}
}

// forward moves one complete message along k, if one is ready.
func (k link) forward() error {
	var m xroads.Msg
	defer m.Close()

	flags := xroads.DontWait
	for n := 0; ; n++ {
		if err := k.from.RecvMsg(&m, flags); err != nil {
			if n == 0 && errors.Is(err, xroads.ErrAgain) {
				return nil
			}
			return err
		}

		// The rest of a message is delivered together with its first part.
		flags = 0
		more := m.More()
		var sf xroads.Flags
		if more {
			sf = xroads.SndMore
		}
		if err := k.to.SendMsg(&m, sf); err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

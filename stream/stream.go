// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package stream provides iterators over the messages of a socket.
package stream

import (
	"context"
	"errors"
	"iter"

	"github.com/creachadair/xroads"
)

// Messages returns an iterator over the complete messages received by s.
// Each message is yielded as a slice of its parts.
//
// The stream ends without error when the context of s is terminated. If
// ctx ends first, or receiving fails, the iterator ends the stream with a
// final (nil, err) tuple. The caller must not use s concurrently with the
// iterator.
func Messages(ctx context.Context, s *xroads.Socket) iter.Seq2[[][]byte, error] {
	return func(yield func([][]byte, error) bool) {
		items := []xroads.PollItem{{Socket: s, Events: xroads.PollIn}}
		for {
			msg, err := recvMessage(s)
			if errors.Is(err, xroads.ErrAgain) {
				_, err = xroads.Poll(ctx, items, -1)
				if err == nil {
					continue
				}
			}
			if errors.Is(err, xroads.ErrTerminated) {
				return
			} else if err != nil {
				yield(nil, err)
				return
			}
			if !yield(msg, nil) {
				return
			}
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
		}
	}
}

// recvMessage receives all the parts of one message from s without
// blocking. It reports ErrAgain if no message is ready.
func recvMessage(s *xroads.Socket) ([][]byte, error) {
	var parts [][]byte
	flags := xroads.DontWait
	for {
		data, err := s.Recv(flags)
		if err != nil {
			return nil, err
		}
		parts = append(parts, data)
		if !s.RcvMore() {
			return parts, nil
		}
		flags = 0 // the remaining parts are already queued
	}
}

// Send sends the parts of msg on s as a single message. An empty msg sends
// a message with one empty part.
func Send(s *xroads.Socket, msg [][]byte) error {
	if len(msg) == 0 {
		return s.Send(nil, 0)
	}
	last := len(msg) - 1
	for i, part := range msg {
		var flags xroads.Flags
		if i < last {
			flags = xroads.SndMore
		}
		if err := s.Send(part, flags); err != nil {
			return err
		}
	}
	return nil
}

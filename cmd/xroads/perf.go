// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/xroads"
)

// A result records the outcome of a measurement.
type result struct {
	Size    int // bytes per message
	Count   int // messages or round trips
	Elapsed time.Duration
}

func (r result) writeThroughput(w io.Writer) {
	secs := max(r.Elapsed, time.Microsecond).Seconds()
	msgs := float64(r.Count) / secs
	fmt.Fprintf(w, "message size: %d [B]\n", r.Size)
	fmt.Fprintf(w, "message count: %d\n", r.Count)
	fmt.Fprintf(w, "mean throughput: %.0f [msg/s]\n", msgs)
	fmt.Fprintf(w, "mean throughput: %.3f [Mb/s]\n", msgs*float64(r.Size)*8/1e6)
}

// latency reports the mean one-way latency.
func (r result) latency() time.Duration { return r.Elapsed / time.Duration(2*r.Count) }

func (r result) writeLatency(w io.Writer) {
	fmt.Fprintf(w, "message size: %d [B]\n", r.Size)
	fmt.Fprintf(w, "roundtrip count: %d\n", r.Count)
	fmt.Fprintf(w, "average latency: %.3f [us]\n", float64(r.latency())/float64(time.Microsecond))
}

func newSocket(c *xroads.Context, typ xroads.SocketType, bind, connect string) (*xroads.Socket, error) {
	s, err := c.NewSocket(typ)
	if err != nil {
		return nil, err
	}
	if bind != "" {
		err = s.Bind(bind)
	} else {
		err = s.Connect(connect)
	}
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func localThr(c *xroads.Context, addr string, size, count int) (result, error) {
	s, err := newSocket(c, xroads.PULL, addr, "")
	if err != nil {
		return result{}, err
	}
	defer s.Close()
	return receiveAll(s, size, count)
}

// receiveAll receives count messages of the given size from s. The clock
// starts when the first message arrives.
func receiveAll(s *xroads.Socket, size, count int) (result, error) {
	var m xroads.Msg
	defer m.Close()

	var start time.Time
	for i := range count {
		if err := s.RecvMsg(&m, 0); err != nil {
			return result{}, fmt.Errorf("receive message %d: %w", i+1, err)
		} else if m.Size() != size {
			return result{}, fmt.Errorf("message %d has size %d, want %d", i+1, m.Size(), size)
		}
		if i == 0 {
			start = time.Now()
		}
	}
	return result{Size: size, Count: count, Elapsed: time.Since(start)}, nil
}

func remoteThr(c *xroads.Context, addr string, size, count int) error {
	s, err := newSocket(c, xroads.PUSH, "", addr)
	if err != nil {
		return err
	}
	defer s.Close()
	return sendAll(s, size, count)
}

func sendAll(s *xroads.Socket, size, count int) error {
	buf := make([]byte, size)
	for i := range count {
		if err := s.Send(buf, 0); err != nil {
			return fmt.Errorf("send message %d: %w", i+1, err)
		}
	}
	return nil
}

func localLat(c *xroads.Context, addr string, size, count int) error {
	s, err := newSocket(c, xroads.REP, addr, "")
	if err != nil {
		return err
	}
	defer s.Close()
	return echo(s, size, count)
}

// echo sends each of count messages received by s back to its sender.
func echo(s *xroads.Socket, size, count int) error {
	var m xroads.Msg
	defer m.Close()
	for i := range count {
		if err := s.RecvMsg(&m, 0); err != nil {
			return fmt.Errorf("receive message %d: %w", i+1, err)
		} else if m.Size() != size {
			return fmt.Errorf("message %d has size %d, want %d", i+1, m.Size(), size)
		}
		if err := s.SendMsg(&m, 0); err != nil {
			return fmt.Errorf("echo message %d: %w", i+1, err)
		}
	}
	return nil
}

func remoteLat(c *xroads.Context, addr string, size, count int) (result, error) {
	s, err := newSocket(c, xroads.REQ, "", addr)
	if err != nil {
		return result{}, err
	}
	defer s.Close()
	return roundTrips(s, size, count)
}

func roundTrips(s *xroads.Socket, size, count int) (result, error) {
	buf := make([]byte, size)
	var m xroads.Msg
	defer m.Close()

	start := time.Now()
	for i := range count {
		if err := s.Send(buf, 0); err != nil {
			return result{}, fmt.Errorf("send message %d: %w", i+1, err)
		}
		if err := s.RecvMsg(&m, 0); err != nil {
			return result{}, fmt.Errorf("receive reply %d: %w", i+1, err)
		} else if m.Size() != size {
			return result{}, fmt.Errorf("reply %d has size %d, want %d", i+1, m.Size(), size)
		}
	}
	return result{Size: size, Count: count, Elapsed: time.Since(start)}, nil
}

func inprocThr(c *xroads.Context, size, count int) (result, error) {
	const addr = "inproc://thr_test"
	s, err := newSocket(c, xroads.PULL, addr, "")
	if err != nil {
		return result{}, err
	}
	defer s.Close()

	sender := taskgroup.Go(func() error { return remoteThr(c, addr, size, count) })
	r, err := receiveAll(s, size, count)
	if serr := sender.Wait(); err == nil {
		err = serr
	}
	return r, err
}

func inprocLat(c *xroads.Context, size, count int) (result, error) {
	const addr = "inproc://lat_test"
	s, err := newSocket(c, xroads.REP, addr, "")
	if err != nil {
		return result{}, err
	}

	echoer := taskgroup.Go(func() error {
		defer s.Close()
		return echo(s, size, count)
	})
	r, err := remoteLat(c, addr, size, count)
	if eerr := echoer.Wait(); err == nil {
		err = eerr
	}
	return r, err
}

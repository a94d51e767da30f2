// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/xroads"
	"github.com/fortytw2/leaktest"
)

func TestPollTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	c := newContext(t, nil)
	defer term(t, c)
	pull := newSocket(t, c, xroads.PULL)
	defer pull.Close()

	items := []xroads.PollItem{{Socket: pull, Events: xroads.PollIn}}
	if n, err := xroads.Poll(context.Background(), items, 0); n != 0 || err != nil {
		t.Errorf("Poll without waiting: got (%d, %v), want (0, nil)", n, err)
	}

	const timeout = 50 * time.Millisecond
	start := time.Now()
	n, err := xroads.Poll(context.Background(), items, timeout)
	if n != 0 || err != nil {
		t.Errorf("Poll: got (%d, %v), want (0, nil)", n, err)
	}
	if d := time.Since(start); d < timeout {
		t.Errorf("Poll returned after %v, before the timeout", d)
	}
	if items[0].REvents != 0 {
		t.Errorf("REvents: got %v, want 0", items[0].REvents)
	}

	// With nothing to poll, Poll just waits.
	start = time.Now()
	if n, err := xroads.Poll(context.Background(), nil, timeout); n != 0 || err != nil {
		t.Errorf("Poll no items: got (%d, %v), want (0, nil)", n, err)
	}
	if d := time.Since(start); d < timeout {
		t.Errorf("Poll no items returned after %v, before the timeout", d)
	}
}

func TestPollReady(t *testing.T) {
	defer leaktest.Check(t)()

	c := newContext(t, nil)
	defer term(t, c)
	pull := newSocket(t, c, xroads.PULL)
	defer pull.Close()
	push := newSocket(t, c, xroads.PUSH)
	defer push.Close()
	idle := newSocket(t, c, xroads.PULL)
	defer idle.Close()

	bind(t, pull, "inproc://poll-ready")
	connect(t, push, "inproc://poll-ready")

	g := taskgroup.Go(func() error {
		time.Sleep(20 * time.Millisecond)
		return push.Send([]byte("hello"), 0)
	})

	items := []xroads.PollItem{
		{Socket: idle, Events: xroads.PollIn},
		{Socket: pull, Events: xroads.PollIn | xroads.PollOut},
	}
	n, err := xroads.Poll(context.Background(), items, testTimeout)
	if err != nil {
		t.Fatalf("Poll: unexpected error: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n != 1 {
		t.Errorf("Poll: got %d items ready, want 1", n)
	}
	if items[0].REvents != 0 {
		t.Errorf("Idle REvents: got %v, want 0", items[0].REvents)
	}
	// A PULL socket never reports PollOut, even if it was requested.
	if items[1].REvents != xroads.PollIn {
		t.Errorf("Pull REvents: got %v, want %v", items[1].REvents, xroads.PollIn)
	}
	if got := recvMessage(t, pull); got[0] != "hello" {
		t.Errorf("Received %q, want hello", got)
	}
}

func TestPollFD(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	items := []xroads.PollItem{{FD: int(r.Fd()), Events: xroads.PollIn}}
	if n, err := xroads.Poll(context.Background(), items, 0); n != 0 || err != nil {
		t.Errorf("Poll empty pipe: got (%d, %v), want (0, nil)", n, err)
	}
	if _, err := w.Write([]byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n, err := xroads.Poll(context.Background(), items, testTimeout); n != 1 || err != nil {
		t.Errorf("Poll readable pipe: got (%d, %v), want (1, nil)", n, err)
	}
	if items[0].REvents != xroads.PollIn {
		t.Errorf("REvents: got %v, want %v", items[0].REvents, xroads.PollIn)
	}
}

func TestPollCancel(t *testing.T) {
	defer leaktest.Check(t)()

	c := newContext(t, nil)
	defer term(t, c)
	pull := newSocket(t, c, xroads.PULL)
	defer pull.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	items := []xroads.PollItem{{Socket: pull, Events: xroads.PollIn}}
	if _, err := xroads.Poll(ctx, items, -1); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Poll: got %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestPollTerminated(t *testing.T) {
	defer leaktest.Check(t)()

	c := newContext(t, nil)
	s := newSocket(t, c, xroads.PULL)

	g := taskgroup.Go(func() error {
		defer s.Close()
		items := []xroads.PollItem{{Socket: s, Events: xroads.PollIn}}
		if _, err := xroads.Poll(context.Background(), items, -1); !errors.Is(err, xroads.ErrTerminated) {
			return fmt.Errorf("Poll: got %v, want %v", err, xroads.ErrTerminated)
		}
		return nil
	})
	term(t, c)
	if err := g.Wait(); err != nil {
		t.Error(err)
	}
}

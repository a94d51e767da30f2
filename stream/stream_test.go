// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package stream_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/xroads"
	"github.com/creachadair/xroads/stream"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

func vals(ss ...string) [][]byte {
	out := make([][]byte, len(ss))
	for i, s := range ss {
		out[i] = []byte(s)
	}
	return out
}

func setup(t *testing.T) (*xroads.Context, *xroads.Socket, *xroads.Socket) {
	t.Helper()
	c, err := xroads.NewContext(&xroads.ContextOptions{IOThreads: -1})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	push, err := c.NewSocket(xroads.PUSH)
	if err != nil {
		t.Fatalf("NewSocket: %v", err)
	}
	pull, err := c.NewSocket(xroads.PULL)
	if err != nil {
		t.Fatalf("NewSocket: %v", err)
	}
	push.SetLinger(0)
	pull.SetLinger(0)
	if err := pull.Bind("inproc://stream"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := push.Connect("inproc://stream"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c, push, pull
}

func TestMessages(t *testing.T) {
	defer leaktest.Check(t)()
	c, push, pull := setup(t)

	want := [][][]byte{
		vals("one"),
		vals("two", "parts"),
		vals(""),
		vals("a", "", "c"),
	}
	for _, m := range want {
		if err := stream.Send(push, m); err != nil {
			t.Fatalf("Send %q: %v", m, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got [][][]byte
	for msg, err := range stream.Messages(ctx, pull) {
		if err != nil {
			t.Fatalf("Messages: %v", err)
		}
		got = append(got, msg)
		if len(got) == len(want) {
			break
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Messages (-want, +got):\n%s", diff)
	}

	push.Close()
	pull.Close()
	if err := c.Term(); err != nil {
		t.Errorf("Term: %v", err)
	}
}

func TestCancel(t *testing.T) {
	defer leaktest.Check(t)()
	c, push, pull := setup(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream.Send(push, vals("first"))

	var got []string
	var gotErr error
	for msg, err := range stream.Messages(ctx, pull) {
		if err != nil {
			gotErr = err
			break
		}
		got = append(got, string(msg[0]))
		cancel()
	}
	if diff := cmp.Diff([]string{"first"}, got); diff != "" {
		t.Errorf("Messages (-want, +got):\n%s", diff)
	}
	if !errors.Is(gotErr, context.Canceled) {
		t.Errorf("Messages error: got %v, want %v", gotErr, context.Canceled)
	}

	push.Close()
	pull.Close()
	if err := c.Term(); err != nil {
		t.Errorf("Term: %v", err)
	}
}

func TestTerminated(t *testing.T) {
	defer leaktest.Check(t)()
	c, push, pull := setup(t)

	it := taskgroup.Go(func() error {
		for _, err := range stream.Messages(context.Background(), pull) {
			if err != nil {
				return err
			}
		}
		return nil
	})
	done := taskgroup.Go(c.Term)
	if err := it.Wait(); err != nil {
		t.Errorf("Messages: got %v, want nil", err)
	}
	push.Close()
	pull.Close()
	if err := done.Wait(); err != nil {
		t.Errorf("Term: %v", err)
	}
}

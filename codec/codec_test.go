// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package codec_test

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/xroads"
	"github.com/creachadair/xroads/codec"
	"github.com/fortytw2/leaktest"
)

type tvText string

func (v tvText) MarshalText() ([]byte, error) { return []byte(v), nil }

func (v *tvText) UnmarshalText(data []byte) error {
	*v = tvText(data)
	return nil
}

type tvBinary string

func (v tvBinary) MarshalBinary() ([]byte, error) { return []byte(v), nil }

func (v *tvBinary) UnmarshalBinary(data []byte) error {
	*v = tvBinary(data)
	return nil
}

// number encodes as decimal text.
type number int

func (n number) MarshalText() ([]byte, error) { return strconv.AppendInt(nil, int64(n), 10), nil }

func (n *number) UnmarshalText(data []byte) error {
	v, err := strconv.Atoi(string(data))
	*n = number(v)
	return err
}

func pair(t *testing.T) (c *xroads.Context, a, b *xroads.Socket, done func()) {
	t.Helper()
	c, err := xroads.NewContext(&xroads.ContextOptions{IOThreads: -1})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	mk := func(typ xroads.SocketType) *xroads.Socket {
		s, err := c.NewSocket(typ)
		if err != nil {
			t.Fatalf("NewSocket: %v", err)
		}
		s.SetRcvTimeout(5 * time.Second)
		s.SetLinger(0)
		return s
	}
	a, b = mk(xroads.PAIR), mk(xroads.PAIR)
	addr := "inproc://" + t.Name()
	if err := a.Bind(addr); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := b.Connect(addr); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c, a, b, func() {
		a.Close()
		b.Close()
		if err := c.Term(); err != nil {
			t.Errorf("Term: %v", err)
		}
	}
}

func TestSendRecv(t *testing.T) {
	defer leaktest.Check(t)()
	_, a, b, done := pair(t)
	defer done()

	check := func(t *testing.T, v any, want string) {
		t.Helper()
		if err := codec.Send(a, v, 0); err != nil {
			t.Fatalf("Send %T: %v", v, err)
		}
		got, err := codec.Recv[string](b, 0)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if got != want {
			t.Errorf("Recv: got %q, want %q", got, want)
		}
	}

	str := "pointer"
	var nilStr *string
	check(t, "string", "string")
	check(t, []byte("bytes"), "bytes")
	check(t, &str, "pointer")
	check(t, nilStr, "")
	check(t, tvText("text"), "text")
	check(t, tvBinary("binary"), "binary")
	check(t, number(25), "25")

	t.Run("Decode", func(t *testing.T) {
		codec.Send(a, "alpha", 0)
		if got, err := codec.Recv[tvText](b, 0); err != nil || got != "alpha" {
			t.Errorf("Recv text: got (%q, %v), want alpha", got, err)
		}
		codec.Send(a, "bravo", 0)
		if got, err := codec.Recv[tvBinary](b, 0); err != nil || got != "bravo" {
			t.Errorf("Recv binary: got (%q, %v), want bravo", got, err)
		}
		codec.Send(a, "charlie", 0)
		if got, err := codec.Recv[[]byte](b, 0); err != nil || string(got) != "charlie" {
			t.Errorf("Recv bytes: got (%q, %v), want charlie", got, err)
		}
		codec.Send(a, "x", 0)
		if _, err := codec.Recv[number](b, 0); !errors.Is(err, strconv.ErrSyntax) {
			t.Errorf("Recv number: got %v, want %v", err, strconv.ErrSyntax)
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		if err := codec.Send(a, 3.5, 0); !errors.Is(err, xroads.ErrInvalid) {
			t.Errorf("Send float: got %v, want %v", err, xroads.ErrInvalid)
		}
		codec.Send(a, "x", 0)
		if _, err := codec.Recv[int](b, 0); !errors.Is(err, xroads.ErrInvalid) {
			t.Errorf("Recv int: got %v, want %v", err, xroads.ErrInvalid)
		}
	})
}

func TestCallReply(t *testing.T) {
	defer leaktest.Check(t)()

	c, err := xroads.NewContext(&xroads.ContextOptions{IOThreads: -1})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	req, _ := c.NewSocket(xroads.REQ)
	rep, _ := c.NewSocket(xroads.REP)
	for _, s := range []*xroads.Socket{req, rep} {
		s.SetRcvTimeout(5 * time.Second)
		s.SetLinger(0)
	}
	if err := rep.Bind("inproc://codec.rep"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := req.Connect("inproc://codec.rep"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	errNegative := errors.New("negative input")
	double := func(n number) (number, error) {
		if n < 0 {
			return 0, errNegative
		}
		return 2 * n, nil
	}
	srv := taskgroup.Go(func() error {
		if err := codec.Reply(rep, double); err != nil {
			return err
		}
		if err := codec.Reply(rep, double); !errors.Is(err, errNegative) {
			t.Errorf("Reply: got %v, want %v", err, errNegative)
		}
		return nil
	})

	if got, err := codec.Call[number, number](req, 21); err != nil || got != 42 {
		t.Errorf("Call(21): got (%v, %v), want 42", got, err)
	}
	if got, err := codec.Call[number, string](req, -1); err != nil || got != errNegative.Error() {
		t.Errorf("Call(-1): got (%q, %v), want %q", got, err, errNegative)
	}
	if err := srv.Wait(); err != nil {
		t.Errorf("Server: %v", err)
	}

	req.Close()
	rep.Close()
	if err := c.Term(); err != nil {
		t.Errorf("Term: %v", err)
	}
}

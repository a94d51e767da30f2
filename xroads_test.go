// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads_test

import (
	"errors"
	"expvar"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/xroads"
	"github.com/creachadair/xroads/wire"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

const testTimeout = 5 * time.Second

func newContext(t *testing.T, opts *xroads.ContextOptions) *xroads.Context {
	t.Helper()
	c, err := xroads.NewContext(opts)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	return c
}

func term(t *testing.T, c *xroads.Context) {
	t.Helper()
	if err := c.Term(); err != nil {
		t.Errorf("Term: %v", err)
	}
}

// newSocket creates a socket whose blocking operations give up after
// testTimeout, and which discards pending messages when closed.
func newSocket(t *testing.T, c *xroads.Context, typ xroads.SocketType) *xroads.Socket {
	t.Helper()
	s, err := c.NewSocket(typ)
	if err != nil {
		t.Fatalf("NewSocket %v: %v", typ, err)
	}
	for _, err := range []error{
		s.SetRcvTimeout(testTimeout),
		s.SetSndTimeout(testTimeout),
		s.SetLinger(0),
	} {
		if err != nil {
			t.Fatalf("Set option: %v", err)
		}
	}
	return s
}

func bind(t *testing.T, s *xroads.Socket, addr string) string {
	t.Helper()
	if err := s.Bind(addr); err != nil {
		t.Fatalf("Bind %q: %v", addr, err)
	}
	return s.LastEndpoint()
}

func connect(t *testing.T, s *xroads.Socket, addr string) {
	t.Helper()
	if err := s.Connect(addr); err != nil {
		t.Fatalf("Connect %q: %v", addr, err)
	}
}

func sendMessage(t *testing.T, s *xroads.Socket, parts ...string) {
	t.Helper()
	for i, p := range parts {
		var flags xroads.Flags
		if i < len(parts)-1 {
			flags = xroads.SndMore
		}
		if err := s.Send([]byte(p), flags); err != nil {
			t.Fatalf("Send %q: %v", p, err)
		}
	}
}

func recvMessage(t *testing.T, s *xroads.Socket) []string {
	t.Helper()
	var parts []string
	for {
		data, err := s.Recv(0)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		parts = append(parts, string(data))
		if !s.RcvMore() {
			return parts
		}
	}
}

// waitFor calls f until it reports true, or fails the test after
// testTimeout.
func waitFor(t *testing.T, what string, f func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !f() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func metric(name string) int64 {
	return xroads.Metrics().Get(name).(*expvar.Int).Value()
}

// transports returns a bind address for each transport. Network addresses
// use an ephemeral port, so callers connect to the LastEndpoint of the
// bound socket.
func transports(t *testing.T) map[string]string {
	t.Helper()
	dir, err := os.MkdirTemp("", "xr")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return map[string]string{
		"inproc": "inproc://" + strings.ReplaceAll(t.Name(), "/", "."),
		"tcp":    "tcp://127.0.0.1:*",
		"ipc":    "ipc://" + filepath.Join(dir, "sock"),
	}
}

func TestContextErrors(t *testing.T) {
	defer leaktest.Check(t)()

	c := newContext(t, &xroads.ContextOptions{MaxSockets: 2})

	if _, err := c.NewSocket(xroads.SocketType(99)); !errors.Is(err, xroads.ErrInvalid) {
		t.Errorf("NewSocket(99): got %v, want %v", err, xroads.ErrInvalid)
	}

	s1 := newSocket(t, c, xroads.PAIR)
	s2 := newSocket(t, c, xroads.PAIR)
	if _, err := c.NewSocket(xroads.PAIR); !errors.Is(err, xroads.ErrTooManySockets) {
		t.Errorf("NewSocket past the limit: got %v, want %v", err, xroads.ErrTooManySockets)
	}

	bind(t, s1, "inproc://dup")
	if err := s2.Bind("inproc://dup"); !errors.Is(err, xroads.ErrAddrInUse) {
		t.Errorf("Bind in-use address: got %v, want %v", err, xroads.ErrAddrInUse)
	}
	if err := s2.Connect("inproc://nobody"); !errors.Is(err, xroads.ErrConnRefused) {
		t.Errorf("Connect unbound address: got %v, want %v", err, xroads.ErrConnRefused)
	}
	if err := s2.Bind("carrier-pigeon://coop"); !errors.Is(err, xroads.ErrProtocol) {
		t.Errorf("Bind unknown transport: got %v, want %v", err, xroads.ErrProtocol)
	}
	if err := s2.Connect("no-transport"); !errors.Is(err, xroads.ErrInvalid) {
		t.Errorf("Connect malformed address: got %v, want %v", err, xroads.ErrInvalid)
	}
	if err := s2.SetIdentity([]byte("\x00reserved")); !errors.Is(err, xroads.ErrInvalid) {
		t.Errorf("SetIdentity with leading zero: got %v, want %v", err, xroads.ErrInvalid)
	}
	if err := s2.SetFilter(12345); !errors.Is(err, xroads.ErrInvalid) {
		t.Errorf("SetFilter unregistered: got %v, want %v", err, xroads.ErrInvalid)
	}

	// A closed socket frees its slot, once the reaper is done with it.
	if err := s1.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := s1.Close(); !errors.Is(err, xroads.ErrClosed) {
		t.Errorf("Close again: got %v, want %v", err, xroads.ErrClosed)
	}
	if err := s1.Send([]byte("x"), 0); !errors.Is(err, xroads.ErrClosed) {
		t.Errorf("Send after Close: got %v, want %v", err, xroads.ErrClosed)
	}
	var s3 *xroads.Socket
	waitFor(t, "a free socket slot", func() bool {
		s, err := c.NewSocket(xroads.PAIR)
		s3 = s
		return err == nil
	})
	s2.Close()
	s3.Close()

	term(t, c)
	if _, err := c.NewSocket(xroads.PAIR); !errors.Is(err, xroads.ErrClosed) {
		t.Errorf("NewSocket after Term: got %v, want %v", err, xroads.ErrClosed)
	}
	if err := c.Term(); !errors.Is(err, xroads.ErrClosed) {
		t.Errorf("Term again: got %v, want %v", err, xroads.ErrClosed)
	}
}

func TestNoIOThreads(t *testing.T) {
	defer leaktest.Check(t)()

	c := newContext(t, &xroads.ContextOptions{IOThreads: -1})
	defer term(t, c)
	s := newSocket(t, c, xroads.PULL)
	defer s.Close()

	if err := s.Bind("tcp://127.0.0.1:*"); !errors.Is(err, xroads.ErrNoIOThread) {
		t.Errorf("Bind tcp: got %v, want %v", err, xroads.ErrNoIOThread)
	}
	if err := s.Connect("tcp://127.0.0.1:5555"); !errors.Is(err, xroads.ErrNoIOThread) {
		t.Errorf("Connect tcp: got %v, want %v", err, xroads.ErrNoIOThread)
	}

	// In-process endpoints do not need an I/O thread.
	bind(t, s, "inproc://local")
}

func TestTermUnblocksRecv(t *testing.T) {
	defer leaktest.Check(t)()

	c := newContext(t, nil)
	s := newSocket(t, c, xroads.PULL)
	if err := s.SetRcvTimeout(-1); err != nil {
		t.Fatalf("SetRcvTimeout: %v", err)
	}

	g := taskgroup.New(nil)
	g.Go(func() error {
		defer s.Close()
		if _, err := s.Recv(0); !errors.Is(err, xroads.ErrTerminated) {
			return fmt.Errorf("Recv: got %v, want %v", err, xroads.ErrTerminated)
		}
		return nil
	})
	term(t, c)
	if err := g.Wait(); err != nil {
		t.Error(err)
	}
}

func TestPushPullHWM(t *testing.T) {
	defer leaktest.Check(t)()

	c := newContext(t, nil)
	defer term(t, c)
	pull := newSocket(t, c, xroads.PULL)
	defer pull.Close()
	push := newSocket(t, c, xroads.PUSH)
	defer push.Close()

	pull.SetRcvHWM(2)
	push.SetSndHWM(2)
	bind(t, pull, "inproc://hwm")
	connect(t, push, "inproc://hwm")

	var msgs []string
	for i := 1; i <= 10; i++ {
		msgs = append(msgs, fmt.Sprintf("m%d", i))
	}

	// The buffers of both sides together hold four messages.
	var sent int
	for sent < len(msgs) {
		if err := push.Send([]byte(msgs[sent]), xroads.DontWait); errors.Is(err, xroads.ErrAgain) {
			break
		} else if err != nil {
			t.Fatalf("Send %q: %v", msgs[sent], err)
		}
		sent++
	}
	if sent != 4 {
		t.Errorf("Sent %d messages before blocking, want 4", sent)
	}

	// Reading frees space for the rest.
	var got []string
	for len(got) < len(msgs) {
		got = append(got, recvMessage(t, pull)...)
		for sent < len(msgs) {
			if err := push.Send([]byte(msgs[sent]), xroads.DontWait); errors.Is(err, xroads.ErrAgain) {
				break
			} else if err != nil {
				t.Fatalf("Send %q: %v", msgs[sent], err)
			}
			sent++
		}
	}
	if diff := cmp.Diff(got, msgs); diff != "" {
		t.Errorf("Received (-got, +want):\n%s", diff)
	}
}

func TestPushPull(t *testing.T) {
	defer leaktest.Check(t)()

	for name, addr := range transports(t) {
		t.Run(name, func(t *testing.T) {
			c := newContext(t, nil)
			defer term(t, c)
			pull := newSocket(t, c, xroads.PULL)
			defer pull.Close()
			push := newSocket(t, c, xroads.PUSH)
			defer push.Close()

			connect(t, push, bind(t, pull, addr))

			want := [][]string{{"one"}, {"two", "parts"}, {"", "empty", ""}, {strings.Repeat("x", 10000)}}
			for _, msg := range want {
				sendMessage(t, push, msg...)
			}
			var got [][]string
			for range want {
				got = append(got, recvMessage(t, pull))
			}
			if diff := cmp.Diff(got, want); diff != "" {
				t.Errorf("Received (-got, +want):\n%s", diff)
			}
		})
	}
}

func TestSendTooLarge(t *testing.T) {
	defer leaktest.Check(t)()

	c := newContext(t, nil)
	defer term(t, c)
	pull := newSocket(t, c, xroads.PULL)
	defer pull.Close()
	push := newSocket(t, c, xroads.PUSH)
	defer push.Close()

	connect(t, push, bind(t, pull, "tcp://127.0.0.1:*"))

	m := xroads.NewMsgData(make([]byte, wire.MaxVint30+1), nil)
	if err := push.SendMsg(&m, 0); !errors.Is(err, xroads.ErrInvalid) {
		t.Errorf("SendMsg oversized part: got %v, want %v", err, xroads.ErrInvalid)
	}
	m.Close()

	// The connection is unaffected.
	sendMessage(t, push, "small")
	if got := recvMessage(t, pull); got[0] != "small" {
		t.Errorf("Received %q, want small", got)
	}
}

func TestPushLoadBalance(t *testing.T) {
	defer leaktest.Check(t)()

	c := newContext(t, nil)
	defer term(t, c)
	push := newSocket(t, c, xroads.PUSH)
	defer push.Close()
	bind(t, push, "inproc://lb")

	var pulls []*xroads.Socket
	for range 3 {
		p := newSocket(t, c, xroads.PULL)
		defer p.Close()
		connect(t, p, "inproc://lb")
		pulls = append(pulls, p)
	}
	for i := range 6 {
		sendMessage(t, push, fmt.Sprint(i))
	}

	// Each peer gets its fair share.
	for i, p := range pulls {
		a, b := recvMessage(t, p), recvMessage(t, p)
		if a[0] == b[0] {
			t.Errorf("Peer %d got %q twice", i, a[0])
		}
		if _, err := p.Recv(xroads.DontWait); !errors.Is(err, xroads.ErrAgain) {
			t.Errorf("Peer %d: extra message (err=%v)", i, err)
		}
	}
}

func TestPubSub(t *testing.T) {
	defer leaktest.Check(t)()

	c := newContext(t, nil)
	defer term(t, c)
	pub := newSocket(t, c, xroads.PUB)
	defer pub.Close()
	news := newSocket(t, c, xroads.SUB)
	defer news.Close()
	all := newSocket(t, c, xroads.SUB)
	defer all.Close()

	bind(t, pub, "inproc://pubsub")
	connect(t, news, "inproc://pubsub")
	connect(t, all, "inproc://pubsub")
	if err := news.Subscribe([]byte("a.")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := all.Subscribe(nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	sendMessage(t, pub, "a.1")
	sendMessage(t, pub, "b.1")
	sendMessage(t, pub, "a.2", "tail")

	for _, tc := range []struct {
		s    *xroads.Socket
		want [][]string
	}{
		{news, [][]string{{"a.1"}, {"a.2", "tail"}}},
		{all, [][]string{{"a.1"}, {"b.1"}, {"a.2", "tail"}}},
	} {
		var got [][]string
		for range tc.want {
			got = append(got, recvMessage(t, tc.s))
		}
		if diff := cmp.Diff(got, tc.want); diff != "" {
			t.Errorf("Received (-got, +want):\n%s", diff)
		}
	}

	if _, err := pub.Recv(xroads.DontWait); !errors.Is(err, xroads.ErrNotSupported) {
		t.Errorf("PUB Recv: got %v, want %v", err, xroads.ErrNotSupported)
	}
	if err := news.Send([]byte("x"), 0); !errors.Is(err, xroads.ErrNotSupported) {
		t.Errorf("SUB Send: got %v, want %v", err, xroads.ErrNotSupported)
	}
	if err := pub.Subscribe([]byte("x")); !errors.Is(err, xroads.ErrNotSupported) {
		t.Errorf("PUB Subscribe: got %v, want %v", err, xroads.ErrNotSupported)
	}
}

func TestXPubSubscriptions(t *testing.T) {
	defer leaktest.Check(t)()

	c := newContext(t, nil)
	defer term(t, c)
	xpub := newSocket(t, c, xroads.XPUB)
	defer xpub.Close()
	sub1 := newSocket(t, c, xroads.SUB)
	defer sub1.Close()
	sub2 := newSocket(t, c, xroads.SUB)

	bind(t, xpub, "inproc://xpub")
	for _, s := range []*xroads.Socket{sub1, sub2} {
		connect(t, s, "inproc://xpub")
		if err := s.Subscribe([]byte("news")); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}

	checkSub := func(cmd uint16) {
		t.Helper()
		data, err := xpub.Recv(0)
		if err != nil {
			t.Fatalf("XPUB Recv: %v", err)
		}
		got, err := wire.ParseSubscription(data)
		if err != nil {
			t.Fatalf("ParseSubscription: %v", err)
		}
		want := wire.Subscription{Command: cmd, Filter: xroads.PrefixFilter, Topic: []byte("news")}
		if diff := cmp.Diff(got, want); diff != "" {
			t.Errorf("Subscription (-got, +want):\n%s", diff)
		}
	}

	// Only the first subscription to a topic is passed on.
	checkSub(wire.Subscribe)
	if _, err := xpub.Recv(xroads.DontWait); !errors.Is(err, xroads.ErrAgain) {
		t.Errorf("Duplicate subscription: got %v, want %v", err, xroads.ErrAgain)
	}

	// When the last subscriber goes, the topic is unsubscribed.
	if err := sub1.Unsubscribe([]byte("news")); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	sub2.Close()
	checkSub(wire.Unsubscribe)
}

func TestXSubForwarding(t *testing.T) {
	defer leaktest.Check(t)()

	c := newContext(t, nil)
	defer term(t, c)
	pub := newSocket(t, c, xroads.PUB)
	defer pub.Close()
	xsub := newSocket(t, c, xroads.XSUB)
	defer xsub.Close()

	bind(t, pub, "inproc://xsub")
	connect(t, xsub, "inproc://xsub")

	if err := xsub.Send([]byte("not a subscription"), 0); !errors.Is(err, xroads.ErrInvalid) {
		t.Errorf("Send malformed subscription: got %v, want %v", err, xroads.ErrInvalid)
	}
	sub := wire.Subscription{Command: wire.Subscribe, Filter: xroads.PrefixFilter, Topic: []byte("k")}
	if err := xsub.Send(sub.Encode(), 0); err != nil {
		t.Fatalf("Send subscription: %v", err)
	}

	sendMessage(t, pub, "j")
	sendMessage(t, pub, "k1")
	if got := recvMessage(t, xsub); got[0] != "k1" {
		t.Errorf("Received %q, want k1", got)
	}
}

func TestCustomFilter(t *testing.T) {
	defer leaktest.Check(t)()
	registerExactFilter(t)

	c := newContext(t, nil)
	defer term(t, c)
	pub := newSocket(t, c, xroads.PUB)
	defer pub.Close()
	sub := newSocket(t, c, xroads.SUB)
	defer sub.Close()

	bind(t, pub, "inproc://exact")
	connect(t, sub, "inproc://exact")
	if err := sub.SetFilter(exactFilterID); err != nil {
		t.Fatalf("SetFilter: %v", err)
	}
	if err := sub.Subscribe([]byte("abc")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	sendMessage(t, pub, "abcd")
	sendMessage(t, pub, "abc")
	if got := recvMessage(t, sub); got[0] != "abc" {
		t.Errorf("Received %q, want abc", got)
	}
	if _, err := sub.Recv(xroads.DontWait); !errors.Is(err, xroads.ErrAgain) {
		t.Errorf("Extra message: got %v, want %v", err, xroads.ErrAgain)
	}
}

func TestRegisterFilter(t *testing.T) {
	registerExactFilter(t)
	tests := []struct {
		name string
		f    xroads.Filter
	}{
		{"ZeroID", exactFilter{id: 0}},
		{"Prefix", exactFilter{id: xroads.PrefixFilter}},
		{"Duplicate", exactFilter{id: exactFilterID}},
	}
	for _, tc := range tests {
		if err := xroads.RegisterFilter(tc.f); !errors.Is(err, xroads.ErrInvalid) {
			t.Errorf("RegisterFilter %s: got %v, want %v", tc.name, err, xroads.ErrInvalid)
		}
	}
}

func TestReqRep(t *testing.T) {
	defer leaktest.Check(t)()

	for name, addr := range transports(t) {
		t.Run(name, func(t *testing.T) {
			c := newContext(t, nil)
			defer term(t, c)
			rep := newSocket(t, c, xroads.REP)
			defer rep.Close()
			req := newSocket(t, c, xroads.REQ)
			defer req.Close()

			connect(t, req, bind(t, rep, addr))

			if _, err := req.Recv(xroads.DontWait); !errors.Is(err, xroads.ErrFSM) {
				t.Errorf("REQ Recv before Send: got %v, want %v", err, xroads.ErrFSM)
			}
			if err := rep.Send([]byte("x"), 0); !errors.Is(err, xroads.ErrFSM) {
				t.Errorf("REP Send before Recv: got %v, want %v", err, xroads.ErrFSM)
			}

			for i := range 3 {
				q := fmt.Sprintf("question %d", i)
				sendMessage(t, req, q, "more")
				if diff := cmp.Diff(recvMessage(t, rep), []string{q, "more"}); diff != "" {
					t.Errorf("Request (-got, +want):\n%s", diff)
				}
				a := fmt.Sprintf("answer %d", i)
				sendMessage(t, rep, a)
				if diff := cmp.Diff(recvMessage(t, req), []string{a}); diff != "" {
					t.Errorf("Reply (-got, +want):\n%s", diff)
				}
			}
		})
	}
}

func TestXReqXRep(t *testing.T) {
	defer leaktest.Check(t)()

	c := newContext(t, nil)
	defer term(t, c)
	router := newSocket(t, c, xroads.XREP)
	defer router.Close()
	bind(t, router, "inproc://router")

	peers := make(map[string]*xroads.Socket)
	for _, id := range []string{"A", "B"} {
		s := newSocket(t, c, xroads.XREQ)
		defer s.Close()
		if err := s.SetIdentity([]byte(id)); err != nil {
			t.Fatalf("SetIdentity: %v", err)
		}
		connect(t, s, "inproc://router")
		sendMessage(t, s, "from "+id)
		peers[id] = s
	}

	got := make(map[string]string)
	for range peers {
		msg := recvMessage(t, router)
		if len(msg) != 2 {
			t.Fatalf("Router got %q, want identity and body", msg)
		}
		got[msg[0]] = msg[1]
	}
	if diff := cmp.Diff(got, map[string]string{"A": "from A", "B": "from B"}); diff != "" {
		t.Errorf("Routed requests (-got, +want):\n%s", diff)
	}

	// Messages for an unknown peer are dropped without complaint.
	sendMessage(t, router, "C", "lost")
	for id := range peers {
		sendMessage(t, router, id, "to "+id)
	}
	for id, s := range peers {
		if diff := cmp.Diff(recvMessage(t, s), []string{"to " + id}); diff != "" {
			t.Errorf("Reply to %s (-got, +want):\n%s", id, diff)
		}
	}
}

func TestPair(t *testing.T) {
	defer leaktest.Check(t)()

	c := newContext(t, nil)
	defer term(t, c)
	a := newSocket(t, c, xroads.PAIR)
	defer a.Close()
	b := newSocket(t, c, xroads.PAIR)
	defer b.Close()

	connect(t, b, bind(t, a, "tcp://127.0.0.1:*"))
	sendMessage(t, a, "ping")
	if diff := cmp.Diff(recvMessage(t, b), []string{"ping"}); diff != "" {
		t.Errorf("b received (-got, +want):\n%s", diff)
	}
	sendMessage(t, b, "pong", "!")
	if diff := cmp.Diff(recvMessage(t, a), []string{"pong", "!"}); diff != "" {
		t.Errorf("a received (-got, +want):\n%s", diff)
	}
}

func TestEvents(t *testing.T) {
	defer leaktest.Check(t)()

	c := newContext(t, nil)
	defer term(t, c)
	push := newSocket(t, c, xroads.PUSH)
	defer push.Close()
	pull := newSocket(t, c, xroads.PULL)
	defer pull.Close()

	check := func(s *xroads.Socket, want xroads.Events) {
		t.Helper()
		ev, err := s.Events()
		if err != nil {
			t.Fatalf("Events: %v", err)
		}
		if ev != want {
			t.Errorf("Events: got %v, want %v", ev, want)
		}
	}

	check(push, 0) // no peers to send to
	bind(t, pull, "inproc://events")
	connect(t, push, "inproc://events")
	check(push, xroads.PollOut)
	check(pull, 0)

	sendMessage(t, push, "hello")
	check(pull, xroads.PollIn)
}

func TestTimeouts(t *testing.T) {
	defer leaktest.Check(t)()

	c := newContext(t, nil)
	defer term(t, c)
	pull := newSocket(t, c, xroads.PULL)
	defer pull.Close()
	push := newSocket(t, c, xroads.PUSH)
	defer push.Close()

	pull.SetRcvTimeout(20 * time.Millisecond)
	start := time.Now()
	if _, err := pull.Recv(0); !errors.Is(err, xroads.ErrAgain) {
		t.Errorf("Recv with timeout: got %v, want %v", err, xroads.ErrAgain)
	}
	if d := time.Since(start); d < 20*time.Millisecond {
		t.Errorf("Recv returned after %v, before the timeout", d)
	}

	// A PUSH socket with no peers cannot send.
	push.SetSndTimeout(20 * time.Millisecond)
	if err := push.Send([]byte("x"), 0); !errors.Is(err, xroads.ErrAgain) {
		t.Errorf("Send with timeout: got %v, want %v", err, xroads.ErrAgain)
	}
}

func TestLinger(t *testing.T) {
	defer leaktest.Check(t)()

	for _, linger := range []time.Duration{0, 100 * time.Millisecond} {
		t.Run(fmt.Sprint(linger), func(t *testing.T) {
			c := newContext(t, nil)
			push := newSocket(t, c, xroads.PUSH)
			push.SetLinger(linger)

			// Nobody is listening, so the message can never be delivered.
			connect(t, push, "tcp://127.0.0.1:1")
			sendMessage(t, push, "undeliverable")
			push.Close()

			start := time.Now()
			term(t, c)
			if d := time.Since(start); d > testTimeout {
				t.Errorf("Term took %v with linger %v", d, linger)
			}
		})
	}
}

func TestReconnect(t *testing.T) {
	defer leaktest.Check(t)()

	c := newContext(t, nil)
	defer term(t, c)
	sub := newSocket(t, c, xroads.SUB)
	defer sub.Close()
	sub.SetReconnectIvl(10 * time.Millisecond)

	pub := newSocket(t, c, xroads.PUB)
	addr := bind(t, pub, "tcp://127.0.0.1:*")
	connect(t, sub, addr)
	if err := sub.Subscribe([]byte("t")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Publish until the subscription has reached the publisher.
	deliver := func(pub *xroads.Socket, msg string) {
		t.Helper()
		waitFor(t, "delivery of "+msg, func() bool {
			sendMessage(t, pub, msg)
			data, err := sub.Recv(xroads.DontWait)
			return err == nil && string(data) == msg
		})
	}
	deliver(pub, "t.1")

	// Replace the publisher. The subscriber reconnects and subscribes again.
	pub.Close()
	pub = newSocket(t, c, xroads.PUB)
	defer pub.Close()
	waitFor(t, "rebind of "+addr, func() bool { return pub.Bind(addr) == nil })
	deliver(pub, "t.2")
}

func TestPublisherReconnect(t *testing.T) {
	defer leaktest.Check(t)()

	c := newContext(t, nil)
	defer term(t, c)
	pub := newSocket(t, c, xroads.PUB)
	defer pub.Close()
	pub.SetReconnectIvl(10 * time.Millisecond)

	subscribe := func(s *xroads.Socket, topic string) {
		t.Helper()
		sub := wire.Subscription{Command: wire.Subscribe, Filter: xroads.PrefixFilter, Topic: []byte(topic)}
		if err := s.Send(sub.Encode(), 0); err != nil {
			t.Fatalf("Subscribe %q: %v", topic, err)
		}
	}

	sub1 := newSocket(t, c, xroads.XSUB)
	addr := bind(t, sub1, "tcp://127.0.0.1:*")
	subscribe(sub1, "a")
	connect(t, pub, addr)
	waitFor(t, "delivery of a-1", func() bool {
		sendMessage(t, pub, "a-1")
		data, err := sub1.Recv(xroads.DontWait)
		return err == nil && string(data) == "a-1"
	})

	// A new subscriber takes over the address with different interests.
	// The publisher must not carry the old subscriptions over to it.
	sub1.Close()
	sub2 := newSocket(t, c, xroads.XSUB)
	defer sub2.Close()
	waitFor(t, "rebind of "+addr, func() bool { return sub2.Bind(addr) == nil })
	subscribe(sub2, "b")

	waitFor(t, "delivery of b-2", func() bool {
		sendMessage(t, pub, "a-2")
		sendMessage(t, pub, "b-2")
		for {
			data, err := sub2.Recv(xroads.DontWait)
			if err != nil {
				return false
			}
			if strings.HasPrefix(string(data), "a") {
				t.Fatalf("Received %q without subscribing to it", data)
			}
			if string(data) == "b-2" {
				return true
			}
		}
	})
}

func TestHandshakeMismatch(t *testing.T) {
	defer leaktest.Check(t)()

	c := newContext(t, nil)
	defer term(t, c)
	pull := newSocket(t, c, xroads.PULL)
	defer pull.Close()
	pub := newSocket(t, c, xroads.PUB)
	defer pub.Close()

	before := metric("handshakes_failed")
	connect(t, pub, bind(t, pull, "tcp://127.0.0.1:*"))
	waitFor(t, "a failed handshake", func() bool { return metric("handshakes_failed") > before })
}

func TestMessageLog(t *testing.T) {
	defer leaktest.Check(t)()

	c := newContext(t, nil)
	defer term(t, c)
	pull := newSocket(t, c, xroads.PULL)
	defer pull.Close()
	push := newSocket(t, c, xroads.PUSH)
	defer push.Close()

	var events []string
	logf := func(e xroads.MessageEvent) { events = append(events, fmt.Sprintf("%v %q", e, e.Data)) }
	push.LogMessages(logf)
	pull.LogMessages(logf)

	connect(t, push, bind(t, pull, "inproc://log"))
	sendMessage(t, push, "a", "bc")
	recvMessage(t, pull)

	want := []string{
		`send 1 bytes (more=true) "a"`,
		`send 2 bytes (more=false) "bc"`,
		`recv 1 bytes (more=true) "a"`,
		`recv 2 bytes (more=false) "bc"`,
	}
	if diff := cmp.Diff(events, want); diff != "" {
		t.Errorf("Message log (-got, +want):\n%s", diff)
	}
}

func TestMonitor(t *testing.T) {
	defer leaktest.Check(t)()

	c := newContext(t, &xroads.ContextOptions{MonitorInterval: 20 * time.Millisecond})
	defer term(t, c)

	c.Log("hello from the test")
	var snap string
	waitFor(t, "a monitor snapshot", func() bool {
		snap = c.Snapshot()
		return strings.Contains(snap, "hello from the test")
	})
	for _, want := range []string{"sockets_open=", "messages_sent=", "commands_sent="} {
		if !strings.Contains(snap, want) {
			t.Errorf("Snapshot is missing %q:\n%s", want, snap)
		}
	}
}

func TestOptions(t *testing.T) {
	defer leaktest.Check(t)()

	c := newContext(t, nil)
	defer term(t, c)
	s, err := c.NewSocket(xroads.XSUB)
	if err != nil {
		t.Fatalf("NewSocket: %v", err)
	}
	defer s.Close()

	// XSUB has its own defaults for these.
	got := s.Options()
	if got.Linger != 0 || got.SndHWM != 0 {
		t.Errorf("XSUB defaults: linger=%v sndhwm=%d, want 0 and 0", got.Linger, got.SndHWM)
	}

	s.SetRcvHWM(7)
	s.SetIdentity([]byte("me"))
	s.SetReconnectIvlMax(time.Second)
	got = s.Options()
	if got.RcvHWM != 7 || string(got.Identity) != "me" || got.ReconnectIvlMax != time.Second {
		t.Errorf("Options after set: got %+v", got)
	}
	if got.Type != xroads.XSUB {
		t.Errorf("Type: got %v, want %v", got.Type, xroads.XSUB)
	}
}

const exactFilterID = 77

// exactFilter matches messages equal to a subscribed topic.
type exactFilter struct{ id uint16 }

func (f exactFilter) ID() uint16 { return f.id }
func (exactFilter) NewSet() xroads.FilterSet { return make(exactSet) }

type exactSet map[string]map[any]int

func (s exactSet) Subscribe(sub any, topic []byte) bool {
	subs, ok := s[string(topic)]
	if !ok {
		subs = make(map[any]int)
		s[string(topic)] = subs
	}
	subs[sub]++
	return !ok
}

func (s exactSet) Unsubscribe(sub any, topic []byte) bool {
	subs, ok := s[string(topic)]
	if !ok || subs[sub] == 0 {
		return false
	}
	if subs[sub]--; subs[sub] == 0 {
		delete(subs, sub)
	}
	if len(subs) == 0 {
		delete(s, string(topic))
		return true
	}
	return false
}

func (s exactSet) UnsubscribeAll(sub any, f func([]byte)) {
	for topic, subs := range s {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(s, topic)
			f([]byte(topic))
		}
	}
}

func (s exactSet) Each(f func([]byte)) {
	for topic := range s {
		f([]byte(topic))
	}
}

func (s exactSet) Match(data []byte) bool {
	_, ok := s[string(data)]
	return ok
}

func (s exactSet) MatchAll(data []byte, f func(any)) {
	for sub := range s[string(data)] {
		f(sub)
	}
}

func registerExactFilter(t *testing.T) {
	t.Helper()
	err := xroads.RegisterFilter(exactFilter{id: exactFilterID})
	if err != nil && !errors.Is(err, xroads.ErrInvalid) {
		t.Fatalf("RegisterFilter: %v", err)
	}
}

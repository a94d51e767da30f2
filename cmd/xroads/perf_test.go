// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"strings"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/xroads"
	"github.com/fortytw2/leaktest"
)

func newContext(t *testing.T) *xroads.Context {
	t.Helper()
	c, err := xroads.NewContext(nil)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	return c
}

func TestInproc(t *testing.T) {
	defer leaktest.Check(t)()
	c := newContext(t)

	thr, err := inprocThr(c, 32, 2000)
	if err != nil {
		t.Fatalf("inprocThr: %v", err)
	}
	if thr.Count != 2000 || thr.Size != 32 {
		t.Errorf("inprocThr: got %+v, want 2000 messages of 32 bytes", thr)
	}

	lat, err := inprocLat(c, 8, 100)
	if err != nil {
		t.Fatalf("inprocLat: %v", err)
	}
	if lat.Count != 100 || lat.latency() <= 0 {
		t.Errorf("inprocLat: got %+v", lat)
	}

	if err := c.Term(); err != nil {
		t.Errorf("Term: %v", err)
	}
}

func TestTCP(t *testing.T) {
	defer leaktest.Check(t)()
	c := newContext(t)

	// Bind first so that the remote side has a port to connect to.
	pull, err := newSocket(c, xroads.PULL, "tcp://127.0.0.1:*", "")
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	addr := pull.LastEndpoint()
	g := taskgroup.Go(func() error { return remoteThr(c, addr, 100, 500) })
	r, err := receiveAll(pull, 100, 500)
	if err != nil {
		t.Errorf("receiveAll: %v", err)
	} else if r.Count != 500 {
		t.Errorf("receiveAll: got %d messages, want 500", r.Count)
	}
	if err := g.Wait(); err != nil {
		t.Errorf("remoteThr: %v", err)
	}
	pull.Close()

	rep, err := newSocket(c, xroads.REP, "tcp://127.0.0.1:*", "")
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	addr = rep.LastEndpoint()
	g = taskgroup.Go(func() error {
		defer rep.Close()
		return echo(rep, 10, 20)
	})
	if _, err := remoteLat(c, addr, 10, 20); err != nil {
		t.Errorf("remoteLat: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Errorf("echo: %v", err)
	}

	if err := c.Term(); err != nil {
		t.Errorf("Term: %v", err)
	}
}

func TestReport(t *testing.T) {
	r := result{Size: 100, Count: 1000, Elapsed: time.Second}

	var sb strings.Builder
	r.writeThroughput(&sb)
	if got, want := sb.String(), "mean throughput: 1000 [msg/s]\nmean throughput: 0.800 [Mb/s]\n"; !strings.HasSuffix(got, want) {
		t.Errorf("Throughput report:\n%s\nwant suffix:\n%s", got, want)
	}

	sb.Reset()
	r.writeLatency(&sb)
	if got, want := sb.String(), "average latency: 500.000 [us]\n"; !strings.HasSuffix(got, want) {
		t.Errorf("Latency report:\n%s\nwant suffix:\n%s", got, want)
	}
}

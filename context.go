// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/xroads/internal/poller"
	"github.com/rs/zerolog"
)

const (
	tagLive = 0xbadcafe0
	tagDead = 0xdeadbeef
)

// Fixed thread IDs. I/O threads follow the reaper, and socket slots follow
// the I/O threads.
const (
	termTID   = 0 // the mailbox Term waits on
	reaperTID = 1
)

// ContextOptions are settings for a Context. A nil *ContextOptions is ready
// for use and provides default values as described.
type ContextOptions struct {
	// The number of I/O threads serving network connections. If zero, one
	// thread is started. If negative, no I/O threads are started, and only
	// in-process endpoints can be used.
	IOThreads int

	// The maximum number of sockets open at once. If zero, the default is
	// 512.
	MaxSockets int

	// If set, events are logged here. By default, nothing is logged.
	Logger *zerolog.Logger

	// The readiness API used by the I/O threads, "epoll" or "poll". If
	// empty, the preferred API for the platform is used.
	Poller string

	// If positive, a monitor logs a snapshot of the metrics at about this
	// interval.
	MonitorInterval time.Duration
}

func (o *ContextOptions) ioThreads() int {
	if o == nil || o.IOThreads == 0 {
		return 1
	}
	return max(o.IOThreads, 0)
}

func (o *ContextOptions) maxSockets() int {
	if o == nil || o.MaxSockets <= 0 {
		return 512
	}
	return o.MaxSockets
}

func (o *ContextOptions) logger() zerolog.Logger {
	if o == nil || o.Logger == nil {
		return zerolog.Nop()
	}
	return *o.Logger
}

func (o *ContextOptions) pollerKind() poller.Kind {
	if o == nil {
		return poller.Default
	}
	return poller.Kind(o.Poller)
}

func (o *ContextOptions) monitorInterval() time.Duration {
	if o == nil {
		return 0
	}
	return o.MonitorInterval
}

// A Context is the container for a set of sockets, and the threads that
// serve them. Sockets in the same context can talk to each other over
// in-process endpoints.
//
// Create a Context with NewContext. Call Term to shut it down once all its
// sockets are closed or being closed.
type Context struct {
	tag  atomic.Uint32
	root zerolog.Logger // parent of component loggers
	log  zerolog.Logger

	// μ protects the fields below.
	μ           sync.Mutex
	sockets     []*Socket
	emptySlots  []int
	terminating bool

	// Mailbox slots, indexed by thread ID.
	slots []atomic.Pointer[mailbox]

	termMailbox *mailbox
	reaper      *reaper
	ioThreads   []*ioThread
	monitor     *monitor

	epμ       sync.Mutex
	endpoints map[string]endpoint

	logμ    sync.Mutex
	logText []string
}

// An endpoint is an in-process address bound by a socket.
type endpoint struct {
	socket  *Socket
	options options
}

// nextSocketID is the source of process-unique socket IDs.
var nextSocketID atomic.Uint32

// NewContext constructs a new Context and starts its threads.
func NewContext(opts *ContextOptions) (*Context, error) {
	root := opts.logger()
	c := &Context{
		root:      root,
		log:       root.With().Str("component", "context").Logger(),
		endpoints: make(map[string]endpoint),
	}
	nio, nsock := opts.ioThreads(), opts.maxSockets()
	c.slots = make([]atomic.Pointer[mailbox], 2+nio+nsock)

	var err error
	c.termMailbox, err = newMailbox()
	if err != nil {
		return nil, err
	}
	c.slots[termTID].Store(c.termMailbox)

	c.reaper, err = newReaper(c, reaperTID, root)
	if err != nil {
		c.termMailbox.close()
		return nil, fmt.Errorf("start reaper: %w", err)
	}
	c.slots[reaperTID].Store(c.reaper.mailbox)
	c.reaper.start()

	for i := range nio {
		tid := 2 + i
		t, err := newIOThread(c, tid, opts.pollerKind())
		if err != nil {
			c.reaper.stop()
			c.shutdown()
			return nil, fmt.Errorf("start I/O thread %d: %w", i, err)
		}
		c.ioThreads = append(c.ioThreads, t)
		c.slots[tid].Store(t.mailbox)
		t.start()
	}

	// Free socket slots are handed out from the end of the list.
	for tid := len(c.slots) - 1; tid >= 2+nio; tid-- {
		c.emptySlots = append(c.emptySlots, tid)
	}

	if ivl := opts.monitorInterval(); ivl > 0 {
		if t := c.chooseIOThread(0); t != nil {
			c.monitor = newMonitor(c, t, ivl, root)
			c.monitor.start()
		}
	}
	c.tag.Store(tagLive)
	return c, nil
}

func (c *Context) check() error {
	if c.tag.Load() != tagLive {
		return ErrClosed
	}
	return nil
}

// NewSocket creates a new socket of the given type in c.
func (c *Context) NewSocket(typ SocketType) (*Socket, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if !typ.valid() {
		return nil, invalid("socket type", typ)
	}

	c.μ.Lock()
	defer c.μ.Unlock()
	if c.terminating {
		return nil, ErrTerminated
	}
	if len(c.emptySlots) == 0 {
		return nil, ErrTooManySockets
	}
	tid := c.emptySlots[len(c.emptySlots)-1]

	sid := nextSocketID.Add(1) & 0x7fffffff
	s, err := newSocket(c, tid, sid, typ)
	if err != nil {
		return nil, err
	}
	c.emptySlots = c.emptySlots[:len(c.emptySlots)-1]
	c.slots[tid].Store(s.mailbox)
	c.sockets = append(c.sockets, s)
	rootMetrics.socketsCreated.Add(1)
	rootMetrics.socketsOpen.Add(1)
	return s, nil
}

// destroySocket releases the slot of s once it has been reaped.
func (c *Context) destroySocket(s *Socket) {
	c.μ.Lock()
	defer c.μ.Unlock()
	tid := s.tid()
	c.emptySlots = append(c.emptySlots, tid)
	c.slots[tid].Store(nil)
	for i, t := range c.sockets {
		if t == s {
			c.sockets = append(c.sockets[:i], c.sockets[i+1:]...)
			break
		}
	}
	rootMetrics.socketsOpen.Add(-1)
	if c.terminating && len(c.sockets) == 0 {
		c.reaper.stop()
	}
}

// Term terminates c. Blocking operations on sockets of c report
// ErrTerminated, after which the sockets should be closed. Term blocks
// until every socket has been closed and its pending messages delivered
// or discarded according to its linger setting.
func (c *Context) Term() error {
	if err := c.check(); err != nil {
		return err
	}
	if c.monitor != nil {
		c.monitor.stop()
		c.waitDone()
	}

	c.μ.Lock()
	restarted := c.terminating
	c.terminating = true
	if !restarted {
		for _, s := range c.sockets {
			s.stop()
		}
		if len(c.sockets) == 0 {
			c.reaper.stop()
		}
	}
	c.μ.Unlock()

	c.waitDone()
	c.log.Info().Msg("context terminated")
	return c.shutdown()
}

func (c *Context) waitDone() {
	cmd, err := c.termMailbox.recv(-1)
	if err != nil {
		panic(fmt.Sprintf("xroads: wait for done: %v", err))
	} else if cmd.kind != cmdDone {
		panic(fmt.Sprintf("xroads: unexpected %v while terminating", cmd))
	}
}

// shutdown stops the I/O threads and releases the resources of c.
func (c *Context) shutdown() error {
	c.tag.Store(tagDead)
	for _, t := range c.ioThreads {
		t.stop()
	}
	var errs []error
	for _, t := range c.ioThreads {
		errs = append(errs, t.wait())
	}
	errs = append(errs, c.reaper.wait(), c.termMailbox.close())
	return errors.Join(errs...)
}

// sendCommand delivers cmd to the mailbox of thread tid.
func (c *Context) sendCommand(tid int, cmd command) {
	mb := c.slots[tid].Load()
	if mb == nil {
		panic(fmt.Sprintf("xroads: %v sent to empty slot %d", cmd, tid))
	}
	rootMetrics.commandsSent.Add(1)
	mb.send(cmd)
}

// chooseIOThread returns the least loaded I/O thread permitted by the
// affinity mask, or nil if there is none. A zero mask permits every thread.
func (c *Context) chooseIOThread(affinity uint64) *ioThread {
	var best *ioThread
	minLoad := -1
	for i, t := range c.ioThreads {
		if affinity != 0 && (i >= 64 || affinity&(1<<i) == 0) {
			continue
		}
		if load := t.load(); best == nil || load < minLoad {
			best, minLoad = t, load
		}
	}
	return best
}

func (c *Context) registerEndpoint(addr string, ep endpoint) error {
	c.epμ.Lock()
	defer c.epμ.Unlock()
	if _, ok := c.endpoints[addr]; ok {
		return fmt.Errorf("bind %q: %w", addr, ErrAddrInUse)
	}
	c.endpoints[addr] = ep
	return nil
}

func (c *Context) unregisterEndpoints(s *Socket) {
	c.epμ.Lock()
	defer c.epμ.Unlock()
	for addr, ep := range c.endpoints {
		if ep.socket == s {
			delete(c.endpoints, addr)
		}
	}
}

// findEndpoint returns the socket bound to addr. The sequence number of the
// socket is incremented, so that it stays alive until the bind command that
// the caller is about to send has been processed.
func (c *Context) findEndpoint(addr string) (endpoint, error) {
	c.epμ.Lock()
	defer c.epμ.Unlock()
	ep, ok := c.endpoints[addr]
	if !ok {
		return endpoint{}, fmt.Errorf("connect %q: %w", addr, ErrConnRefused)
	}
	ep.socket.incSeqnum()
	return ep, nil
}

// Log records text to be included in the next monitor snapshot. It has no
// effect if the monitor is not enabled.
func (c *Context) Log(text string) {
	if c.monitor == nil {
		return
	}
	c.logμ.Lock()
	defer c.logμ.Unlock()
	c.logText = append(c.logText, text)
}

// takeLog returns and clears the text recorded by Log.
func (c *Context) takeLog() []string {
	c.logμ.Lock()
	defer c.logμ.Unlock()
	out := c.logText
	c.logText = nil
	return out
}

// Snapshot returns the text of the latest monitor snapshot: one
// "name=value" line per metric, followed by the text recorded by Log. It
// returns "" if the monitor is not enabled or has not fired yet.
func (c *Context) Snapshot() string {
	if c.monitor == nil {
		return ""
	}
	return c.monitor.latest()
}

// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/xroads/internal/signaler"
	"github.com/creachadair/xroads/internal/ypipe"
)

// A mailbox is the command inbox of one thread. Any thread may send to a
// mailbox; only the owning thread receives from it.
//
// The reader alternates between two states. While active it drains the
// command queue without touching the signaler. When the queue runs dry it
// becomes passive, and the next writer to flush is told to raise the
// signal. Exactly one signal is pending for each passive period, and the
// reader consumes it when it next goes passive.
type mailbox struct {
	cpipe *ypipe.Pipe[command]
	sig   *signaler.Signaler

	μ sync.Mutex // serializes writers

	active bool // reader-owned
}

func newMailbox() (*mailbox, error) {
	sig, err := signaler.New()
	if err != nil {
		return nil, fmt.Errorf("create signaler: %w", err)
	}
	m := &mailbox{cpipe: ypipe.New[command](), sig: sig}

	// Put the reader into the passive state, so the first command sent will
	// raise the signal.
	if _, ok := m.cpipe.Read(); ok {
		panic("xroads: new mailbox is not empty")
	}
	return m, nil
}

// fd returns a descriptor that becomes readable when commands are waiting.
func (m *mailbox) fd() int { return m.sig.FD() }

func (m *mailbox) send(cmd command) {
	m.μ.Lock()
	m.cpipe.Write(cmd, false)
	ok := m.cpipe.Flush()
	m.μ.Unlock()
	if !ok {
		m.sig.Send()
	}
}

// recv returns the next command, waiting up to timeout for one to arrive.
// A negative timeout waits indefinitely. It reports ErrAgain if no command
// arrived in time.
func (m *mailbox) recv(timeout time.Duration) (command, error) {
	if m.active {
		if cmd, ok := m.cpipe.Read(); ok {
			return cmd, nil
		}
		m.active = false
		m.sig.Recv()
	}

	if timeout == 0 {
		// Check the queue directly rather than polling the descriptor. A
		// command found this way was flushed while we were passive, so its
		// signal is (or will shortly be) pending, and is consumed when we
		// next go passive.
		if !m.cpipe.CheckRead() {
			return command{}, ErrAgain
		}
	} else if err := m.sig.Wait(timeout); errors.Is(err, signaler.ErrTimeout) {
		return command{}, ErrAgain
	} else if err != nil {
		panic(fmt.Sprintf("xroads: mailbox wait: %v", err))
	}

	m.active = true
	cmd, ok := m.cpipe.Read()
	if !ok {
		panic("xroads: mailbox signaled with no command")
	}
	return cmd, nil
}

func (m *mailbox) close() error { return m.sig.Close() }

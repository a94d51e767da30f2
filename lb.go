// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads

// A loadBalancer writes messages to a set of pipes in round-robin order,
// skipping pipes that cannot accept more data. All parts of a multi-part
// message go to the same pipe.
type loadBalancer struct {
	pipes    pipeArray
	active   int  // pipes[:active] can accept data
	current  int  // the next pipe to write to
	more     bool // a multi-part message is in progress
	dropping bool // discard the rest of the current message
}

func newLoadBalancer() loadBalancer { return loadBalancer{pipes: pipeArray{slot: lbSlot}} }

func (b *loadBalancer) attach(p *pipe) {
	b.pipes.push(p)
	b.activated(p)
}

func (b *loadBalancer) terminated(p *pipe) {
	i := b.pipes.index(p)

	// If the pipe goes away mid-message, the rest of the message has
	// nowhere to go.
	if i == b.current && b.more {
		b.dropping = true
	}
	if i < b.active {
		b.active--
		b.pipes.swap(i, b.active)
		if b.current == b.active {
			b.current = 0
		}
	}
	b.pipes.erase(p)
}

func (b *loadBalancer) activated(p *pipe) {
	b.pipes.swap(b.pipes.index(p), b.active)
	b.active++
}

func (b *loadBalancer) send(m *Msg) error {
	more := m.More()
	if b.dropping {
		b.more = more
		b.dropping = more
		m.Close()
		return nil
	}

	for b.active > 0 {
		if b.pipes.at(b.current).write(m) {
			break
		}
		if b.more {
			// Mid-message writes fail only if the pipe is being torn down,
			// since the high-water mark counts whole messages.
			b.more = more
			b.dropping = more
			m.Close()
			return nil
		}
		b.active--
		if b.current < b.active {
			b.pipes.swap(b.current, b.active)
		} else {
			b.current = 0
		}
	}
	if b.active == 0 {
		return ErrAgain
	}

	// On the last part, publish the message and move on to the next pipe.
	b.more = more
	if !more {
		b.pipes.at(b.current).flush()
		b.current++
		if b.current >= b.active {
			b.current = 0
		}
	}
	return nil
}

func (b *loadBalancer) hasOut() bool {
	if b.more {
		return true
	}
	for b.active > 0 {
		if b.pipes.at(b.current).checkWrite() {
			return true
		}
		b.active--
		b.pipes.swap(b.current, b.active)
		if b.current == b.active {
			b.current = 0
		}
	}
	return false
}

// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads

// A fairQueue reads messages from a set of pipes in round-robin order.
// Pipes with nothing to read are moved out of the active prefix of the
// array until they are activated again. Once the first part of a message
// has been read from a pipe, the remaining parts are read from the same
// pipe before moving on.
type fairQueue struct {
	pipes   pipeArray
	active  int  // pipes[:active] may have data
	current int  // the next pipe to read from
	more    bool // a multi-part message is in progress
}

func newFairQueue() fairQueue { return fairQueue{pipes: pipeArray{slot: fqSlot}} }

func (q *fairQueue) attach(p *pipe) {
	q.pipes.push(p)
	q.pipes.swap(q.active, q.pipes.size()-1)
	q.active++
}

func (q *fairQueue) terminated(p *pipe) {
	i := q.pipes.index(p)
	if i == q.current && q.more {
		// The rest of the message will never arrive.
		q.more = false
	}
	if i < q.active {
		q.active--
		q.pipes.swap(i, q.active)
		if q.current == q.active {
			q.current = 0
		}
	}
	q.pipes.erase(p)
}

func (q *fairQueue) activated(p *pipe) {
	q.pipes.swap(q.pipes.index(p), q.active)
	q.active++
}

func (q *fairQueue) recv(m *Msg) error { return q.recvPipe(m, nil) }

// recvPipe reads the next message part into m. If from != nil, it is set
// to the pipe the part was read from.
func (q *fairQueue) recvPipe(m *Msg, from **pipe) error {
	m.Close()
	for q.active > 0 {
		p := q.pipes.at(q.current)
		if p.read(m) {
			if from != nil {
				*from = p
			}
			q.more = m.More()
			if !q.more {
				q.current = (q.current + 1) % q.active
			}
			return nil
		}

		// The pipe has nothing to read. If it went away mid-message, the
		// message is lost.
		q.more = false
		q.active--
		q.pipes.swap(q.current, q.active)
		if q.current == q.active {
			q.current = 0
		}
	}
	return ErrAgain
}

func (q *fairQueue) hasIn() bool {
	if q.more {
		return true
	}
	for q.active > 0 {
		if q.pipes.at(q.current).checkRead() {
			return true
		}
		q.active--
		q.pipes.swap(q.current, q.active)
		if q.current == q.active {
			q.current = 0
		}
	}
	return false
}

// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads

// A distributor sends each message to a subset of its pipes.
//
// The pipe array is partitioned into three prefixes:
//
//	pipes[:matching]  receive the current message
//	pipes[:active]    can accept data and were present when the current message began
//	pipes[:eligible]  can accept data
//
// Pipes attached or activated in the middle of a multi-part message are
// eligible but not active, so they never receive the tail of a message
// without its head.
type distributor struct {
	pipes    pipeArray
	matching int
	active   int
	eligible int
	more     bool
}

func newDistributor() distributor { return distributor{pipes: pipeArray{slot: distSlot}} }

func (d *distributor) attach(p *pipe) {
	d.pipes.push(p)
	d.pipes.swap(d.eligible, d.pipes.size()-1)
	d.eligible++
	if !d.more {
		d.pipes.swap(d.eligible-1, d.active)
		d.active++
	}
}

// match marks p as a recipient of the current message. Marking a pipe more
// than once has no further effect, so each pipe receives a message at most
// once however many subscriptions it matched.
func (d *distributor) match(p *pipe) {
	i := d.pipes.index(p)
	if i < d.matching || i >= d.eligible {
		return
	}
	d.pipes.swap(i, d.matching)
	d.matching++
}

func (d *distributor) unmatch() { d.matching = 0 }

func (d *distributor) terminated(p *pipe) {
	if i := d.pipes.index(p); i < d.matching {
		d.pipes.swap(i, d.matching-1)
		d.matching--
	}
	if i := d.pipes.index(p); i < d.active {
		d.pipes.swap(i, d.active-1)
		d.active--
	}
	if i := d.pipes.index(p); i < d.eligible {
		d.pipes.swap(i, d.eligible-1)
		d.eligible--
	}
	d.pipes.erase(p)
}

func (d *distributor) activated(p *pipe) {
	d.pipes.swap(d.pipes.index(p), d.eligible)
	d.eligible++
	if !d.more {
		d.pipes.swap(d.eligible-1, d.active)
		d.active++
	}
}

func (d *distributor) sendToAll(m *Msg) error {
	d.matching = d.active
	return d.sendToMatching(m)
}

func (d *distributor) sendToMatching(m *Msg) error {
	more := m.More()
	d.distribute(m)

	// Once a message is complete, pipes that became eligible while it was
	// in progress take part in the next one.
	if !more {
		d.active = d.eligible
	}
	d.more = more
	return nil
}

func (d *distributor) distribute(m *Msg) {
	if d.matching == 0 {
		m.Close()
		return
	}

	// Each recipient gets its own copy of an inline body. A shared body
	// gets one reference per recipient; m already holds one of them.
	m.addRefs(d.matching - 1)
	var failed int
	for i := 0; i < d.matching; i++ {
		c := *m
		if !d.write(d.pipes.at(i), &c) {
			failed++
			i-- // write swapped the failed pipe out of the matching prefix
		}
	}
	m.rmRefs(failed)
	*m = Msg{}
}

// write sends m to p. If p cannot accept it, p is removed from the
// matching, active and eligible sets.
func (d *distributor) write(p *pipe, m *Msg) bool {
	more := m.More()
	if !p.write(m) {
		d.pipes.swap(d.pipes.index(p), d.matching-1)
		d.matching--
		d.pipes.swap(d.pipes.index(p), d.active-1)
		d.active--
		d.pipes.swap(d.active, d.eligible-1)
		d.eligible--
		return false
	}
	if !more {
		p.flush()
	}
	return true
}

func (d *distributor) hasOut() bool { return true }

// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads

// pushSocket distributes messages to its peers in round-robin order.
type pushSocket struct {
	baseType
	lb loadBalancer
}

func newPush(s *Socket) *pushSocket {
	return &pushSocket{baseType: baseType{s}, lb: newLoadBalancer()}
}

func (t *pushSocket) xattachPipe(p *pipe) {
	// Nothing reads from this side, so nobody would see the delimiter.
	p.delay = false
	t.lb.attach(p)
}

func (t *pushSocket) xwriteActivated(p *pipe) { t.lb.activated(p) }
func (t *pushSocket) xterminated(p *pipe)     { t.lb.terminated(p) }
func (t *pushSocket) xsend(m *Msg) error      { return t.lb.send(m) }
func (t *pushSocket) xhasOut() bool           { return t.lb.hasOut() }

// pullSocket receives messages from its peers, fairly queued.
type pullSocket struct {
	baseType
	fq fairQueue
}

func newPull(s *Socket) *pullSocket {
	return &pullSocket{baseType: baseType{s}, fq: newFairQueue()}
}

func (t *pullSocket) xattachPipe(p *pipe)    { t.fq.attach(p) }
func (t *pullSocket) xreadActivated(p *pipe) { t.fq.activated(p) }
func (t *pullSocket) xterminated(p *pipe)    { t.fq.terminated(p) }
func (t *pullSocket) xrecv(m *Msg) error     { return t.fq.recv(m) }
func (t *pullSocket) xhasIn() bool           { return t.fq.hasIn() }

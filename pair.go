// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads

// pairSocket connects exactly two peers. Pipes beyond the first are
// refused.
type pairSocket struct {
	baseType
	pipe *pipe
}

func newPair(s *Socket) *pairSocket { return &pairSocket{baseType: baseType{s}} }

func (t *pairSocket) xattachPipe(p *pipe) {
	if t.pipe != nil {
		p.terminate(false)
		return
	}
	t.pipe = p
}

func (t *pairSocket) xterminated(p *pipe) {
	if p == t.pipe {
		t.pipe = nil
	}
}

func (t *pairSocket) xreadActivated(*pipe)  {}
func (t *pairSocket) xwriteActivated(*pipe) {}

func (t *pairSocket) xsend(m *Msg) error {
	more := m.More()
	if t.pipe == nil || !t.pipe.write(m) {
		return ErrAgain
	}
	if !more {
		t.pipe.flush()
	}
	return nil
}

func (t *pairSocket) xrecv(m *Msg) error {
	m.Close()
	if t.pipe == nil || !t.pipe.read(m) {
		return ErrAgain
	}
	return nil
}

func (t *pairSocket) xhasIn() bool  { return t.pipe != nil && t.pipe.checkRead() }
func (t *pairSocket) xhasOut() bool { return t.pipe != nil && t.pipe.checkWrite() }

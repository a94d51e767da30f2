// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads

// Each pipe records its position in up to one array of each kind, so that
// finding, swapping and removing a pipe are constant-time.
const (
	fqSlot = iota
	lbSlot
	distSlot
	numArraySlots
)

// A pipeArray is an unordered array of pipes supporting constant-time
// removal. The routing strategies partition the array into prefixes
// (active, matching, eligible) by swapping elements.
type pipeArray struct {
	slot  int
	items []*pipe
}

func (a *pipeArray) size() int { return len(a.items) }
func (a *pipeArray) at(i int) *pipe { return a.items[i] }
func (a *pipeArray) index(p *pipe) int { return p.arrayIndex[a.slot] }

func (a *pipeArray) push(p *pipe) {
	p.arrayIndex[a.slot] = len(a.items)
	a.items = append(a.items, p)
}

func (a *pipeArray) erase(p *pipe) {
	i, last := a.index(p), len(a.items)-1
	a.swap(i, last)
	a.items[last] = nil
	a.items = a.items[:last]
	p.arrayIndex[a.slot] = -1
}

func (a *pipeArray) swap(i, j int) {
	if i == j {
		return
	}
	a.items[i], a.items[j] = a.items[j], a.items[i]
	a.items[i].arrayIndex[a.slot] = i
	a.items[j].arrayIndex[a.slot] = j
}

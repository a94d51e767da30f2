// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package trie implements a byte-indexed prefix trie of subscriptions.
//
// Each node of the trie corresponds to a byte string (its topic). A node
// records the subscribers for its topic, with a reference count per
// subscriber, and a contiguous range of child nodes indexed by the next byte.
// A node with a single child stores it inline; a node with several children
// stores a table covering the range from the smallest to the largest child
// byte. Nodes that have no subscribers and no children are removed as soon
// as they become redundant, and child tables are shrunk to fit the remaining
// children, so the size of the trie tracks the live subscriptions.
//
// All operations take time proportional to the length of the topic or data
// being processed, independent of the number of subscriptions, except for
// RemoveAll and Each which visit the whole trie.
//
// A Trie is not safe for concurrent use without external synchronization.
package trie

import "slices"

// A Trie is a prefix trie of subscriptions held by keys of type K.
// The zero value is ready for use as an empty trie.
type Trie[K comparable] struct {
	root   node[K]
	topics int
}

type node[K comparable] struct {
	subs map[K]int // subscriber → reference count

	// Children are indexed by byte values in [min, min+count).
	// When count == 1 the child is stored in one, otherwise in table.
	min   byte
	count int
	live  int
	one   *node[K]
	table []*node[K]
}

// Len reports the number of distinct topics with at least one subscriber.
func (t *Trie[K]) Len() int { return t.topics }

// Add adds a subscription for key to prefix. Duplicate subscriptions are
// reference counted. Add reports whether prefix had no subscribers before
// the call, that is, whether the topic is new to the trie.
func (t *Trie[K]) Add(prefix []byte, key K) bool {
	n := &t.root
	for _, c := range prefix {
		n = n.extend(c)
	}
	isNew := len(n.subs) == 0
	if n.subs == nil {
		n.subs = make(map[K]int)
	}
	n.subs[key]++
	if isNew {
		t.topics++
	}
	return isNew
}

// extend returns the child of n for c, creating it and widening the child
// range of n as needed.
func (n *node[K]) extend(c byte) *node[K] {
	if n.count == 0 || c < n.min || int(c) >= int(n.min)+n.count {
		switch {
		case n.count == 0:
			n.min = c
			n.count = 1
			n.one = nil

		case n.count == 1:
			// Convert the inline child into a table spanning both bytes.
			oldc, oldp := n.min, n.one
			lo := min(oldc, c)
			n.count = int(max(oldc, c)-lo) + 1
			n.table = make([]*node[K], n.count)
			n.table[oldc-lo] = oldp
			n.min = lo
			n.one = nil

		case n.min < c:
			// Widen the table to the right.
			n.count = int(c-n.min) + 1
			n.table = append(n.table, make([]*node[K], n.count-len(n.table))...)

		default:
			// Widen the table to the left.
			shift := int(n.min - c)
			grown := make([]*node[K], shift+n.count)
			copy(grown[shift:], n.table)
			n.table = grown
			n.count = len(grown)
			n.min = c
		}
	}

	if n.count == 1 {
		if n.one == nil {
			n.one = new(node[K])
			n.live++
		}
		return n.one
	}
	i := int(c - n.min)
	if n.table[i] == nil {
		n.table[i] = new(node[K])
		n.live++
	}
	return n.table[i]
}

// child returns the child of n for c, or nil if there is none.
func (n *node[K]) child(c byte) *node[K] {
	if n.count == 0 || c < n.min || int(c) >= int(n.min)+n.count {
		return nil
	} else if n.count == 1 {
		return n.one
	}
	return n.table[c-n.min]
}

// redundant reports whether n has no subscribers and no children.
func (n *node[K]) redundant() bool { return len(n.subs) == 0 && n.live == 0 }

// Remove removes one reference to the subscription of key to prefix.
// It reports true if this removed the last subscriber of prefix, so that
// the topic is no longer present in the trie. Removing a subscription that
// does not exist reports false.
func (t *Trie[K]) Remove(prefix []byte, key K) bool {
	if t.root.remove(prefix, key) {
		t.topics--
		return true
	}
	return false
}

func (n *node[K]) remove(prefix []byte, key K) bool {
	if len(prefix) == 0 {
		rc, ok := n.subs[key]
		if !ok {
			return false
		} else if rc > 1 {
			n.subs[key] = rc - 1
			return false
		}
		delete(n.subs, key)
		if len(n.subs) != 0 {
			return false
		}
		n.subs = nil
		return true
	}

	c := prefix[0]
	next := n.child(c)
	if next == nil {
		return false
	}
	last := next.remove(prefix[1:], key)
	if next.redundant() {
		n.dropChild(c)
	}
	return last
}

// dropChild removes the child of n for c and compacts the child range.
func (n *node[K]) dropChild(c byte) {
	n.live--
	if n.count == 1 {
		n.one = nil
		n.count = 0
		if n.live != 0 {
			panic("trie: live children of a childless node")
		}
		return
	}
	n.table[c-n.min] = nil
	n.compact()
}

// compact shrinks the child table of n to the range of its live children,
// collapsing it to an inline child or to nothing where possible.
func (n *node[K]) compact() {
	switch n.live {
	case 0:
		n.table = nil
		n.count = 0
		return
	case 1:
		for i, p := range n.table {
			if p != nil {
				n.one = p
				n.min += byte(i)
				break
			}
		}
		n.table = nil
		n.count = 1
		return
	}
	lo := slices.IndexFunc(n.table, func(p *node[K]) bool { return p != nil })
	hi := len(n.table)
	for n.table[hi-1] == nil {
		hi--
	}
	if lo > 0 || hi < len(n.table) {
		n.table = slices.Clone(n.table[lo:hi])
		n.min += byte(lo)
		n.count = len(n.table)
	}
}

// RemoveAll removes every subscription held by key. For each topic whose
// last subscriber was removed, RemoveAll calls f with that topic, if f is
// not nil. The topic slice is only valid for the duration of the call.
func (t *Trie[K]) RemoveAll(key K, f func(topic []byte)) {
	var buf []byte
	t.root.removeAll(key, &buf, func(topic []byte) {
		t.topics--
		if f != nil {
			f(topic)
		}
	})
}

func (n *node[K]) removeAll(key K, buf *[]byte, f func([]byte)) {
	if _, ok := n.subs[key]; ok {
		delete(n.subs, key)
		if len(n.subs) == 0 {
			n.subs = nil
			f(*buf)
		}
	}

	switch n.count {
	case 0:
		return
	case 1:
		*buf = append(*buf, n.min)
		n.one.removeAll(key, buf, f)
		*buf = (*buf)[:len(*buf)-1]
		if n.one.redundant() {
			n.dropChild(n.min)
		}
		return
	}

	dropped := false
	for i, p := range n.table {
		if p == nil {
			continue
		}
		*buf = append(*buf, n.min+byte(i))
		p.removeAll(key, buf, f)
		*buf = (*buf)[:len(*buf)-1]
		if p.redundant() {
			n.table[i] = nil
			n.live--
			dropped = true
		}
	}
	if dropped {
		n.compact()
	}
}

// Check reports whether data is matched by at least one subscription, that
// is, whether some prefix of data (including data itself and the empty
// prefix) has a subscriber.
func (t *Trie[K]) Check(data []byte) bool {
	n := &t.root
	for i := 0; ; i++ {
		if len(n.subs) != 0 {
			return true
		} else if i == len(data) {
			return false
		}
		if n = n.child(data[i]); n == nil {
			return false
		}
	}
}

// MatchAll calls f for each subscriber of each prefix of data, including
// data itself and the empty prefix. A key subscribed to several matching
// prefixes is reported once per prefix.
func (t *Trie[K]) MatchAll(data []byte, f func(K)) {
	n := &t.root
	for i := 0; ; i++ {
		for key := range n.subs {
			f(key)
		}
		if i == len(data) {
			return
		}
		if n = n.child(data[i]); n == nil {
			return
		}
	}
}

// Each calls f once for each topic that has at least one subscriber, in
// lexicographic order. The topic slice is only valid for the duration of
// the call.
func (t *Trie[K]) Each(f func(topic []byte)) {
	var buf []byte
	t.root.each(&buf, f)
}

func (n *node[K]) each(buf *[]byte, f func([]byte)) {
	if len(n.subs) != 0 {
		f(*buf)
	}
	switch n.count {
	case 0:
		return
	case 1:
		*buf = append(*buf, n.min)
		n.one.each(buf, f)
		*buf = (*buf)[:len(*buf)-1]
		return
	}
	for i, p := range n.table {
		if p != nil {
			*buf = append(*buf, n.min+byte(i))
			p.each(buf, f)
			*buf = (*buf)[:len(*buf)-1]
		}
	}
}

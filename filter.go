// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads

import (
	"fmt"
	"sync"

	"github.com/creachadair/xroads/trie"
)

// PrefixFilter is the ID of the built-in filter, which matches a message if
// a subscribed topic is a prefix of the first part of the message.
const PrefixFilter uint16 = 1

// A Filter is a message-matching algorithm for publish/subscribe sockets.
// Its ID travels on the wire in subscription messages, so both ends of a
// connection must agree on what each ID means. Filters are registered
// with RegisterFilter.
type Filter interface {
	// ID reports the wire identifier of the filter. It must not be zero.
	ID() uint16

	// NewSet returns a new empty set of subscriptions. A set is used by
	// one socket, and never concurrently.
	NewSet() FilterSet
}

// A FilterSet is a collection of subscriptions. A subscriber is an opaque
// comparable value supplied by the socket, identifying where matching
// messages should go.
type FilterSet interface {
	// Subscribe adds a subscription of sub to topic. Duplicate
	// subscriptions are reference counted. It reports whether topic had
	// no subscribers before.
	Subscribe(sub any, topic []byte) bool

	// Unsubscribe removes one subscription of sub to topic. It reports
	// whether this removed the last subscriber of topic.
	Unsubscribe(sub any, topic []byte) bool

	// UnsubscribeAll removes every subscription of sub, calling f for each
	// topic that has no subscribers left.
	UnsubscribeAll(sub any, f func(topic []byte))

	// Each calls f once for each topic with at least one subscriber.
	Each(f func(topic []byte))

	// Match reports whether data matches at least one subscription.
	Match(data []byte) bool

	// MatchAll calls f for the subscriber of each subscription matched by
	// data. It may report the same subscriber more than once.
	MatchAll(data []byte, f func(sub any))
}

var filters = struct {
	sync.Mutex
	m map[uint16]Filter
}{m: map[uint16]Filter{PrefixFilter: prefixFilter{}}}

// RegisterFilter makes f available to every socket under its ID. It
// reports an error if the ID is zero or already registered.
func RegisterFilter(f Filter) error {
	id := f.ID()
	if id == 0 {
		return fmt.Errorf("filter id 0: %w", ErrInvalid)
	}
	filters.Lock()
	defer filters.Unlock()
	if _, ok := filters.m[id]; ok {
		return fmt.Errorf("filter id %d is already registered: %w", id, ErrInvalid)
	}
	filters.m[id] = f
	return nil
}

func lookupFilter(id uint16) (Filter, bool) {
	filters.Lock()
	defer filters.Unlock()
	f, ok := filters.m[id]
	return f, ok
}

type prefixFilter struct{}

func (prefixFilter) ID() uint16        { return PrefixFilter }
func (prefixFilter) NewSet() FilterSet { return new(prefixSet) }

// prefixSet is a FilterSet over a topic trie.
type prefixSet struct{ t trie.Trie[any] }

func (s *prefixSet) Subscribe(sub any, topic []byte) bool   { return s.t.Add(topic, sub) }
func (s *prefixSet) Unsubscribe(sub any, topic []byte) bool { return s.t.Remove(topic, sub) }

func (s *prefixSet) UnsubscribeAll(sub any, f func([]byte)) { s.t.RemoveAll(sub, f) }
func (s *prefixSet) Each(f func([]byte))                    { s.t.Each(f) }
func (s *prefixSet) Match(data []byte) bool                 { return s.t.Check(data) }
func (s *prefixSet) MatchAll(data []byte, f func(any))      { s.t.MatchAll(data, f) }

// A filterSets holds the subscription sets of one socket, one per filter ID
// in use.
type filterSets map[uint16]FilterSet

// get returns the set for id, creating it if create is true. It reports
// false if there is no such set, or no such filter.
func (fs filterSets) get(id uint16, create bool) (FilterSet, bool) {
	if set, ok := fs[id]; ok {
		return set, true
	} else if !create {
		return nil, false
	}
	f, ok := lookupFilter(id)
	if !ok {
		return nil, false
	}
	set := f.NewSet()
	fs[id] = set
	return set, true
}

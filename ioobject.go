// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads

import (
	"time"

	"github.com/creachadair/xroads/internal/poller"
)

// An ioObject is the part of an object that registers descriptors and
// timers with the poller of the I/O thread it is plugged into. All its
// methods must be called on that thread.
type ioObject struct {
	poller *poller.Poller
}

func (o *ioObject) plug(t *ioThread) {
	if o.poller != nil {
		panic("xroads: I/O object is already plugged")
	}
	o.poller = t.poller
}

func (o *ioObject) unplug() { o.poller = nil }

func (o *ioObject) addFD(fd int, sink poller.Events) *poller.Handle { return o.poller.AddFD(fd, sink) }
func (o *ioObject) rmFD(h *poller.Handle) { o.poller.RmFD(h) }
func (o *ioObject) setPollIn(h *poller.Handle) { o.poller.SetPollIn(h) }
func (o *ioObject) resetPollIn(h *poller.Handle) { o.poller.ResetPollIn(h) }
func (o *ioObject) setPollOut(h *poller.Handle) { o.poller.SetPollOut(h) }
func (o *ioObject) resetPollOut(h *poller.Handle) { o.poller.ResetPollOut(h) }

func (o *ioObject) addTimer(d time.Duration, sink poller.Events, id int) *poller.Timer {
	return o.poller.AddTimer(d, sink, id)
}

func (o *ioObject) cancelTimer(t *poller.Timer) { o.poller.CancelTimer(t) }

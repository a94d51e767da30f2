// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads

import (
	"expvar"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/xroads/internal/poller"
	"github.com/rs/zerolog"
)

const monitorTimerID = 0x22

// The monitor periodically logs a snapshot of the engine metrics, along
// with any text recorded by Context.Log since the last snapshot.
type monitor struct {
	own
	ioObject

	ivl   time.Duration
	log   zerolog.Logger
	timer *poller.Timer

	μ    sync.Mutex
	last string // text of the latest snapshot
}

func newMonitor(c *Context, t *ioThread, ivl time.Duration, log zerolog.Logger) *monitor {
	m := &monitor{
		ivl: ivl,
		log: log.With().Str("component", "monitor").Logger(),
	}
	m.init(c, t.tid(), m, options{})
	m.ioObject.plug(t)
	return m
}

func (m *monitor) start() { m.sendPlug(m, true) }

// stop asks the monitor to cancel its timer. The monitor reports done to
// the context when it has.
func (m *monitor) stop() { m.sendStop(m) }

func (m *monitor) processPlug() { m.arm() }

func (m *monitor) processStop() {
	if m.timer != nil {
		m.cancelTimer(m.timer)
		m.timer = nil
	}
	m.ioObject.unplug()
	m.sendDone()
}

// arm schedules the next snapshot at a random point between half and one
// and a half intervals from now, so that the monitors of several processes
// do not fire in step.
func (m *monitor) arm() {
	d := m.ivl/2 + rand.N(m.ivl)
	m.timer = m.addTimer(d, m, monitorTimerID)
}

func (m *monitor) TimerEvent(id int) {
	if id != monitorTimerID {
		panic("xroads: unexpected monitor timer")
	}
	m.timer = nil
	m.snapshot()
	m.arm()
}

func (m *monitor) snapshot() {
	var sb strings.Builder
	d := zerolog.Dict()
	Metrics().Do(func(kv expvar.KeyValue) {
		v := kv.Value.String()
		d.Str(kv.Key, v)
		sb.WriteString(kv.Key + "=" + v + "\n")
	})
	text := m.ctx.takeLog()
	for _, t := range text {
		sb.WriteString(t + "\n")
	}
	m.log.Info().Dict("metrics", d).Strs("log", text).Msg("snapshot")

	m.μ.Lock()
	defer m.μ.Unlock()
	m.last = sb.String()
}

// latest returns the text of the most recent snapshot.
func (m *monitor) latest() string {
	m.μ.Lock()
	defer m.μ.Unlock()
	return m.last
}

func (*monitor) InEvent()  { panic("xroads: unexpected input event on monitor") }
func (*monitor) OutEvent() { panic("xroads: unexpected output event on monitor") }

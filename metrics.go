// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads

import "expvar"

// engineMetrics record activity counters for all contexts in the process.
type engineMetrics struct {
	socketsOpen    expvar.Int // sockets created and not yet reaped
	socketsCreated expvar.Int
	msgSent        expvar.Int // message parts sent by applications
	msgRecv        expvar.Int // message parts received by applications
	bytesIn        expvar.Int // bytes read from network connections
	bytesOut       expvar.Int // bytes written to network connections
	connAccepted   expvar.Int
	connEstab      expvar.Int // outbound connections established
	reconnects     expvar.Int // reconnection attempts scheduled
	handshakeFail  expvar.Int
	badSubscribe   expvar.Int // malformed subscription messages dropped
	pipesCreated   expvar.Int // pipe endpoints, two per pipe
	commandsSent   expvar.Int

	emap *expvar.Map
}

var rootMetrics = newEngineMetrics()

func newEngineMetrics() *engineMetrics {
	em := &engineMetrics{emap: new(expvar.Map)}
	em.emap.Set("sockets_open", &em.socketsOpen)
	em.emap.Set("sockets_created", &em.socketsCreated)
	em.emap.Set("messages_sent", &em.msgSent)
	em.emap.Set("messages_received", &em.msgRecv)
	em.emap.Set("bytes_in", &em.bytesIn)
	em.emap.Set("bytes_out", &em.bytesOut)
	em.emap.Set("connections_accepted", &em.connAccepted)
	em.emap.Set("connections_established", &em.connEstab)
	em.emap.Set("reconnects", &em.reconnects)
	em.emap.Set("handshakes_failed", &em.handshakeFail)
	em.emap.Set("malformed_subscriptions", &em.badSubscribe)
	em.emap.Set("pipes_created", &em.pipesCreated)
	em.emap.Set("commands_sent", &em.commandsSent)
	return em
}

// Metrics returns a map of activity counters shared by all contexts in the
// process. The caller may publish it with expvar.Publish.
func Metrics() *expvar.Map { return rootMetrics.emap }

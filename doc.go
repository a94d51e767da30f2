// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package xroads implements brokerless message-oriented sockets.
//
// A socket sends and receives whole messages, each made of one or more
// parts, according to one of a fixed set of messaging patterns. Sockets
// of compatible types exchange messages over in-process, TCP, and Unix
// domain transports. Connections are made and re-made in the background,
// and messages are queued on both sides of a connection up to a
// configurable high-water mark.
//
// # Contexts
//
// Sockets belong to a [Context], which runs the I/O threads that serve
// network connections:
//
//	c, err := xroads.NewContext(nil)
//	if err != nil {
//	   log.Fatalf("NewContext: %v", err)
//	}
//	defer c.Term()
//
// [Context.Term] causes blocking operations on the sockets of the context
// to report [ErrTerminated]. It waits until every socket has been closed and
// its pending messages delivered, subject to the linger setting of the
// socket.
//
// # Sockets
//
// To create a socket, call [Context.NewSocket] with one of the socket
// types. A socket binds addresses that other sockets connect to, or
// connects to the addresses bound by other sockets, or both:
//
//	pull, err := c.NewSocket(xroads.PULL)
//	...
//	if err := pull.Bind("tcp://127.0.0.1:5555"); err != nil {
//	   log.Fatalf("Bind: %v", err)
//	}
//
//	push, err := c.NewSocket(xroads.PUSH)
//	...
//	if err := push.Connect("tcp://127.0.0.1:5555"); err != nil {
//	   log.Fatalf("Connect: %v", err)
//	}
//
// Addresses have the form proto://address, where proto is "inproc" for
// sockets in the same context, "tcp" for TCP connections, or "ipc" for Unix
// domain sockets. A TCP bind address may use "*" for the host to bind all
// interfaces, or for the port to choose an ephemeral port. Use
// [Socket.LastEndpoint] to recover the address actually bound.
//
// The methods of a socket must not be called concurrently. To wait for
// several sockets or file descriptors at once, use [Poll].
//
// # Patterns
//
// The socket types and the peers they may talk to are:
//
//   - PAIR to PAIR: an exclusive bidirectional connection.
//   - PUB to SUB or XSUB: each message goes to every subscriber whose
//     subscriptions match it.
//   - REQ to REP or XREP: requests and replies in strict alternation,
//     load-balanced among services.
//   - XREQ and XREP: the same as REQ and REP without the alternation, for
//     building brokers. XREP routes replies by the identity of the peer.
//   - PUSH to PULL: a pipeline, load-balanced among workers.
//   - XPUB and XSUB: the same as PUB and SUB, but subscriptions are visible
//     as messages, for building forwarders.
//
// The device package connects these to build brokers and forwarders.
//
// # Metrics
//
// The package maintains activity counters for all contexts in the process.
// Use [Metrics] to obtain an [expvar.Map] containing them:
//
//   - sockets_open: gauge of sockets created and not yet reaped
//   - sockets_created: counter of sockets created
//   - messages_sent: counter of message parts sent by applications
//   - messages_received: counter of message parts received by applications
//   - bytes_in, bytes_out: counters of bytes moved on network connections
//   - connections_accepted: counter of inbound connections
//   - connections_established: counter of outbound connections
//   - reconnects: counter of reconnection attempts scheduled
//   - handshakes_failed: counter of connections dropped during the greeting
//   - malformed_subscriptions: counter of subscriptions discarded
//   - pipes_created: counter of pipe endpoints
//   - commands_sent: counter of commands passed between threads
//
// If [ContextOptions.MonitorInterval] is set, a snapshot of the metrics is
// logged periodically, and is available from [Context.Snapshot].
package xroads
